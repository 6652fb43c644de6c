package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles subscription connection attempts.
//
// Two levels:
//   - Per-IP: one misbehaving client cannot monopolise the accept path
//   - Global: a distributed flood cannot either
//
// Token buckets via golang.org/x/time/rate; per-IP buckets are dropped
// after a TTL of inactivity so the map stays bounded.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate
// limiting. Zero values select the defaults noted per field.
type ConnectionRateLimiterConfig struct {
	IPBurst     int           // max burst per IP (default 10)
	IPRate      float64       // sustained connections/sec per IP (default 1.0)
	IPTTL       time.Duration // drop idle IP buckets after this (default 5m)
	GlobalBurst int           // max burst system-wide (default 300)
	GlobalRate  float64       // sustained connections/sec system-wide (default 50.0)
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return l
}

// CheckConnectionAllowed reports whether a connection attempt from ip may
// proceed. The global bucket is consulted first so a flood is rejected
// before it populates per-IP state.
func (l *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Global connection rate exceeded")
		return false
	}

	l.ipMu.Lock()
	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.ipMu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

// cleanupLoop evicts IP buckets idle longer than the TTL.
func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.ipMu.Lock()
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.ipMu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup goroutine. Idempotent.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
	})
}
