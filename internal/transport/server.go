package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/livequery/internal/livequery"
	"github.com/adred-codev/livequery/internal/monitoring"
	"github.com/adred-codev/livequery/internal/transport/limits"
)

// Config holds the transport server's knobs.
type Config struct {
	Addr           string
	MaxConnections int
	MaxGoroutines  int

	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	CPURejectThreshold float64
	MetricsInterval    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Server accepts websocket connections and maps their start/stop
// operations onto the live-query state. Everything query-shaped
// (parsing, permissions, SQL generation) happened upstream; by the time a
// message reaches this server it carries a ready-to-execute plan.
type Server struct {
	config Config
	logger zerolog.Logger
	state  *livequery.State

	listener net.Listener

	clients        sync.Map // map[*Client]struct{}
	clientSeq      int64
	currentConns   int64
	connectionsSem chan struct{}

	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer wires a transport server around an existing live-query state.
func NewServer(config Config, state *livequery.State, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:         config,
		logger:         logger,
		state:          state,
		ctx:            ctx,
		cancel:         cancel,
		connectionsSem: make(chan struct{}, config.MaxConnections),
	}

	s.resourceGuard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     config.MaxConnections,
		MaxGoroutines:      config.MaxGoroutines,
		CPURejectThreshold: config.CPURejectThreshold,
		Logger:             logger,
	}, &s.currentConns)

	if config.ConnectionRateLimitEnabled {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			GlobalBurst: config.ConnRateLimitGlobalBurst,
			GlobalRate:  config.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	return s
}

// Start begins listening and serving. Non-blocking; use Shutdown to stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", s.config.Addr).
		Int("max_connections", s.config.MaxConnections).
		Msg("Server listening")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/dump", s.handleDump)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.resourceGuard.StartMonitoring(s.ctx, s.config.MetricsInterval)

	return nil
}

// Shutdown drains connections and stops the server. New connections are
// refused immediately; existing ones get a grace period to disconnect
// before being force-closed.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	gracePeriod := 30 * time.Second
	drainTimer := time.NewTimer(gracePeriod)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

	s.logger.Info().
		Int64("active_connections", atomic.LoadInt64(&s.currentConns)).
		Dur("grace_period", gracePeriod).
		Msg("Draining active connections")

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			client.closeOnce.Do(func() {
				if client.conn != nil {
					client.conn.Close()
				}
			})
		}
		return true
	})

	s.cancel()
	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connectionRateLimiter != nil {
		if !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
			monitoring.ConnectionsFailed.Inc()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int64("current_connections", atomic.LoadInt64(&s.currentConns)).
			Str("reason", reason).
			Msg("Connection rejected by resource guard")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:          atomic.AddInt64(&s.clientSeq, 1),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		subs:        make(map[string]subscriptionEntry),
	}

	s.clients.Store(client, struct{}{})
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(atomic.AddInt64(&s.currentConns, 1)))

	s.logger.Info().
		Str("client_ip", clientIP).
		Int64("client_id", client.id).
		Int64("current_connections", atomic.LoadInt64(&s.currentConns)).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// disconnectClient tears down a client: unregisters every live
// subscription, releases the connection slot and closes the socket.
func (s *Server) disconnectClient(c *Client) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}

	for _, entry := range c.takeAllSubscriptions() {
		s.state.RemoveSubscription(entry.plan, entry.variables, entry.subscriberID)
	}

	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
	c.closeSend()
	<-s.connectionsSem

	monitoring.ConnectionsActive.Set(float64(atomic.AddInt64(&s.currentConns, -1)))

	s.logger.Info().
		Int64("client_id", c.id).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// handleHealth reports liveness plus a resource snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"pollers":   s.state.PollerCount(),
		"resources": s.resourceGuard.Stats(),
	})
}

// handleDump serves the read-only poller map introspection.
// ?extended=true adds variables, query text and query hashes.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	extended := r.URL.Query().Get("extended") == "true"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.state.DumpPollerMap(extended))
}

// getClientIP extracts the client IP, preferring X-Forwarded-For when a
// load balancer sits in front.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
