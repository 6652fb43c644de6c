package limits

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard is the admission controller for new subscription
// connections. It enforces a hard connection ceiling and refuses new
// connections while the process is under CPU or goroutine pressure -
// existing subscribers keep their deliveries, new ones are turned away
// until the load clears.
type ResourceGuard struct {
	maxConnections     int
	maxGoroutines      int
	cpuRejectThreshold float64

	currentConns *int64 // shared with the server's stats

	// Updated by the monitoring loop, read on every admission check.
	cpuPercent atomic.Value // float64

	logger zerolog.Logger
}

// ResourceGuardConfig configures a ResourceGuard.
type ResourceGuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int     // 0 disables the goroutine check
	CPURejectThreshold float64 // percent; 0 disables the CPU check
	Logger             zerolog.Logger
}

// NewResourceGuard creates a guard sharing the server's connection
// counter.
func NewResourceGuard(cfg ResourceGuardConfig, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		maxConnections:     cfg.MaxConnections,
		maxGoroutines:      cfg.MaxGoroutines,
		cpuRejectThreshold: cfg.CPURejectThreshold,
		currentConns:       currentConns,
		logger:             cfg.Logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.cpuPercent.Store(float64(0))
	return rg
}

// ShouldAcceptConnection runs the admission checks, cheapest first.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if conns := atomic.LoadInt64(rg.currentConns); conns >= int64(rg.maxConnections) {
		return false, "max_connections"
	}
	if rg.maxGoroutines > 0 && runtime.NumGoroutine() >= rg.maxGoroutines {
		return false, "max_goroutines"
	}
	if rg.cpuRejectThreshold > 0 {
		if pct, _ := rg.cpuPercent.Load().(float64); pct >= rg.cpuRejectThreshold {
			return false, "cpu_pressure"
		}
	}
	return true, ""
}

// StartMonitoring samples host-wide CPU usage on the given interval until
// the context is cancelled. Admission checks read the latest sample; they
// never block on gopsutil themselves.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err != nil || len(percents) == 0 {
					rg.logger.Debug().Err(err).Msg("CPU sample failed")
					continue
				}
				rg.cpuPercent.Store(percents[0])
				if rg.cpuRejectThreshold > 0 && percents[0] >= rg.cpuRejectThreshold {
					rg.logger.Warn().
						Float64("cpu_percent", percents[0]).
						Float64("threshold", rg.cpuRejectThreshold).
						Msg("CPU above admission threshold - rejecting new connections")
				}
			}
		}
	}()
}

// Stats reports the guard's current view for the health endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	pct, _ := rg.cpuPercent.Load().(float64)
	return map[string]any{
		"current_connections":  atomic.LoadInt64(rg.currentConns),
		"max_connections":      rg.maxConnections,
		"goroutines":           runtime.NumGoroutine(),
		"max_goroutines":       rg.maxGoroutines,
		"cpu_percent":          pct,
		"cpu_reject_threshold": rg.cpuRejectThreshold,
	}
}
