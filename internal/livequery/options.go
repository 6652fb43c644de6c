package livequery

import (
	"fmt"
	"time"
)

// Options are the only two knobs a poller honours: how many cohorts go
// into one multiplexed round-trip, and how long the worker sleeps between
// the end of one tick and the start of the next.
type Options struct {
	BatchSize       int           `json:"batch_size"`
	RefetchInterval time.Duration `json:"refetch_interval"`
}

// DefaultOptions mirrors the defaults the engine ships with.
func DefaultOptions() Options {
	return Options{
		BatchSize:       100,
		RefetchInterval: time.Second,
	}
}

// Validate rejects non-positive values.
func (o Options) Validate() error {
	if o.BatchSize < 1 {
		return fmt.Errorf("batch size must be > 0, got %d", o.BatchSize)
	}
	if o.RefetchInterval <= 0 {
		return fmt.Errorf("refetch interval must be > 0, got %s", o.RefetchInterval)
	}
	return nil
}
