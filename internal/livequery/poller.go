package livequery

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adred-codev/livequery/internal/monitoring"
)

// PollerKey is the sharing unit: two subscriptions land on the same poller
// iff their (source, role, query text) triples are equal.
type PollerKey struct {
	Source string
	Role   string
	Query  string
}

// Poller owns one multiplexed query and the single worker goroutine that
// polls it.
//
// A poller is created by an atomic insert into the poller map with its io
// state still unset. The winner of the insertion race then spawns the
// worker and publishes (PollerID, query hash) exactly once by closing ready.
// Anyone else reading the io state either sees it fully initialised or
// waits on ready; a torn value is impossible.
type Poller struct {
	key     PollerKey
	cohorts *cohortMap

	// Write-once io state. id and queryHash are written by the spawning
	// goroutine only, strictly before close(ready).
	ready     chan struct{}
	id        PollerID
	queryHash string

	stopOnce sync.Once
	stop     chan struct{} // closed by stopIfEmpty
	done     chan struct{} // closed when the worker goroutine exits
}

func newPoller(key PollerKey) *Poller {
	return &Poller{
		key:     key,
		cohorts: newCohortMap(),
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// publish fills the write-once io state. Must be called exactly once, by
// the goroutine that won the creation race.
func (p *Poller) publish(id PollerID, queryHash string) {
	p.id = id
	p.queryHash = queryHash
	close(p.ready)
}

// ID blocks until the io state is published, then returns the poller id.
func (p *Poller) ID() PollerID {
	<-p.ready
	return p.id
}

// idIfReady reads the io state without blocking.
func (p *Poller) idIfReady() (PollerID, bool) {
	select {
	case <-p.ready:
		return p.id, true
	default:
		return PollerID{}, false
	}
}

// queryHashIfReady reads the published query hash, or "" while setup is
// still in progress.
func (p *Poller) queryHashIfReady() string {
	select {
	case <-p.ready:
		return p.queryHash
	default:
		return ""
	}
}

// signalStop tells the worker to terminate. Idempotent.
func (p *Poller) signalStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Done is closed once the worker goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// run is the worker loop. It executes ticks one at a time with a
// RefetchInterval sleep between the end of one tick and the start of the
// next; a tick that overruns the interval is followed immediately by the
// next one, missed ticks are not queued.
//
// The worker is immortal: a panic or error escaping the tick body is
// caught, logged, and followed by the normal sleep before retrying. It
// exits only on the stop signal or context cancellation.
func (p *Poller) run(ctx context.Context, d tickDeps) {
	defer close(p.done)

	<-p.ready

	d.logger.Info().
		Str("poller_id", p.id.String()).
		Str("source", p.key.Source).
		Str("role", p.key.Role).
		Msg("Poller worker started")
	monitoring.PollersActive.Inc()
	defer monitoring.PollersActive.Dec()

	for {
		select {
		case <-p.stop:
			d.logger.Info().Str("poller_id", p.id.String()).Msg("Poller worker stopped")
			return
		case <-ctx.Done():
			d.logger.Info().Str("poller_id", p.id.String()).Msg("Poller worker cancelled")
			return
		default:
		}

		p.safeTick(ctx, d)

		select {
		case <-p.stop:
			d.logger.Info().Str("poller_id", p.id.String()).Msg("Poller worker stopped")
			return
		case <-ctx.Done():
			d.logger.Info().Str("poller_id", p.id.String()).Msg("Poller worker cancelled")
			return
		case <-time.After(d.opts.RefetchInterval):
		}
	}
}

// safeTick runs one tick with panic isolation and hands the per-tick
// details to the post-poll hook. Hook panics are isolated the same way:
// telemetry consumers must not be able to starve subscribers.
func (p *Poller) safeTick(ctx context.Context, d tickDeps) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.RecordTickPanic()
			d.logger.Error().
				Str("poller_id", p.id.String()).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Poll tick panic recovered - worker continues")
		}
	}()

	details := p.poll(ctx, d)
	if d.hook != nil {
		d.hook(details)
	}
}

// pollerMap is the process-wide mapping from poller keys to pollers. Its
// lifecycle is the process lifetime.
type pollerMap struct {
	mu      sync.Mutex
	pollers map[PollerKey]*Poller
}

func newPollerMap() *pollerMap {
	return &pollerMap{pollers: make(map[PollerKey]*Poller)}
}

// getOrCreate atomically looks up key, inserting a new poller with empty
// cohorts and unset io state when absent. created tells the caller whether
// it won the race and therefore owes the spawn+publish step.
func (m *pollerMap) getOrCreate(key PollerKey) (p *Poller, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[key]
	if !ok {
		p = newPoller(key)
		m.pollers[key] = p
		created = true
	}
	return p, created
}

func (m *pollerMap) get(key PollerKey) *Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollers[key]
}

// stopIfEmpty removes the poller from the map and signals its worker, but
// only if its cohort map is empty at that instant. The emptiness check,
// the map removal and the stop signal all happen while holding the cohort
// map lock, so an AddSubscription that re-populates the poller either lands
// before the check (poller stays) or observes the stop signal afterwards
// and retries against a fresh poller.
func (m *pollerMap) stopIfEmpty(key PollerKey, p *Poller) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollers[key] != p {
		return false
	}
	return p.cohorts.ifEmpty(func() {
		delete(m.pollers, key)
		p.signalStop()
	})
}

// snapshot lists the current (key, poller) pairs.
func (m *pollerMap) snapshot() map[PollerKey]*Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PollerKey]*Poller, len(m.pollers))
	for k, p := range m.pollers {
		out[k] = p
	}
	return out
}

func (m *pollerMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}
