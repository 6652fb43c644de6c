package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adred-codev/livequery/internal/monitoring"
	"github.com/rs/zerolog"
)

// Plan carries everything the upstream engine resolved for one
// subscription: which source and role it executes under, the generated
// multiplexed SQL, and the hash of the parameterised query it came from.
// Parsing, permission resolution and SQL generation all happen before a
// plan reaches this package.
type Plan struct {
	Source    string
	Role      string
	Query     string
	QueryHash string
}

func (p Plan) key() PollerKey {
	return PollerKey{Source: p.Source, Role: p.Role, Query: p.Query}
}

// SpawnWorkerFunc creates the worker for a freshly-inserted poller and
// returns its id. The returned id is published into the poller's
// write-once io state by the caller. Overridable so tests can run ticks
// by hand.
type SpawnWorkerFunc func(p *Poller) PollerID

// StateConfig configures a State.
type StateConfig struct {
	Logger zerolog.Logger
	// Options applies to every poller. Zero value means DefaultOptions.
	Options Options
	// Source executes multiplexed statements. Required.
	Source SourceExecutor
	// Hook consumes per-tick telemetry. Optional.
	Hook PostPollHook
	// PushWorkers bounds concurrent subscriber callback invocations across
	// all pollers. <= 0 selects 2 x GOMAXPROCS.
	PushWorkers int
	// ExtendedDetails populates the bulky per-tick fields (generated SQL,
	// options, query hash) in PollDetails.
	ExtendedDetails bool
	// SpawnWorker overrides worker creation. Nil selects the default
	// goroutine worker.
	SpawnWorker SpawnWorkerFunc
}

// State is the process-wide root of the poller hierarchy
// (pollers → cohorts → subscribers). The transport layer adds and removes
// subscriptions; poller workers read everything else.
type State struct {
	logger  zerolog.Logger
	opts    Options
	source  SourceExecutor
	hook    PostPollHook
	pool    *pushPool
	spawn   SpawnWorkerFunc
	pollers *pollerMap

	extended bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewState wires a State from its collaborators.
func NewState(cfg StateConfig) (*State, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("livequery: source executor is required")
	}
	opts := cfg.Options
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("livequery: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &State{
		logger:   cfg.Logger,
		opts:     opts,
		source:   cfg.Source,
		hook:     cfg.Hook,
		pool:     newPushPool(cfg.PushWorkers, cfg.Logger),
		pollers:  newPollerMap(),
		extended: cfg.ExtendedDetails,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.spawn = cfg.SpawnWorker
	if s.spawn == nil {
		s.spawn = s.spawnWorker
	}
	return s, nil
}

func (s *State) deps() tickDeps {
	return tickDeps{
		logger:   s.logger,
		opts:     s.opts,
		source:   s.source,
		hook:     s.hook,
		pool:     s.pool,
		extended: s.extended,
	}
}

// spawnWorker is the default worker factory: one goroutine running the
// immortal tick loop.
func (s *State) spawnWorker(p *Poller) PollerID {
	id := NewPollerID()
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		p.run(s.ctx, s.deps())
	}()
	return id
}

// AddSubscription idempotently constructs the poller and cohort the plan
// and variables select, then registers the subscriber into the cohort's
// new set. Exactly one worker is ever spawned per poller key: the atomic
// insert into the poller map decides the winner, and only the winner
// publishes the write-once io state.
//
// The loop handles the shutdown race: if a concurrent RemoveSubscription
// emptied and stopped the poller between our lookup and our insert, the
// stop signal is already visible and we retry against a fresh poller.
func (s *State) AddSubscription(plan Plan, variables json.RawMessage, sub *Subscriber) (PollerID, CohortID, SubscriberID) {
	key := plan.key()
	cohortKey := CohortKey(variables)

	for {
		p, created := s.pollers.getOrCreate(key)
		if created {
			id := s.spawn(p)
			p.publish(id, plan.QueryHash)
			s.logger.Info().
				Str("poller_id", id.String()).
				Str("source", plan.Source).
				Str("role", plan.Role).
				Str("query_hash", plan.QueryHash).
				Msg("Poller created")
		}

		cohort := p.cohorts.addSubscriber(cohortKey, variables, sub)

		if !p.stopped() {
			monitoring.SubscribersActive.Inc()
			s.logger.Debug().
				Str("subscriber_id", sub.ID.String()).
				Str("cohort_id", cohort.ID.String()).
				Str("request_id", sub.RequestID).
				Msg("Subscriber added")
			return p.ID(), cohort.ID, sub.ID
		}
		// Lost the race against stopIfEmpty: the poller is out of the map
		// and its worker is terminating. Take the insert back and retry.
		p.cohorts.removeSubscriber(cohortKey, sub.ID)
	}
}

// RemoveSubscription removes the subscriber, deletes its cohort if that
// emptied it (same atomic action), and stops the poller when its last
// cohort is gone.
func (s *State) RemoveSubscription(plan Plan, variables json.RawMessage, subID SubscriberID) {
	key := plan.key()
	p := s.pollers.get(key)
	if p == nil {
		return
	}
	removed, mapEmpty := p.cohorts.removeSubscriber(CohortKey(variables), subID)
	if removed {
		monitoring.SubscribersActive.Dec()
		s.logger.Debug().
			Str("subscriber_id", subID.String()).
			Msg("Subscriber removed")
	}
	if mapEmpty {
		if s.pollers.stopIfEmpty(key, p) {
			s.logger.Info().
				Str("source", key.Source).
				Str("role", key.Role).
				Msg("Poller stopped - no cohorts left")
		}
	}
}

// PollerCount reports how many pollers are live.
func (s *State) PollerCount() int {
	return s.pollers.len()
}

// Close stops every worker and then the push pool. It first cancels the
// workers' context, so source calls of in-flight ticks are aborted and
// reported as batch errors; it then waits for the workers to exit. The pool
// is only closed once no worker can submit to it.
func (s *State) Close() {
	s.cancel()
	for _, p := range s.pollers.snapshot() {
		p.signalStop()
	}
	s.workers.Wait()
	s.pool.close()
}
