package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a scripted sequence of responses, one per
// Execute call; the last script entry repeats once the script runs out.
type scriptedSource struct {
	mu     sync.Mutex
	script []func(batch []CohortBatchItem) ([]CohortResult, error)
	calls  int
}

func (f *scriptedSource) Execute(_ context.Context, _, _ string, batch []CohortBatchItem) ([]CohortResult, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	fn := f.script[idx]
	f.mu.Unlock()
	return fn(batch)
}

// sameForAll answers every cohort in the batch with the same payload.
func sameForAll(payload string) func(batch []CohortBatchItem) ([]CohortResult, error) {
	return func(batch []CohortBatchItem) ([]CohortResult, error) {
		results := make([]CohortResult, len(batch))
		for i, item := range batch {
			results[i] = CohortResult{CohortID: item.CohortID, Payload: []byte(payload)}
		}
		return results, nil
	}
}

func failBatch(msg string) func(batch []CohortBatchItem) ([]CohortResult, error) {
	return func([]CohortBatchItem) ([]CohortResult, error) {
		return nil, errors.New(msg)
	}
}

// recorder captures callback invocations for one subscriber.
type recorder struct {
	mu  sync.Mutex
	got []Response
}

func (r *recorder) callback() OnChangeFunc {
	return func(resp Response) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, resp)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, resp := range r.got {
		out[i] = string(resp.Payload)
	}
	return out
}

var testPlan = Plan{
	Source:    "default",
	Role:      "user",
	Query:     "SELECT result.\"data\" FROM unnest($1::uuid[], $2::jsonb[]) q(id, vars)",
	QueryHash: "2f1acd4b",
}

// newManualState builds a state whose pollers never tick on their own:
// the spawn stub publishes io state without starting a worker, and tests
// drive ticks by hand for determinism.
func newManualState(t *testing.T, src SourceExecutor, opts ...func(*StateConfig)) *State {
	t.Helper()
	cfg := StateConfig{
		Logger:      zerolog.Nop(),
		Source:      src,
		SpawnWorker: func(*Poller) PollerID { return NewPollerID() },
	}
	for _, o := range opts {
		o(&cfg)
	}
	st, err := NewState(cfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func tick(t *testing.T, st *State, plan Plan) *PollDetails {
	t.Helper()
	p := st.pollers.get(plan.key())
	require.NotNil(t, p, "poller must exist before ticking")
	return p.poll(context.Background(), st.deps())
}

func cohortOf(t *testing.T, st *State, plan Plan, variables string) *Cohort {
	t.Helper()
	p := st.pollers.get(plan.key())
	require.NotNil(t, p)
	p.cohorts.mu.Lock()
	defer p.cohorts.mu.Unlock()
	return p.cohorts.cohorts[CohortKey(variables)]
}

func TestSingleSubscriberUnchangedResult(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`{"data":{"v":"X"}}`),
	}}
	st := newManualState(t, src)

	rec := &recorder{}
	sub := NewSubscriber(nil, "req-1", "", rec.callback())
	vars := `{"id":1}`
	st.AddSubscription(testPlan, json.RawMessage(vars), sub)

	wantHash := HashResponse([]byte(`{"data":{"v":"X"}}`))
	for i := 0; i < 3; i++ {
		tick(t, st, testPlan)
		c := cohortOf(t, st, testPlan, vars)
		require.NotNil(t, c.previousHash())
		assert.Equal(t, wantHash, *c.previousHash())
	}

	// First response always delivered; identical ticks 2 and 3 suppressed.
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 3, src.calls)
}

func TestChangedResultIsPushed(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
		sameForAll(`"Y"`),
		sameForAll(`"Y"`),
	}}
	st := newManualState(t, src)

	rec := &recorder{}
	vars := `{"id":2}`
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "req-1", "", rec.callback()))

	tick(t, st, testPlan)
	tick(t, st, testPlan)
	tick(t, st, testPlan)

	assert.Equal(t, []string{`"X"`, `"Y"`}, rec.payloads())
	c := cohortOf(t, st, testPlan, vars)
	require.NotNil(t, c.previousHash())
	assert.Equal(t, HashResponse([]byte(`"Y"`)), *c.previousHash())
}

func TestNewSubscriberGetsFirstResponseDespiteNoChange(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
	}}
	st := newManualState(t, src)

	recA := &recorder{}
	vars := `{"id":3}`
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "a", "", recA.callback()))
	tick(t, st, testPlan)
	require.Equal(t, 1, recA.count())

	recB := &recorder{}
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "b", "", recB.callback()))
	details := tick(t, st, testPlan)

	// B was new: exactly one delivery. A saw no change: none.
	assert.Equal(t, 1, recB.count())
	assert.Equal(t, []string{`"X"`}, recB.payloads())
	assert.Equal(t, 1, recA.count())

	require.Len(t, details.Batches, 1)
	require.Len(t, details.Batches[0].Cohorts, 1)
	cd := details.Batches[0].Cohorts[0]
	assert.Len(t, cd.PushedTo, 1)
	assert.Len(t, cd.Ignored, 1)
}

func TestBatchErrorForwardedAndHashReset(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
		failBatch("connection refused"),
		sameForAll(`"X"`),
	}}
	st := newManualState(t, src)

	rec := &recorder{}
	vars := `{"id":4}`
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "s", "", rec.callback()))

	tick(t, st, testPlan)
	require.Equal(t, 1, rec.count())

	tick(t, st, testPlan)
	require.Equal(t, 2, rec.count(), "errors must always be delivered")
	assert.Contains(t, rec.payloads()[1], "connection refused")
	c := cohortOf(t, st, testPlan, vars)
	assert.Nil(t, c.previousHash(), "batch error must reset the hash cell")

	// Same payload as before the error must be delivered again.
	tick(t, st, testPlan)
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, `"X"`, rec.payloads()[2])
}

func TestTwoCohortsOneBatch(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		func(batch []CohortBatchItem) ([]CohortResult, error) {
			results := make([]CohortResult, len(batch))
			for i, item := range batch {
				var v struct {
					Sym string `json:"sym"`
				}
				if err := json.Unmarshal(item.Variables, &v); err != nil {
					return nil, err
				}
				results[i] = CohortResult{CohortID: item.CohortID, Payload: []byte(`"` + v.Sym + `"`)}
			}
			return results, nil
		},
	}}
	st := newManualState(t, src)

	recA := &recorder{}
	recB := &recorder{}
	st.AddSubscription(testPlan, json.RawMessage(`{"sym":"A"}`), NewSubscriber(nil, "a", "", recA.callback()))
	st.AddSubscription(testPlan, json.RawMessage(`{"sym":"B"}`), NewSubscriber(nil, "b", "", recB.callback()))

	details := tick(t, st, testPlan)

	assert.Equal(t, []string{`"A"`}, recA.payloads())
	assert.Equal(t, []string{`"B"`}, recB.payloads())
	require.Len(t, details.Batches, 1, "batch size 100 fits both cohorts in one round-trip")
	assert.Len(t, details.Batches[0].Cohorts, 2)
	assert.Equal(t, 1, src.calls)
}

func TestBatchPartitioning(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"p"`),
	}}
	st := newManualState(t, src, func(cfg *StateConfig) {
		cfg.Options = Options{BatchSize: 2, RefetchInterval: time.Second}
	})

	for i := 0; i < 5; i++ {
		vars := fmt.Sprintf(`{"i":%d}`, i)
		st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, fmt.Sprintf("r%d", i), "", (&recorder{}).callback()))
	}

	details := tick(t, st, testPlan)

	// 5 cohorts at batch size 2: 2+2+1, ids 1..3.
	require.Len(t, details.Batches, 3)
	seen := map[int]int{}
	for _, b := range details.Batches {
		seen[b.BatchID] = len(b.Cohorts)
	}
	assert.Equal(t, 2, seen[1])
	assert.Equal(t, 2, seen[2])
	assert.Equal(t, 1, seen[3], "last batch carries the remainder")
	assert.Equal(t, 3, src.calls)
}

func TestMissingCohortResponseIsNoUpdate(t *testing.T) {
	// The source answers only the first cohort of the batch.
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		func(batch []CohortBatchItem) ([]CohortResult, error) {
			return []CohortResult{{CohortID: batch[0].CohortID, Payload: []byte(`"only"`)}}, nil
		},
	}}
	st := newManualState(t, src)

	recA := &recorder{}
	recB := &recorder{}
	st.AddSubscription(testPlan, json.RawMessage(`{"sym":"A"}`), NewSubscriber(nil, "a", "", recA.callback()))
	st.AddSubscription(testPlan, json.RawMessage(`{"sym":"B"}`), NewSubscriber(nil, "b", "", recB.callback()))

	details := tick(t, st, testPlan)

	assert.Equal(t, 1, recA.count()+recB.count(), "exactly one cohort got a payload")
	require.Len(t, details.Batches, 1)
	assert.Len(t, details.Batches[0].Cohorts, 1, "silent cohorts produce no execution details")
}

func TestUnknownCohortIDIsSkipped(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		func(batch []CohortBatchItem) ([]CohortResult, error) {
			return []CohortResult{
				{CohortID: batch[0].CohortID, Payload: []byte(`"ok"`)},
				{CohortID: NewCohortID(), Payload: []byte(`"phantom"`)},
			}, nil
		},
	}}
	st := newManualState(t, src)

	rec := &recorder{}
	st.AddSubscription(testPlan, json.RawMessage(`{}`), NewSubscriber(nil, "a", "", rec.callback()))

	details := tick(t, st, testPlan)

	assert.Equal(t, []string{`"ok"`}, rec.payloads())
	require.Len(t, details.Batches, 1)
	assert.Len(t, details.Batches[0].Cohorts, 1, "the phantom row is dropped")
}

func TestSubscriberCallbackPanicIsIsolated(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
	}}
	st := newManualState(t, src)

	rec := &recorder{}
	vars := `{"id":9}`
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "bad", "", func(Response) {
		panic("subscriber exploded")
	}))
	st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, "good", "", rec.callback()))

	require.NotPanics(t, func() { tick(t, st, testPlan) })
	assert.Equal(t, 1, rec.count(), "sibling callbacks are unaffected by a panic")
}

func TestAddSubscriptionSpawnsExactlyOneWorker(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
	}}
	var spawns int32
	st := newManualState(t, src, func(cfg *StateConfig) {
		cfg.SpawnWorker = func(*Poller) PollerID {
			atomic.AddInt32(&spawns, 1)
			return NewPollerID()
		}
	})

	const n = 32
	pollerIDs := make([]PollerID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vars := fmt.Sprintf(`{"i":%d}`, i)
			pid, _, _ := st.AddSubscription(testPlan, json.RawMessage(vars), NewSubscriber(nil, fmt.Sprintf("r%d", i), "", func(Response) {}))
			pollerIDs[i] = pid
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&spawns), "racing inserts must spawn exactly one worker")
	assert.Equal(t, 1, st.PollerCount())
	for _, pid := range pollerIDs[1:] {
		assert.Equal(t, pollerIDs[0], pid, "every subscriber observes the published io state")
	}
}

func TestRemoveLastSubscriberStopsPoller(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
	}}
	st := newManualState(t, src)

	sub := NewSubscriber(nil, "r", "", func(Response) {})
	vars := json.RawMessage(`{"id":1}`)
	st.AddSubscription(testPlan, vars, sub)
	p := st.pollers.get(testPlan.key())
	require.NotNil(t, p)

	st.RemoveSubscription(testPlan, vars, sub.ID)

	assert.Nil(t, st.pollers.get(testPlan.key()), "empty poller must leave the map")
	assert.True(t, p.stopped(), "its worker must be told to stop")

	// A later subscription builds a fresh poller rather than resurrecting
	// the stopped one.
	st.AddSubscription(testPlan, vars, NewSubscriber(nil, "r2", "", func(Response) {}))
	p2 := st.pollers.get(testPlan.key())
	require.NotNil(t, p2)
	assert.NotSame(t, p, p2)
}

func TestWorkerTerminatesOnStop(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`"X"`),
	}}
	st, err := NewState(StateConfig{
		Logger: zerolog.Nop(),
		Source: src,
		Options: Options{
			BatchSize:       100,
			RefetchInterval: 5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer st.Close()

	sub := NewSubscriber(nil, "r", "", func(Response) {})
	vars := json.RawMessage(`{"id":1}`)
	st.AddSubscription(testPlan, vars, sub)
	p := st.pollers.get(testPlan.key())
	require.NotNil(t, p)

	st.RemoveSubscription(testPlan, vars, sub.ID)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate after its poller emptied")
	}
}

func TestPollDetailsShape(t *testing.T) {
	src := &scriptedSource{script: []func([]CohortBatchItem) ([]CohortResult, error){
		sameForAll(`{"data":1}`),
	}}
	st := newManualState(t, src, func(cfg *StateConfig) {
		cfg.ExtendedDetails = true
	})

	meta := json.RawMessage(`{"ua":"test"}`)
	st.AddSubscription(testPlan, json.RawMessage(`{"id":1}`), NewSubscriber(meta, "req", "Op", func(Response) {}))
	details := tick(t, st, testPlan)

	assert.Equal(t, testPlan.Source, details.Source)
	assert.Equal(t, testPlan.Role, details.Role)
	assert.Equal(t, testPlan.Query, details.GeneratedSQL)
	assert.Equal(t, testPlan.QueryHash, details.ParameterizedQueryHash)
	require.NotNil(t, details.LiveQueryOptions)
	assert.Equal(t, 100, details.LiveQueryOptions.BatchSize)

	require.Len(t, details.Batches, 1)
	b := details.Batches[0]
	assert.Equal(t, 1, b.BatchID)
	require.NotNil(t, b.ResponseSizeBytes)
	assert.Equal(t, len(`{"data":1}`), *b.ResponseSizeBytes)
	require.Len(t, b.Cohorts, 1)
	require.Len(t, b.Cohorts[0].PushedTo, 1)
	assert.Equal(t, meta, b.Cohorts[0].PushedTo[0].Metadata)

	raw, err := json.Marshal(details)
	require.NoError(t, err)
	for _, field := range []string{"poller_id", "snapshot_time", "batches", "total_time", "source", "role",
		"pg_execution_time", "push_time", "batch_id", "cohort_id", "pushed_to", "subscriber_id"} {
		assert.Contains(t, string(raw), field)
	}
}
