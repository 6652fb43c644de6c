package livequery

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adred-codev/livequery/internal/monitoring"
	"github.com/rs/zerolog"
)

// tickDeps are the collaborators one poller binds at spawn time and reuses
// on every tick.
type tickDeps struct {
	logger   zerolog.Logger
	opts     Options
	source   SourceExecutor
	hook     PostPollHook
	pool     *pushPool
	extended bool
}

// poll runs one complete snapshot → execute → push cycle and returns the
// per-tick report.
//
// Phases:
//  1. Snapshot every live cohort, promoting its new subscribers into the
//     existing set (atomic per cohort).
//  2. Partition the snapshots into batches of opts.BatchSize.
//  3. Run the batches concurrently: one multiplexed round-trip each, then
//     hash/diff each returned payload and fan the pushes out.
//  4. Assemble PollDetails.
func (p *Poller) poll(ctx context.Context, d tickDeps) *PollDetails {
	totalStart := time.Now()

	snaps := p.cohorts.snapshot()
	// A cohort can be emptied (and removed) between the map snapshot and
	// its promotion; skip the husks rather than waste batch slots on them.
	live := snaps[:0]
	for _, s := range snaps {
		if len(s.Existing)+len(s.New) > 0 {
			live = append(live, s)
		}
	}
	snapshotTime := time.Since(totalStart)

	batches := chunkSnapshots(live, d.opts.BatchSize)
	batchDetails := make([]BatchDetails, len(batches))

	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(batchID int, batch []CohortSnapshot) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					monitoring.RecordTickPanic()
					d.logger.Error().
						Str("poller_id", p.id.String()).
						Int("batch_id", batchID).
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("Batch execution panic recovered")
					batchDetails[batchID-1] = BatchDetails{BatchID: batchID}
				}
			}()
			batchDetails[batchID-1] = p.runBatch(ctx, d, batchID, batch)
		}(i+1, batches[i])
	}
	wg.Wait()

	totalTime := time.Since(totalStart)
	monitoring.ObservePollTick(totalTime, snapshotTime)

	details := &PollDetails{
		PollerID:     p.id,
		SnapshotTime: snapshotTime,
		Batches:      batchDetails,
		TotalTime:    totalTime,
		Source:       p.key.Source,
		Role:         p.key.Role,
	}
	if d.extended {
		opts := d.opts
		details.GeneratedSQL = p.key.Query
		details.LiveQueryOptions = &opts
		details.ParameterizedQueryHash = p.queryHash
	}
	return details
}

// runBatch executes one multiplexed round-trip and pushes its results.
func (p *Poller) runBatch(ctx context.Context, d tickDeps, batchID int, batch []CohortSnapshot) BatchDetails {
	items := make([]CohortBatchItem, len(batch))
	for i, s := range batch {
		items[i] = CohortBatchItem{CohortID: s.Cohort.ID, Variables: s.Cohort.Variables}
	}

	execStart := time.Now()
	results, err := d.source.Execute(ctx, p.key.Source, p.key.Query, items)
	execTime := time.Since(execStart)

	var ops []cohortOp
	if err != nil {
		monitoring.RecordBatchError()
		d.logger.Warn().
			Err(err).
			Str("poller_id", p.id.String()).
			Str("source", p.key.Source).
			Int("batch_id", batchID).
			Int("cohorts", len(batch)).
			Msg("Multiplexed batch failed - forwarding error to all cohorts")
		ops = make([]cohortOp, len(batch))
		for i, s := range batch {
			ops[i] = cohortOp{snap: s, err: err}
		}
	} else {
		byID := make(map[CohortID]CohortSnapshot, len(batch))
		for _, s := range batch {
			byID[s.Cohort.ID] = s
		}
		ops = make([]cohortOp, 0, len(results))
		for _, r := range results {
			snap, ok := byID[r.CohortID]
			if !ok {
				// The statement echoed an id we never sent. Skip the row;
				// nothing sane can be done with it.
				monitoring.RecordInconsistentCohort()
				d.logger.Error().
					Str("poller_id", p.id.String()).
					Str("cohort_id", r.CohortID.String()).
					Int("batch_id", batchID).
					Msg("Source returned unknown cohort id")
				continue
			}
			h := HashResponse(r.Payload)
			size := len(r.Payload)
			ops = append(ops, cohortOp{snap: snap, payload: r.Payload, hash: &h, size: &size})
		}
		// Cohorts we sent but got no row back for receive nothing this
		// tick. Normal: the row was filtered out on the database side.
	}

	pushStart := time.Now()
	cohortDetails := make([]CohortExecutionDetails, len(ops))
	var wg sync.WaitGroup
	for i := range ops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cohortDetails[i] = pushToCohort(d, ops[i], execTime, batchID)
		}(i)
	}
	wg.Wait()
	pushTime := time.Since(pushStart)

	bd := BatchDetails{
		PGExecutionTime: execTime,
		PushTime:        pushTime,
		BatchID:         batchID,
		Cohorts:         cohortDetails,
	}
	if err == nil {
		total := 0
		for _, op := range ops {
			if op.size != nil {
				total += *op.size
			}
		}
		bd.ResponseSizeBytes = &total
	}
	return bd
}

// chunkSnapshots partitions snaps into slices of at most size entries; the
// last chunk may be shorter.
func chunkSnapshots(snaps []CohortSnapshot, size int) [][]CohortSnapshot {
	if len(snaps) == 0 {
		return nil
	}
	chunks := make([][]CohortSnapshot, 0, (len(snaps)+size-1)/size)
	for size < len(snaps) {
		chunks = append(chunks, snaps[:size])
		snaps = snaps[size:]
	}
	return append(chunks, snaps)
}
