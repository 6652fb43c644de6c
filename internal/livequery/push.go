package livequery

import (
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adred-codev/livequery/internal/monitoring"
)

// cohortOp is the unit of work the push phase consumes: one cohort's
// snapshot plus either its fresh payload (with hash and size) or the batch
// error that replaced it.
type cohortOp struct {
	snap    CohortSnapshot
	payload []byte
	err     error
	hash    *ResponseHash
	size    *int
}

// graphqlError is the serialised shape of an error delivery.
type graphqlError struct {
	Errors []graphqlErrorEntry `json:"errors"`
}

type graphqlErrorEntry struct {
	Message string `json:"message"`
}

func errorPayload(err error) json.RawMessage {
	b, merr := json.Marshal(graphqlError{Errors: []graphqlErrorEntry{{Message: err.Error()}}})
	if merr != nil {
		return json.RawMessage(`{"errors":[{"message":"internal error"}]}`)
	}
	return b
}

// pushToCohort decides who gets this tick's result and delivers it.
//
// Existing subscribers are pushed only when the payload hash changed or the
// batch errored; new subscribers are always pushed so they never miss their
// first response. On a push the hash cell is updated (to nil for errors, so
// the next successful payload goes out even if it equals the pre-error
// one). Deliveries fan out concurrently; a failing callback is isolated
// from its siblings and from the tick.
func pushToCohort(d tickDeps, op cohortOp, execTime time.Duration, batchID int) CohortExecutionDetails {
	prev := op.snap.Cohort.previousHash()
	shouldPushExisting := op.err != nil || !hashesEqual(op.hash, prev)

	var notify, ignored []*Subscriber
	if shouldPushExisting {
		op.snap.Cohort.setHash(op.hash)
		notify = make([]*Subscriber, 0, len(op.snap.New)+len(op.snap.Existing))
		notify = append(notify, op.snap.New...)
		notify = append(notify, op.snap.Existing...)
	} else {
		notify = op.snap.New
		ignored = op.snap.Existing
	}

	payload := json.RawMessage(op.payload)
	if op.err != nil {
		payload = errorPayload(op.err)
	}
	resp := Response{Payload: payload, ExecutionTime: execTime}

	var wg sync.WaitGroup
	for _, s := range notify {
		wg.Add(1)
		sub := s
		d.pool.submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().
						Str("subscriber_id", sub.ID.String()).
						Str("request_id", sub.RequestID).
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("Subscriber callback panic recovered")
				}
			}()
			sub.OnChange(resp)
		})
	}
	wg.Wait()

	monitoring.RecordPush(len(notify), len(ignored))

	details := CohortExecutionDetails{
		CohortID:     op.snap.Cohort.ID,
		Variables:    op.snap.Cohort.Variables,
		ResponseSize: op.size,
		PushedTo:     make([]SubscriberExecutionDetails, 0, len(notify)),
		Ignored:      make([]SubscriberExecutionDetails, 0, len(ignored)),
		BatchID:      batchID,
	}
	for _, s := range notify {
		details.PushedTo = append(details.PushedTo, s.details())
	}
	for _, s := range ignored {
		details.Ignored = append(details.Ignored, s.details())
	}
	return details
}
