package livequery

import (
	"context"
	"encoding/json"
)

// CohortBatchItem is one slot of the multiplexed statement's input: the
// cohort id the database echoes back, and the resolved variables for that
// cohort.
type CohortBatchItem struct {
	CohortID  CohortID        `json:"cohort_id"`
	Variables json.RawMessage `json:"variables"`
}

// CohortResult is one row of the multiplexed statement's output. The
// database returns at most one payload per cohort; cohorts it returns
// nothing for simply receive no update that tick.
type CohortResult struct {
	CohortID CohortID
	Payload  []byte
}

// SourceExecutor runs the externally-generated multiplexed statement
// against a named source. An error return means the whole batch failed;
// every subscriber of every cohort in the batch then receives an error
// payload. Implementations enforce their own statement timeouts; the core
// imposes none.
type SourceExecutor interface {
	Execute(ctx context.Context, source, query string, batch []CohortBatchItem) ([]CohortResult, error)
}

// SourceExecutorFunc adapts a function to the SourceExecutor interface.
type SourceExecutorFunc func(ctx context.Context, source, query string, batch []CohortBatchItem) ([]CohortResult, error)

func (f SourceExecutorFunc) Execute(ctx context.Context, source, query string, batch []CohortBatchItem) ([]CohortResult, error) {
	return f(ctx, source, query, batch)
}
