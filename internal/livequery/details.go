package livequery

import (
	"encoding/json"
	"time"
)

// Per-tick structured report, handed to the post-poll hook after every
// tick. The serialised field names are a stable contract consumed by
// logging and metrics pipelines; do not rename them.

// SubscriberExecutionDetails identifies one subscriber a push decision
// applied to.
type SubscriberExecutionDetails struct {
	SubscriberID SubscriberID    `json:"subscriber_id"`
	Metadata     json.RawMessage `json:"subscriber_metadata"`
}

// CohortExecutionDetails reports what one cohort saw during a batch:
// which subscribers were pushed to and which were skipped because the
// payload hash was unchanged.
type CohortExecutionDetails struct {
	CohortID     CohortID                     `json:"cohort_id"`
	Variables    json.RawMessage              `json:"variables"`
	ResponseSize *int                         `json:"response_size,omitempty"`
	PushedTo     []SubscriberExecutionDetails `json:"pushed_to"`
	Ignored      []SubscriberExecutionDetails `json:"ignored"`
	BatchID      int                          `json:"batch_id"`
}

// BatchDetails reports one multiplexed round-trip. ResponseSizeBytes is
// the summed payload size on success and absent when the batch errored.
type BatchDetails struct {
	PGExecutionTime   time.Duration            `json:"pg_execution_time"`
	PushTime          time.Duration            `json:"push_time"`
	BatchID           int                      `json:"batch_id"`
	Cohorts           []CohortExecutionDetails `json:"cohorts"`
	ResponseSizeBytes *int                     `json:"batch_response_size_bytes,omitempty"`
}

// PollDetails is the full per-tick report. The extended fields are
// populated only when the poller runs with extended diagnostics on; they
// repeat per-poller constants and are bulky in the log stream.
type PollDetails struct {
	PollerID     PollerID       `json:"poller_id"`
	SnapshotTime time.Duration  `json:"snapshot_time"`
	Batches      []BatchDetails `json:"batches"`
	TotalTime    time.Duration  `json:"total_time"`
	Source       string         `json:"source"`
	Role         string         `json:"role"`

	// Extended fields.
	GeneratedSQL           string   `json:"generated_sql,omitempty"`
	LiveQueryOptions       *Options `json:"live_query_options,omitempty"`
	ParameterizedQueryHash string   `json:"parameterized_query_hash,omitempty"`
}

// PostPollHook consumes per-tick telemetry. It runs on the poller's worker
// goroutine; slow hooks delay the next tick, panicking hooks are isolated.
type PostPollHook func(*PollDetails)
