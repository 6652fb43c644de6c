package livequery

import (
	"encoding/json"
	"time"
)

// Response is what a subscriber's OnChange callback receives on every
// delivery. Payload is the serialised GraphQL result (or a serialised
// GraphQL error object when the batch failed); ExecutionTime is the
// wall-clock duration of the database round-trip that produced it.
type Response struct {
	Payload       json.RawMessage
	ExecutionTime time.Duration
}

// OnChangeFunc crosses the core/transport boundary: it performs I/O
// (typically queueing a frame onto a websocket). It is invoked concurrently
// with callbacks of sibling subscribers, on the push pool's goroutines
// shared by all pollers, and must be safe to call from any of them. A
// panic inside it is isolated and logged; it
// never aborts the tick.
type OnChangeFunc func(Response)

// Subscriber is one client subscription as the transport registered it.
// All fields are immutable after registration.
type Subscriber struct {
	ID            SubscriberID
	Metadata      json.RawMessage
	RequestID     string
	OperationName string
	OnChange      OnChangeFunc
}

// NewSubscriber builds a subscriber with a fresh random id.
func NewSubscriber(metadata json.RawMessage, requestID, operationName string, onChange OnChangeFunc) *Subscriber {
	return &Subscriber{
		ID:            NewSubscriberID(),
		Metadata:      metadata,
		RequestID:     requestID,
		OperationName: operationName,
		OnChange:      onChange,
	}
}

// details reports the (id, metadata) pair carried into PollDetails.
func (s *Subscriber) details() SubscriberExecutionDetails {
	return SubscriberExecutionDetails{
		SubscriberID: s.ID,
		Metadata:     s.Metadata,
	}
}
