package livequery

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Identifiers are 128-bit random values. They are opaque to everything in
// this package: equality and string form are the only operations anyone
// performs on them.

// SubscriberID identifies one registered subscriber for its whole lifetime.
type SubscriberID uuid.UUID

// NewSubscriberID returns a fresh random subscriber id.
func NewSubscriberID() SubscriberID {
	return SubscriberID(uuid.New())
}

func (id SubscriberID) String() string {
	return uuid.UUID(id).String()
}

func (id SubscriberID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// CohortID tags one cohort inside the multiplexed statement so the database
// can return payloads keyed by cohort.
type CohortID uuid.UUID

// NewCohortID returns a fresh random cohort id.
func NewCohortID() CohortID {
	return CohortID(uuid.New())
}

// ParseCohortID parses the canonical string form, as echoed back by the
// database.
func ParseCohortID(s string) (CohortID, error) {
	u, err := uuid.Parse(s)
	return CohortID(u), err
}

func (id CohortID) String() string {
	return uuid.UUID(id).String()
}

func (id CohortID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// PollerID identifies one poller worker. Assigned when the worker is
// spawned, published through the poller's write-once state.
type PollerID uuid.UUID

// NewPollerID returns a fresh random poller id.
func NewPollerID() PollerID {
	return PollerID(uuid.New())
}

func (id PollerID) String() string {
	return uuid.UUID(id).String()
}

func (id PollerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}
