package livequery

import (
	"encoding/json"
	"sort"
)

// Read-only introspection of the poller hierarchy, served on the debug
// endpoint. Holds each lock just long enough to copy what it needs.

// SubscriberDump identifies one subscriber in a dump.
type SubscriberDump struct {
	SubscriberID  SubscriberID    `json:"subscriber_id"`
	RequestID     string          `json:"request_id,omitempty"`
	OperationName string          `json:"operation_name,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// CohortDump describes one cohort's live state.
type CohortDump struct {
	CohortID             CohortID         `json:"cohort_id"`
	PreviousResponseHash *ResponseHash    `json:"previous_response_hash"`
	ExistingSubscribers  []SubscriberDump `json:"existing_subscribers"`
	NewSubscribers       []SubscriberDump `json:"new_subscribers"`

	// Extended.
	Variables json.RawMessage `json:"variables,omitempty"`
}

// PollerDump describes one poller and its cohorts.
type PollerDump struct {
	PollerID string       `json:"poller_id"`
	Source   string       `json:"source"`
	Role     string       `json:"role"`
	Cohorts  []CohortDump `json:"cohorts"`

	// Extended.
	GeneratedSQL           string `json:"generated_sql,omitempty"`
	ParameterizedQueryHash string `json:"parameterized_query_hash,omitempty"`
}

// DumpPollerMap reports the live poller/cohort/subscriber hierarchy.
// extended additionally includes variables, query text and query hash.
func (s *State) DumpPollerMap(extended bool) []PollerDump {
	pollers := s.pollers.snapshot()
	out := make([]PollerDump, 0, len(pollers))
	for key, p := range pollers {
		pd := PollerDump{
			Source: key.Source,
			Role:   key.Role,
		}
		// A poller whose io state is not yet published shows up with an
		// empty id rather than blocking the dump on its spawner.
		if id, ok := p.idIfReady(); ok {
			pd.PollerID = id.String()
		}
		if extended {
			pd.GeneratedSQL = key.Query
			pd.ParameterizedQueryHash = p.queryHashIfReady()
		}
		pd.Cohorts = dumpCohorts(p.cohorts, extended)
		out = append(out, pd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PollerID < out[j].PollerID })
	return out
}

func dumpCohorts(m *cohortMap, extended bool) []CohortDump {
	m.mu.Lock()
	cohorts := make([]*Cohort, 0, len(m.cohorts))
	for _, c := range m.cohorts {
		cohorts = append(cohorts, c)
	}
	m.mu.Unlock()

	out := make([]CohortDump, 0, len(cohorts))
	for _, c := range cohorts {
		c.mu.Lock()
		cd := CohortDump{
			CohortID:             c.ID,
			PreviousResponseHash: c.prevHash,
			ExistingSubscribers:  dumpSubscribers(c.existing),
			NewSubscribers:       dumpSubscribers(c.fresh),
		}
		if extended {
			cd.Variables = c.Variables
		}
		c.mu.Unlock()
		out = append(out, cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CohortID.String() < out[j].CohortID.String() })
	return out
}

func dumpSubscribers(subs map[SubscriberID]*Subscriber) []SubscriberDump {
	out := make([]SubscriberDump, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriberDump{
			SubscriberID:  s.ID,
			RequestID:     s.RequestID,
			OperationName: s.OperationName,
			Metadata:      s.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID.String() < out[j].SubscriberID.String() })
	return out
}
