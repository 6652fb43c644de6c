package livequery

import (
	"encoding/json"
	"sync"
)

// CohortKey is the fully-resolved variable bundle (session + query
// variables) as the JSON bytes the caller supplied. Subscribers whose keys
// are equal share one cohort and therefore one slot in the multiplexed
// statement. Keys are compared byte for byte and are not canonicalised, so
// two encodings of the same variables (different key order or whitespace)
// land in different cohorts.
type CohortKey string

// Cohort groups subscribers with identical variables inside one poller.
//
// One mutex guards both subscriber maps and the hash cell. Keeping them
// under a single lock is what makes the tricky operations atomic:
// remove-subscriber-and-delete-empty-cohort, and the new→existing promotion
// during snapshot. A subscriber id is never present in both maps.
type Cohort struct {
	ID        CohortID
	Variables json.RawMessage

	mu       sync.Mutex
	prevHash *ResponseHash
	existing map[SubscriberID]*Subscriber
	fresh    map[SubscriberID]*Subscriber
}

func newCohort(id CohortID, variables json.RawMessage) *Cohort {
	return &Cohort{
		ID:        id,
		Variables: variables,
		existing:  make(map[SubscriberID]*Subscriber),
		fresh:     make(map[SubscriberID]*Subscriber),
	}
}

// addSubscriber registers a subscriber into the new set. New subscribers
// are pushed unconditionally on the next tick, so they never miss the
// initial snapshot.
func (c *Cohort) addSubscriber(s *Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.existing, s.ID)
	c.fresh[s.ID] = s
}

// removeSubscriber deletes the subscriber from whichever set holds it and
// reports whether the cohort is now empty. Callers must remove an emptied
// cohort from its map in the same critical section (see cohortMap).
func (c *Cohort) removeSubscriber(id SubscriberID) (removed, empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.existing[id]; ok {
		delete(c.existing, id)
		removed = true
	} else if _, ok := c.fresh[id]; ok {
		delete(c.fresh, id)
		removed = true
	}
	return removed, len(c.existing)+len(c.fresh) == 0
}

// size reports existing and new subscriber counts.
func (c *Cohort) size() (existing, fresh int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.existing), len(c.fresh)
}

// previousHash reads the hash cell.
func (c *Cohort) previousHash() *ResponseHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// setHash writes the hash cell. Only fully-computed hashes are ever
// written, so an interrupted tick can never leave a torn value behind.
func (c *Cohort) setHash(h *ResponseHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevHash = h
}

// CohortSnapshot is the consistent per-cohort view one tick operates on:
// stable subscriber lists plus a handle back to the live cohort, used later
// in the push phase to read and write the hash cell.
type CohortSnapshot struct {
	Key      CohortKey
	Cohort   *Cohort
	Existing []*Subscriber
	New      []*Subscriber
}

// snapshotAndPromote atomically copies out the subscriber lists and moves
// every new subscriber into the existing set. After it returns the new set
// is empty. Promotion is per-cohort; ticks never need promotions across
// cohorts to be jointly atomic because cohorts are independent.
func (c *Cohort) snapshotAndPromote(key CohortKey) CohortSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := CohortSnapshot{
		Key:      key,
		Cohort:   c,
		Existing: make([]*Subscriber, 0, len(c.existing)),
		New:      make([]*Subscriber, 0, len(c.fresh)),
	}
	for _, s := range c.existing {
		snap.Existing = append(snap.Existing, s)
	}
	for id, s := range c.fresh {
		snap.New = append(snap.New, s)
		c.existing[id] = s
	}
	c.fresh = make(map[SubscriberID]*Subscriber)
	return snap
}

// cohortMap maps cohort keys to cohorts within one poller. Its mutex orders
// strictly after pollerMap's and strictly before each cohort's.
type cohortMap struct {
	mu      sync.Mutex
	cohorts map[CohortKey]*Cohort
}

func newCohortMap() *cohortMap {
	return &cohortMap{cohorts: make(map[CohortKey]*Cohort)}
}

// addSubscriber inserts the subscriber into the cohort for key, creating
// the cohort with a fresh cohort id when absent. Creation and insertion
// happen under the map lock so a concurrent remove can never observe (or
// delete) a cohort between being created and receiving its first member.
func (m *cohortMap) addSubscriber(key CohortKey, variables json.RawMessage, s *Subscriber) *Cohort {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cohorts[key]
	if !ok {
		c = newCohort(NewCohortID(), variables)
		m.cohorts[key] = c
	}
	c.addSubscriber(s)
	return c
}

// removeSubscriber removes the subscriber and, when that empties the
// cohort, deletes the cohort under the same map lock. Fusing the two steps
// is what upholds the "no empty cohort is ever observable" invariant.
// mapEmpty reports whether the whole map is empty afterwards, which is the
// caller's cue to try stopping the poller.
func (m *cohortMap) removeSubscriber(key CohortKey, id SubscriberID) (removed, mapEmpty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cohorts[key]
	if !ok {
		return false, len(m.cohorts) == 0
	}
	removed, empty := c.removeSubscriber(id)
	if empty {
		delete(m.cohorts, key)
	}
	return removed, len(m.cohorts) == 0
}

// snapshot lists the current (key, cohort) pairs at one logical instant.
func (m *cohortMap) snapshot() []CohortSnapshot {
	m.mu.Lock()
	keys := make([]CohortKey, 0, len(m.cohorts))
	cohorts := make([]*Cohort, 0, len(m.cohorts))
	for k, c := range m.cohorts {
		keys = append(keys, k)
		cohorts = append(cohorts, c)
	}
	m.mu.Unlock()

	// Promotion happens outside the map lock: per-cohort locks suffice and
	// concurrent add/remove on other cohorts is not held up.
	snaps := make([]CohortSnapshot, 0, len(cohorts))
	for i, c := range cohorts {
		snaps = append(snaps, c.snapshotAndPromote(keys[i]))
	}
	return snaps
}

func (m *cohortMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cohorts)
}

// ifEmpty runs fn while holding the map lock, and only when the map is
// empty. Used by stopIfEmpty to make the emptiness check and the stop
// signal a single atomic action with respect to concurrent adds.
func (m *cohortMap) ifEmpty(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cohorts) != 0 {
		return false
	}
	fn()
	return true
}
