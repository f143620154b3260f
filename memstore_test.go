package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. It keeps the single-poller
// contract: claims are serialized under one mutex.
type memStore struct {
	mu         sync.Mutex
	events     map[string]*Event
	eventOrder []string
	entries    map[string]*OutboxEntry
	entryOrder []string
	log        []ProcessingLogEntry
	claimErr   error
}

func newMemStore() *memStore {
	return &memStore{
		events:  make(map[string]*Event),
		entries: make(map[string]*OutboxEntry),
	}
}

func (s *memStore) setClaimErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimErr = err
}

func cloneEvent(evt *Event) *Event {
	cp := *evt
	cp.Payload = append([]byte(nil), evt.Payload...)
	if evt.Metadata != nil {
		cp.Metadata = make(map[string]string, len(evt.Metadata))
		for k, v := range evt.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneEntry(e *OutboxEntry) *OutboxEntry {
	cp := *e
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (s *memStore) AppendEvent(_ context.Context, evt *Event, entries []*OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Version == 0 {
		next := 1
		for _, id := range s.eventOrder {
			e := s.events[id]
			if e.AggregateID == evt.AggregateID && e.Version >= next {
				next = e.Version + 1
			}
		}
		evt.Version = next
	} else {
		for _, id := range s.eventOrder {
			e := s.events[id]
			if e.AggregateID == evt.AggregateID && e.Version == evt.Version {
				return fmt.Errorf("aggregate %s version %d already exists", evt.AggregateID, evt.Version)
			}
		}
	}

	s.events[evt.ID] = cloneEvent(evt)
	s.eventOrder = append(s.eventOrder, evt.ID)
	for _, e := range entries {
		s.entries[e.ID] = cloneEntry(e)
		s.entryOrder = append(s.entryOrder, e.ID)
	}
	return nil
}

func (s *memStore) ClaimPending(_ context.Context, limit int, _ time.Time) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var due []*OutboxEntry
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if e.Status == StatusPending {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return s.claimLocked(due, limit), nil
}

func (s *memStore) ClaimRetryDue(_ context.Context, limit int, now time.Time) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var due []*OutboxEntry
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if e.Status == StatusFailed && e.NextRetryAt != nil && !e.NextRetryAt.After(now) && e.Attempts < e.MaxAttempts {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	return s.claimLocked(due, limit), nil
}

func (s *memStore) claimLocked(due []*OutboxEntry, limit int) []*Delivery {
	if len(due) > limit {
		due = due[:limit]
	}
	var out []*Delivery
	for _, e := range due {
		e.Status = StatusProcessing
		out = append(out, &Delivery{Entry: cloneEntry(e), Event: cloneEvent(s.events[e.EventID])})
	}
	return out
}

func (s *memStore) MarkCompleted(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s not found", entryID)
	}
	e.Status = StatusCompleted
	e.Attempts++
	e.CompletedAt = &at
	e.NextRetryAt = nil
	e.UpdatedAt = at
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, entryID string, attempts int, nextRetry *time.Time, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s not found", entryID)
	}
	e.Status = StatusFailed
	e.Attempts = attempts
	e.NextRetryAt = nextRetry
	e.Error = cause
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) MarkDeadLetter(_ context.Context, entryID string, attempts int, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s not found", entryID)
	}
	e.Status = StatusDeadLetter
	e.Attempts = attempts
	e.NextRetryAt = nil
	e.Error = cause
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) HandlerSucceeded(_ context.Context, eventID, handlerKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.log {
		if rec.EventID == eventID && rec.HandlerKey == handlerKey && rec.Success {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AppendProcessingLog(_ context.Context, rec ProcessingLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, rec)
	return nil
}

func (s *memStore) EventStream(_ context.Context, aggregateID, aggregateType string, fromVersion int) ([]*Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.AggregateID != aggregateID || e.Version < fromVersion {
			continue
		}
		if aggregateType != "" && e.AggregateType != aggregateType {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memStore) EventsByCorrelation(_ context.Context, correlationID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.CorrelationID == correlationID {
			out = append(out, cloneEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memStore) DeadLetters(_ context.Context) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Delivery
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if e.Status == StatusDeadLetter {
			out = append(out, &Delivery{Entry: cloneEntry(e), Event: cloneEvent(s.events[e.EventID])})
		}
	}
	return out, nil
}

func (s *memStore) EventsByAggregateRange(_ context.Context, aggregateID string, from, to *time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.AggregateID != aggregateID {
			continue
		}
		if from != nil && e.Timestamp.Before(*from) {
			continue
		}
		if to != nil && e.Timestamp.After(*to) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memStore) EnqueueEntries(_ context.Context, entries []*OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.events[e.EventID]; !ok {
			return fmt.Errorf("event %s not found", e.EventID)
		}
		s.entries[e.ID] = cloneEntry(e)
		s.entryOrder = append(s.entryOrder, e.ID)
	}
	return nil
}

func (s *memStore) Metrics(_ context.Context, from, to time.Time) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Metrics{
		ByEventType:     make(map[Type]int),
		ByAggregateType: make(map[string]int),
		OutboxByStatus:  make(map[Status]int),
	}
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		m.TotalEvents++
		m.ByEventType[e.Type]++
		m.ByAggregateType[e.AggregateType]++
	}
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		m.OutboxByStatus[e.Status]++
	}
	completed := m.OutboxByStatus[StatusCompleted]
	terminal := completed + m.OutboxByStatus[StatusFailed] + m.OutboxByStatus[StatusDeadLetter]
	if terminal > 0 {
		m.SuccessRate = float64(completed) / float64(terminal)
	}
	return m, nil
}

// Test accessors.

func (s *memStore) entrySnapshot() []*OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OutboxEntry, 0, len(s.entryOrder))
	for _, id := range s.entryOrder {
		out = append(out, cloneEntry(s.entries[id]))
	}
	return out
}

func (s *memStore) entriesForEvent(eventID string) []*OutboxEntry {
	var out []*OutboxEntry
	for _, e := range s.entrySnapshot() {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) eventsOfType(t Type) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, id := range s.eventOrder {
		if s.events[id].Type == t {
			out = append(out, cloneEvent(s.events[id]))
		}
	}
	return out
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) logSnapshot() []ProcessingLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessingLogEntry(nil), s.log...)
}
