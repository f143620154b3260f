package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamOrdering(t *testing.T) {
	store := newMemStore()
	bus := newTestBus(store, testOptions())
	ctx := context.Background()

	// Published out of version order on purpose.
	for _, version := range []int{3, 1, 2} {
		_, err := bus.Publish(ctx, "agg-1", "booking", TypeBookingCreated,
			map[string]any{"v": version},
			&PublishOptions{Version: version},
		)
		if err != nil {
			t.Fatalf("publish v%d: %v", version, err)
		}
	}

	stream, err := bus.GetEventStream(ctx, "agg-1", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(stream) != 3 {
		t.Fatalf("expected 3 events, got %d", len(stream))
	}
	for i, evt := range stream {
		if evt.Version != i+1 {
			t.Fatalf("position %d has version %d", i, evt.Version)
		}
	}

	tail, err := bus.GetEventStream(ctx, "agg-1", &StreamOptions{FromVersion: 2})
	if err != nil {
		t.Fatalf("stream from version: %v", err)
	}
	if len(tail) != 2 || tail[0].Version != 2 || tail[1].Version != 3 {
		t.Fatalf("unexpected tail: %d events", len(tail))
	}

	none, err := bus.GetEventStream(ctx, "agg-1", &StreamOptions{AggregateType: "user"})
	if err != nil {
		t.Fatalf("stream with type filter: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("aggregate type filter should exclude all, got %d", len(none))
	}
}

func TestEventsByCorrelation(t *testing.T) {
	store := newMemStore()
	bus := newTestBus(store, testOptions())
	ctx := context.Background()

	corr := "conversation-42"
	first, err := bus.Publish(ctx, "agg-2", "booking", TypeBookingCreated,
		map[string]any{}, &PublishOptions{CorrelationID: corr})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := bus.Publish(ctx, "agg-3", "dialog", TypeDialogMessage,
		map[string]any{}, &PublishOptions{CorrelationID: corr, CausedBy: first})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := bus.Publish(ctx, "agg-4", "user", TypeUserRegistered, map[string]any{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := bus.GetEventsByCorrelation(ctx, corr)
	if err != nil {
		t.Fatalf("correlation query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 correlated events, got %d", len(events))
	}
	if events[0].ID != first || events[1].ID != second {
		t.Fatal("correlated events not in timestamp order")
	}
	if events[1].CausedBy != first {
		t.Fatalf("caused_by not preserved, got %q", events[1].CausedBy)
	}
}

func TestReplayIsAdditive(t *testing.T) {
	store := newMemStore()
	bus := newTestBus(store, testOptions())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := bus.Publish(ctx, "agg-5", "booking", TypeBookingCreated, map[string]any{"i": i}, nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	before := store.entrySnapshot()
	if len(before) != 2 {
		t.Fatalf("expected 2 original entries, got %d", len(before))
	}

	n, err := bus.ReplayEvents(ctx, "agg-5", nil, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", n)
	}
	if store.eventCount() != 2 {
		t.Fatalf("replay must not create events, got %d", store.eventCount())
	}

	after := store.entrySnapshot()
	if len(after) != 4 {
		t.Fatalf("expected 4 entries after replay, got %d", len(after))
	}
	var replayed int
	for _, e := range after {
		if e.Destination == DestinationReplay {
			replayed++
			if e.Status != StatusPending || e.Attempts != 0 {
				t.Fatalf("replay entry not fresh: status=%s attempts=%d", e.Status, e.Attempts)
			}
		}
	}
	if replayed != 2 {
		t.Fatalf("expected 2 replay entries, got %d", replayed)
	}
	// Originals untouched.
	for i, e := range after[:2] {
		if e.ID != before[i].ID || e.Status != before[i].Status || e.Destination != before[i].Destination {
			t.Fatal("original entries were mutated by replay")
		}
	}
}

func TestReplayTimeRange(t *testing.T) {
	store := newMemStore()
	bus := newTestBus(store, testOptions())
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "agg-6", "booking", TypeBookingCreated, map[string]any{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	earlier := past.Add(-time.Hour)
	n, err := bus.ReplayEvents(ctx, "agg-6", &earlier, &past)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("range excludes the event, expected 0 replays, got %d", n)
	}
}

func TestEventSourcingGate(t *testing.T) {
	store := newMemStore()
	opts := testOptions()
	opts.EnableEventSourcing = false
	bus := newTestBus(store, opts)
	ctx := context.Background()

	if _, err := bus.GetEventStream(ctx, "agg-7", nil); !errors.Is(err, ErrEventSourcingDisabled) {
		t.Fatalf("expected ErrEventSourcingDisabled, got %v", err)
	}
	if _, err := bus.ReplayEvents(ctx, "agg-7", nil, nil); !errors.Is(err, ErrEventSourcingDisabled) {
		t.Fatalf("expected ErrEventSourcingDisabled, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	store := newMemStore()
	bus := newTestBus(store, testOptions())
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "agg-8", "booking", TypeBookingCreated, map[string]any{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := bus.Publish(ctx, "agg-8", "booking", TypeBookingCancelled, map[string]any{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := bus.Publish(ctx, "agg-9", "user", TypeUserRegistered, map[string]any{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	bus.Start()
	defer stopBus(t, bus)
	waitFor(t, "all entries completed", func() bool {
		for _, e := range store.entrySnapshot() {
			if e.Status != StatusCompleted {
				return false
			}
		}
		return true
	})

	from := time.Now().UTC().Add(-time.Minute)
	to := time.Now().UTC().Add(time.Minute)
	m, err := bus.GetMetrics(ctx, from, to)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", m.TotalEvents)
	}
	if m.ByEventType[TypeBookingCreated] != 1 || m.ByAggregateType["booking"] != 2 {
		t.Fatalf("unexpected breakdowns: %+v", m)
	}
	if m.OutboxByStatus[StatusCompleted] != 3 {
		t.Fatalf("expected 3 completed entries, got %d", m.OutboxByStatus[StatusCompleted])
	}
	if m.SuccessRate != 1.0 {
		t.Fatalf("expected success rate 1.0, got %f", m.SuccessRate)
	}
}
