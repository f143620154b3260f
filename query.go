package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StreamOptions narrow a GetEventStream query.
type StreamOptions struct {
	// AggregateType, when set, filters the stream to one aggregate type.
	AggregateType string
	// FromVersion, when positive, skips events below that version.
	FromVersion int
}

// GetEventStream returns the aggregate's events ordered by version ascending,
// the authoritative history for event-sourced reconstruction.
func (b *Bus) GetEventStream(ctx context.Context, aggregateID string, opts *StreamOptions) ([]*Event, error) {
	if !b.opts.EnableEventSourcing {
		return nil, ErrEventSourcingDisabled
	}
	if opts == nil {
		opts = &StreamOptions{}
	}
	return b.store.EventStream(ctx, aggregateID, opts.AggregateType, opts.FromVersion)
}

// GetEventsByCorrelation returns every event sharing the correlation id in
// timestamp order, the trail of one logical transaction across aggregates.
func (b *Bus) GetEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	return b.store.EventsByCorrelation(ctx, correlationID)
}

// GetDeadLetterEvents lists dead-lettered entries with their events for
// operator triage.
func (b *Bus) GetDeadLetterEvents(ctx context.Context) ([]*Delivery, error) {
	return b.store.DeadLetters(ctx)
}

// ReplayEvents enqueues a fresh pending outbox entry with destination
// "replay" for each of the aggregate's events in the time range. Original
// events and entries are untouched. Returns how many entries were enqueued.
func (b *Bus) ReplayEvents(ctx context.Context, aggregateID string, from, to *time.Time) (int, error) {
	if !b.opts.EnableEventSourcing {
		return 0, ErrEventSourcingDisabled
	}

	events, err := b.store.EventsByAggregateRange(ctx, aggregateID, from, to)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	entries := make([]*OutboxEntry, 0, len(events))
	for _, evt := range events {
		entries = append(entries, &OutboxEntry{
			ID:          uuid.NewString(),
			EventID:     evt.ID,
			Destination: DestinationReplay,
			Status:      StatusPending,
			Attempts:    0,
			MaxAttempts: b.opts.MaxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := b.store.EnqueueEntries(ctx, entries); err != nil {
		return 0, &TransactionError{Op: "replay " + aggregateID, Err: err}
	}
	b.logger.Info("events replayed", "aggregate_id", aggregateID, "count", len(entries))
	return len(entries), nil
}

// GetMetrics returns aggregate event and outbox counts over the range.
func (b *Bus) GetMetrics(ctx context.Context, from, to time.Time) (*Metrics, error) {
	return b.store.Metrics(ctx, from, to)
}
