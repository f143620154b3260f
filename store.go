package eventbus

import (
	"context"
	"time"
)

// Status is the delivery state of an OutboxEntry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// DestinationDefault is used when Publish is called without destinations.
// DestinationReplay marks entries created by ReplayEvents.
const (
	DestinationDefault = "default"
	DestinationReplay  = "replay"
)

// OutboxEntry is one delivery ticket for one (event, destination) pair.
// It is created in the same transaction as its event and mutated only by the
// dispatch loop.
type OutboxEntry struct {
	ID          string
	EventID     string
	Destination string
	Status      Status
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	CompletedAt *time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Delivery pairs a claimed outbox entry with its event.
type Delivery struct {
	Entry *OutboxEntry
	Event *Event
}

// ProcessingLogEntry records one handler invocation outcome. A success row for
// (EventID, HandlerKey) is the idempotency oracle: the handler already ran.
type ProcessingLogEntry struct {
	EventID     string
	HandlerKey  string
	Success     bool
	Error       string
	ProcessedAt time.Time
}

// Metrics are aggregate counts over a time range, for dashboards.
type Metrics struct {
	TotalEvents     int
	ByEventType     map[Type]int
	ByAggregateType map[string]int
	OutboxByStatus  map[Status]int
	SuccessRate     float64
}

// Store is the durability boundary of the bus. Implementations must provide
// atomic multi-row appends and row-level conditional updates; see the
// postgres package for the production implementation.
type Store interface {
	// AppendEvent inserts the event and its outbox entries in one atomic
	// transaction. When evt.Version is zero the store assigns the next
	// version for the aggregate inside that transaction and fills it in.
	AppendEvent(ctx context.Context, evt *Event, entries []*OutboxEntry) error

	// ClaimPending atomically picks up to limit pending entries in creation
	// order and flips them to processing. Two concurrent pollers never
	// receive the same entry.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*Delivery, error)

	// ClaimRetryDue does the same for failed entries whose NextRetryAt has
	// passed and whose attempts are below their ceiling, in retry-time order.
	ClaimRetryDue(ctx context.Context, limit int, now time.Time) ([]*Delivery, error)

	// MarkCompleted finalizes a delivery and counts the successful attempt,
	// so attempts always reflects how many times the entry was processed.
	MarkCompleted(ctx context.Context, entryID string, at time.Time) error
	// MarkFailed records a failed attempt. A nil nextRetry leaves the entry
	// stalled for manual intervention.
	MarkFailed(ctx context.Context, entryID string, attempts int, nextRetry *time.Time, cause string) error
	MarkDeadLetter(ctx context.Context, entryID string, attempts int, cause string) error

	HandlerSucceeded(ctx context.Context, eventID, handlerKey string) (bool, error)
	AppendProcessingLog(ctx context.Context, rec ProcessingLogEntry) error

	EventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*Event, error)
	EventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)
	DeadLetters(ctx context.Context) ([]*Delivery, error)
	EventsByAggregateRange(ctx context.Context, aggregateID string, from, to *time.Time) ([]*Event, error)
	// EnqueueEntries inserts additional outbox entries for existing events
	// (replay). Original rows are untouched.
	EnqueueEntries(ctx context.Context, entries []*OutboxEntry) error

	Metrics(ctx context.Context, from, to time.Time) (*Metrics, error)
}

// IdempotencyCache is an optional fast path in front of the processing log.
// Cache errors are treated as misses; the log stays authoritative.
type IdempotencyCache interface {
	Seen(ctx context.Context, eventID, handlerKey string) (bool, error)
	MarkSeen(ctx context.Context, eventID, handlerKey string) error
}
