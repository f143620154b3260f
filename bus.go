package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/eventbus/libs/otel"
)

const instrumentationName = "github.com/md-rashed-zaman/eventbus"

// Bus is the event delivery core: it validates and atomically persists events
// with their outbox entries, runs the dispatch loop, and answers stream,
// dead-letter, replay and metrics queries. Construct one per process and pass
// it to producers and consumers explicitly.
type Bus struct {
	store    Store
	cache    IdempotencyCache
	registry *Registry
	logger   *slog.Logger
	opts     Options
	retry    RetryPolicy

	tracer trace.Tracer

	publishedCtr  metric.Int64Counter
	completedCtr  metric.Int64Counter
	failedCtr     metric.Int64Counter
	deadLetterCtr metric.Int64Counter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// BusOption customizes optional collaborators.
type BusOption func(*Bus)

// WithIdempotencyCache installs a fast-path cache in front of the processing
// log, e.g. rediscache.New. Cache failures degrade to log lookups.
func WithIdempotencyCache(c IdempotencyCache) BusOption {
	return func(b *Bus) { b.cache = c }
}

func New(store Store, logger *slog.Logger, opts Options, busOpts ...BusOption) *Bus {
	opts = opts.withDefaults()

	meter := otel.Meter(instrumentationName)
	published, _ := meter.Int64Counter("eventbus.events.published")
	completed, _ := meter.Int64Counter("eventbus.deliveries.completed")
	failed, _ := meter.Int64Counter("eventbus.deliveries.failed")
	deadLettered, _ := meter.Int64Counter("eventbus.deliveries.dead_lettered")

	b := &Bus{
		store:         store,
		registry:      NewRegistry(),
		logger:        logger,
		opts:          opts,
		retry:         RetryPolicy{BaseDelay: opts.RetryBackoff},
		tracer:        otel.Tracer(instrumentationName),
		publishedCtr:  published,
		completedCtr:  completed,
		failedCtr:     failed,
		deadLetterCtr: deadLettered,
	}
	for _, o := range busOpts {
		o(b)
	}
	return b
}

// Registry exposes handler registration for consumers.
func (b *Bus) Registry() *Registry { return b.registry }

// PublishOptions are the optional fields of one Publish call.
type PublishOptions struct {
	Metadata      map[string]string
	CausedBy      string
	CorrelationID string
	TenantID      string
	// Destinations defaults to ["default"]; one outbox entry is written per
	// destination.
	Destinations []string
	// Version pins the aggregate version explicitly. Zero lets the store
	// assign the next version for the aggregate.
	Version int
}

// Publish validates the event and writes it plus one pending outbox entry per
// destination in a single transaction. On success durable delivery tickets
// exist; on failure nothing was persisted.
func (b *Bus) Publish(ctx context.Context, aggregateID, aggregateType string, eventType Type, payload any, opts *PublishOptions) (string, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(
			attribute.String("event.type", eventType.String()),
			attribute.String("event.aggregate_type", aggregateType),
		),
	)
	defer span.End()

	evt, entries, err := b.assemble(ctx, aggregateID, aggregateType, eventType, payload, opts)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := b.store.AppendEvent(ctx, evt, entries); err != nil {
		txErr := &TransactionError{Op: "publish " + eventType.String(), Err: err}
		span.RecordError(txErr)
		return "", txErr
	}

	b.publishedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType.String())))
	b.logger.Debug("event published",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"aggregate_id", evt.AggregateID,
		"destinations", len(entries),
	)
	return evt.ID, nil
}

// PublishRequest is one element of a PublishBatch call.
type PublishRequest struct {
	AggregateID   string
	AggregateType string
	EventType     Type
	Payload       any
	Options       *PublishOptions
}

// PublishBatch publishes each request with the same per-event atomicity as
// Publish; it does not bundle the batch into one transaction. On error it
// returns the IDs published so far together with the error.
func (b *Bus) PublishBatch(ctx context.Context, reqs []PublishRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := b.Publish(ctx, req.AggregateID, req.AggregateType, req.EventType, req.Payload, req.Options)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Bus) assemble(ctx context.Context, aggregateID, aggregateType string, eventType Type, payload any, opts *PublishOptions) (*Event, []*OutboxEntry, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()

	metadata := make(map[string]string, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata["published_at"] = now.Format(time.RFC3339Nano)
	if traceparent, tracestate := otelx.TraceContextStrings(ctx); traceparent != "" {
		metadata["traceparent"] = traceparent
		if tracestate != "" {
			metadata["tracestate"] = tracestate
		}
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	evt := &Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Version:       opts.Version,
		Payload:       raw,
		Metadata:      metadata,
		Timestamp:     now,
		CausedBy:      opts.CausedBy,
		CorrelationID: correlationID,
		TenantID:      opts.TenantID,
	}
	if err := evt.validate(); err != nil {
		return nil, nil, err
	}

	destinations := opts.Destinations
	if len(destinations) == 0 {
		destinations = []string{DestinationDefault}
	}
	entries := make([]*OutboxEntry, 0, len(destinations))
	for _, dest := range destinations {
		if dest == "" {
			return nil, nil, &ValidationError{Field: "destinations", Reason: "must not contain empty names"}
		}
		entries = append(entries, &OutboxEntry{
			ID:          uuid.NewString(),
			EventID:     id,
			Destination: dest,
			Status:      StatusPending,
			Attempts:    0,
			MaxAttempts: b.opts.MaxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return evt, entries, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, &ValidationError{Field: "payload", Reason: "must not be nil"}
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "not serializable: " + err.Error()}
		}
		return raw, nil
	}
}
