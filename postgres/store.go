// Package postgres implements the bus Store on PostgreSQL via pgx. Batch
// claims use SELECT ... FOR UPDATE SKIP LOCKED plus a status flip in the same
// transaction, so concurrent pollers never pick up the same entry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/eventbus"
	"github.com/md-rashed-zaman/eventbus/libs/db"
)

// ErrVersionConflict is returned when a caller-pinned event version collides
// with an existing event of the same aggregate. Auto-assigned versions never
// surface it; their collisions are retried.
var ErrVersionConflict = errors.New("aggregate version already exists")

// versionRetries bounds how often an auto-assigned version is recomputed when
// a concurrent publish to the same aggregate wins the unique index first.
const versionRetries = 3

type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

var _ eventbus.Store = (*Store)(nil)

func (s *Store) AppendEvent(ctx context.Context, evt *eventbus.Event, entries []*eventbus.OutboxEntry) error {
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return err
	}

	pinned := evt.Version > 0
	return appendWithRetry(pinned, func() error {
		if !pinned {
			// Forget the version a lost race assigned so the subselect
			// recomputes it.
			evt.Version = 0
		}
		return s.insertEventTx(ctx, evt, metadata, entries)
	})
}

// appendWithRetry decides what a unique-violation on the (aggregate_id,
// event_version) index means. A caller-pinned version is a genuine conflict;
// an auto-assigned one just lost a race against a concurrent publish to the
// same aggregate and is recomputed up to versionRetries more times.
func appendWithRetry(pinned bool, insert func() error) error {
	if pinned {
		err := insert()
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return err
	}

	var err error
	for attempt := 0; attempt <= versionRetries; attempt++ {
		err = insert()
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) insertEventTx(ctx context.Context, evt *eventbus.Event, metadata []byte, entries []*eventbus.OutboxEntry) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var version *int
		if evt.Version > 0 {
			version = &evt.Version
		}
		var causedBy, tenantID *string
		if evt.CausedBy != "" {
			causedBy = &evt.CausedBy
		}
		if evt.TenantID != "" {
			tenantID = &evt.TenantID
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO events (id, aggregate_id, aggregate_type, event_type, event_version,
			                    payload, metadata, timestamp, caused_by, correlation_id, tenant_id)
			VALUES ($1, $2, $3, $4,
			        COALESCE($5, (SELECT COALESCE(MAX(event_version), 0) + 1 FROM events WHERE aggregate_id = $2)),
			        $6, $7, $8, $9, $10, $11)
			RETURNING event_version
		`, evt.ID, evt.AggregateID, evt.AggregateType, string(evt.Type), version,
			evt.Payload, metadata, evt.Timestamp, causedBy, evt.CorrelationID, tenantID,
		).Scan(&evt.Version)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *eventbus.OutboxEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox (id, event_id, destination, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, e.ID, e.EventID, e.Destination, string(e.Status), e.Attempts, e.MaxAttempts, e.CreatedAt)
	return err
}

const deliveryColumns = `
	o.id, o.event_id, o.destination, o.status, o.attempts, o.max_attempts,
	o.next_retry_at, o.completed_at, o.error, o.created_at, o.updated_at,
	e.id, e.aggregate_id, e.aggregate_type, e.event_type, e.event_version,
	e.payload, e.metadata, e.timestamp, e.caused_by, e.correlation_id, e.tenant_id`

func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*eventbus.Delivery, error) {
	return s.claim(ctx, `
		SELECT`+deliveryColumns+`
		FROM event_outbox o
		JOIN events e ON e.id = o.event_id
		WHERE o.status = 'pending'
		ORDER BY o.created_at
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED
	`, []any{limit}, now)
}

func (s *Store) ClaimRetryDue(ctx context.Context, limit int, now time.Time) ([]*eventbus.Delivery, error) {
	return s.claim(ctx, `
		SELECT`+deliveryColumns+`
		FROM event_outbox o
		JOIN events e ON e.id = o.event_id
		WHERE o.status = 'failed'
		  AND o.next_retry_at IS NOT NULL
		  AND o.next_retry_at <= $2
		  AND o.attempts < o.max_attempts
		ORDER BY o.next_retry_at
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED
	`, []any{limit, now}, now)
}

func (s *Store) claim(ctx context.Context, query string, args []any, now time.Time) ([]*eventbus.Delivery, error) {
	var deliveries []*eventbus.Delivery
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		claimed, err := scanDeliveries(rows)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, 0, len(claimed))
		for _, d := range claimed {
			ids = append(ids, d.Entry.ID)
			d.Entry.Status = eventbus.StatusProcessing
		}
		if _, err := tx.Exec(ctx, `
			UPDATE event_outbox
			SET status = 'processing', updated_at = $2
			WHERE id = ANY($1::uuid[])
		`, ids, now); err != nil {
			return err
		}
		deliveries = claimed
		return nil
	})
	return deliveries, err
}

func scanDeliveries(rows pgx.Rows) ([]*eventbus.Delivery, error) {
	defer rows.Close()

	var deliveries []*eventbus.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deliveries, nil
}

func scanDelivery(rows pgx.Rows) (*eventbus.Delivery, error) {
	var (
		entry    eventbus.OutboxEntry
		evt      eventbus.Event
		status   string
		errMsg   *string
		metadata []byte
		causedBy *string
		tenantID *string
		evtType  string
	)
	if err := rows.Scan(
		&entry.ID, &entry.EventID, &entry.Destination, &status, &entry.Attempts, &entry.MaxAttempts,
		&entry.NextRetryAt, &entry.CompletedAt, &errMsg, &entry.CreatedAt, &entry.UpdatedAt,
		&evt.ID, &evt.AggregateID, &evt.AggregateType, &evtType, &evt.Version,
		&evt.Payload, &metadata, &evt.Timestamp, &causedBy, &evt.CorrelationID, &tenantID,
	); err != nil {
		return nil, err
	}
	entry.Status = eventbus.Status(status)
	if errMsg != nil {
		entry.Error = *errMsg
	}
	evt.Type = eventbus.Type(evtType)
	if causedBy != nil {
		evt.CausedBy = *causedBy
	}
	if tenantID != nil {
		evt.TenantID = *tenantID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
			return nil, err
		}
	}
	return &eventbus.Delivery{Entry: &entry, Event: &evt}, nil
}

func (s *Store) MarkCompleted(ctx context.Context, entryID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'completed', attempts = attempts + 1, completed_at = $2, next_retry_at = NULL, updated_at = $2
		WHERE id = $1
	`, entryID, at)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, entryID string, attempts int, nextRetry *time.Time, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'failed', attempts = $2, next_retry_at = $3, error = $4, updated_at = now()
		WHERE id = $1
	`, entryID, attempts, nextRetry, cause)
	return err
}

func (s *Store) MarkDeadLetter(ctx context.Context, entryID string, attempts int, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'dead_letter', attempts = $2, next_retry_at = NULL, error = $3, updated_at = now()
		WHERE id = $1
	`, entryID, attempts, cause)
	return err
}

func (s *Store) HandlerSucceeded(ctx context.Context, eventID, handlerKey string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_processing_log
			WHERE event_id = $1 AND handler_type = $2 AND success
		)
	`, eventID, handlerKey).Scan(&ok)
	return ok, err
}

func (s *Store) AppendProcessingLog(ctx context.Context, rec eventbus.ProcessingLogEntry) error {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_processing_log (event_id, handler_type, success, error, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, rec.EventID, rec.HandlerKey, rec.Success, errMsg, rec.ProcessedAt)
	return err
}

const eventColumns = `
	id, aggregate_id, aggregate_type, event_type, event_version,
	payload, metadata, timestamp, caused_by, correlation_id, tenant_id`

func (s *Store) EventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*eventbus.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+eventColumns+`
		FROM events
		WHERE aggregate_id = $1
		  AND ($2 = '' OR aggregate_type = $2)
		  AND event_version >= $3
		ORDER BY event_version
	`, aggregateID, aggregateType, max(fromVersion, 1))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]*eventbus.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+eventColumns+`
		FROM events
		WHERE correlation_id = $1
		ORDER BY timestamp
	`, correlationID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) DeadLetters(ctx context.Context) ([]*eventbus.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+deliveryColumns+`
		FROM event_outbox o
		JOIN events e ON e.id = o.event_id
		WHERE o.status = 'dead_letter'
		ORDER BY o.updated_at
	`)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (s *Store) EventsByAggregateRange(ctx context.Context, aggregateID string, from, to *time.Time) ([]*eventbus.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+eventColumns+`
		FROM events
		WHERE aggregate_id = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY event_version
	`, aggregateID, from, to)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) EnqueueEntries(ctx context.Context, entries []*eventbus.OutboxEntry) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, e := range entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanEvents(rows pgx.Rows) ([]*eventbus.Event, error) {
	defer rows.Close()

	var events []*eventbus.Event
	for rows.Next() {
		var (
			evt      eventbus.Event
			evtType  string
			metadata []byte
			causedBy *string
			tenantID *string
		)
		if err := rows.Scan(
			&evt.ID, &evt.AggregateID, &evt.AggregateType, &evtType, &evt.Version,
			&evt.Payload, &metadata, &evt.Timestamp, &causedBy, &evt.CorrelationID, &tenantID,
		); err != nil {
			return nil, err
		}
		evt.Type = eventbus.Type(evtType)
		if causedBy != nil {
			evt.CausedBy = *causedBy
		}
		if tenantID != nil {
			evt.TenantID = *tenantID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, &evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func (s *Store) Metrics(ctx context.Context, from, to time.Time) (*eventbus.Metrics, error) {
	m := &eventbus.Metrics{
		ByEventType:     make(map[eventbus.Type]int),
		ByAggregateType: make(map[string]int),
		OutboxByStatus:  make(map[eventbus.Status]int),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, aggregate_type, COUNT(*)
		FROM events
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY event_type, aggregate_type
	`, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var evtType, aggType string
		var count int
		if err := rows.Scan(&evtType, &aggType, &count); err != nil {
			rows.Close()
			return nil, err
		}
		m.TotalEvents += count
		m.ByEventType[eventbus.Type(evtType)] += count
		m.ByAggregateType[aggType] += count
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	rows, err = s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM event_outbox
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY status
	`, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		m.OutboxByStatus[eventbus.Status(status)] = count
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	completed := m.OutboxByStatus[eventbus.StatusCompleted]
	terminal := completed + m.OutboxByStatus[eventbus.StatusFailed] + m.OutboxByStatus[eventbus.StatusDeadLetter]
	if terminal > 0 {
		m.SuccessRate = float64(completed) / float64(terminal)
	}
	return m, nil
}
