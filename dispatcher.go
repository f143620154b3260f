package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/eventbus/libs/otel"
)

// Start launches the dispatch loop in the background. Starting a running bus
// is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.running = true
	go b.run(ctx, done)
}

// Stop asks the loop to finish its current cycle and waits for it, bounded by
// ctx. In-flight handler invocations complete; no entry is abandoned in
// processing. Stopping a stopped bus is a no-op.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Cycles run on an uncancellable context so a Stop mid-cycle never
	// leaves a claimed entry without its final status update.
	cycleCtx := context.WithoutCancel(ctx)

	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.InitialInterval = b.opts.PollingInterval
	pollBackoff.MaxInterval = 30 * time.Second
	pollBackoff.MaxElapsedTime = 0

	ticker := time.NewTicker(b.opts.PollingInterval)
	defer ticker.Stop()

	b.logger.Info("dispatch loop started",
		"batch_size", b.opts.BatchSize,
		"polling_interval", b.opts.PollingInterval,
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			if err := b.cycle(cycleCtx); err != nil {
				b.logger.Error("dispatch cycle failed", "err", err)
				select {
				case <-ctx.Done():
					b.logger.Info("dispatch loop stopped")
					return
				case <-time.After(pollBackoff.NextBackOff()):
				}
				continue
			}
			pollBackoff.Reset()
		}
	}
}

// cycle claims one batch of due work and fans it out. Claimed entries are
// always driven to a final status even if the second claim fails.
func (b *Bus) cycle(ctx context.Context) error {
	now := time.Now().UTC()

	var pollErr error
	pending, err := b.store.ClaimPending(ctx, b.opts.BatchSize, now)
	if err != nil {
		pollErr = &PollError{Op: "claim pending", Err: err}
	}
	due, err := b.store.ClaimRetryDue(ctx, b.opts.BatchSize, now)
	if err != nil && pollErr == nil {
		pollErr = &PollError{Op: "claim retry-due", Err: err}
	}

	deliveries := append(pending, due...)
	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d *Delivery) {
			defer wg.Done()
			b.deliver(ctx, d)
		}(d)
	}
	wg.Wait()
	return pollErr
}

func (b *Bus) deliver(ctx context.Context, d *Delivery) {
	evt := d.Event

	hctx := otelx.ContextWithTraceContext(ctx, evt.Metadata["traceparent"], evt.Metadata["tracestate"])
	hctx, span := b.tracer.Start(hctx, "eventbus.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", evt.Type.String()),
			attribute.String("event.destination", d.Entry.Destination),
			attribute.Int("event.attempt", d.Entry.Attempts+1),
		),
	)
	defer span.End()

	handlers := b.registry.handlersFor(evt.Type)
	if len(handlers) == 0 {
		// Delivered to zero consumers.
		b.finalizeCompleted(ctx, d)
		return
	}

	var (
		resMu  sync.Mutex
		failed []*Registration
		errs   []error
	)
	var wg sync.WaitGroup
	for _, reg := range handlers {
		wg.Add(1)
		go func(reg *Registration) {
			defer wg.Done()
			if err := b.runHandler(hctx, reg, evt); err != nil {
				resMu.Lock()
				failed = append(failed, reg)
				errs = append(errs, err)
				resMu.Unlock()
			}
		}(reg)
	}
	wg.Wait()

	if len(failed) == 0 {
		b.finalizeCompleted(ctx, d)
		return
	}
	joined := errors.Join(errs...)
	span.RecordError(joined)
	b.applyRetryPolicy(ctx, d, failed, joined)
}

func (b *Bus) finalizeCompleted(ctx context.Context, d *Delivery) {
	if err := b.store.MarkCompleted(ctx, d.Entry.ID, time.Now().UTC()); err != nil {
		b.logger.Error("mark completed failed", "err", err, "entry_id", d.Entry.ID)
		return
	}
	b.completedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", d.Event.Type.String())))
	b.logger.Debug("delivery completed",
		"event_id", d.Event.ID,
		"event_type", d.Event.Type,
		"destination", d.Entry.Destination,
	)
}

func (b *Bus) runHandler(ctx context.Context, reg *Registration, evt *Event) error {
	if reg.opts.Idempotent {
		applied, err := b.alreadyApplied(ctx, evt.ID, reg.name)
		if err != nil {
			b.logger.Warn("idempotency check failed", "err", err, "handler", reg.name, "event_id", evt.ID)
		} else if applied {
			b.logger.Debug("handler already applied, skipping", "handler", reg.name, "event_id", evt.ID)
			return nil
		}
	}

	err := b.invoke(ctx, reg, evt)
	now := time.Now().UTC()
	if err != nil {
		if reg.opts.Idempotent {
			if logErr := b.store.AppendProcessingLog(ctx, ProcessingLogEntry{
				EventID:     evt.ID,
				HandlerKey:  reg.name,
				Success:     false,
				Error:       err.Error(),
				ProcessedAt: now,
			}); logErr != nil {
				b.logger.Error("processing log append failed", "err", logErr, "handler", reg.name)
			}
		}
		return &HandlerError{Handler: reg.name, EventID: evt.ID, Err: err}
	}

	if reg.opts.Idempotent {
		if logErr := b.store.AppendProcessingLog(ctx, ProcessingLogEntry{
			EventID:     evt.ID,
			HandlerKey:  reg.name,
			Success:     true,
			ProcessedAt: now,
		}); logErr != nil {
			b.logger.Error("processing log append failed", "err", logErr, "handler", reg.name)
		}
		if b.cache != nil {
			if cErr := b.cache.MarkSeen(ctx, evt.ID, reg.name); cErr != nil {
				b.logger.Warn("idempotency cache mark failed", "err", cErr, "handler", reg.name)
			}
		}
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, reg *Registration, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.fn(ctx, evt)
}

// alreadyApplied consults the cache first (misses on cache errors) and falls
// back to the processing log, backfilling the cache on a log hit.
func (b *Bus) alreadyApplied(ctx context.Context, eventID, handlerKey string) (bool, error) {
	if b.cache != nil {
		seen, err := b.cache.Seen(ctx, eventID, handlerKey)
		if err != nil {
			b.logger.Warn("idempotency cache read failed", "err", err, "handler", handlerKey)
		} else if seen {
			return true, nil
		}
	}
	ok, err := b.store.HandlerSucceeded(ctx, eventID, handlerKey)
	if err != nil {
		return false, err
	}
	if ok && b.cache != nil {
		_ = b.cache.MarkSeen(ctx, eventID, handlerKey)
	}
	return ok, nil
}

func (b *Bus) applyRetryPolicy(ctx context.Context, d *Delivery, failed []*Registration, cause error) {
	entry := d.Entry
	attempts := entry.Attempts + 1
	ceiling := entry.MaxAttempts
	allowDeadLetter := false
	for _, reg := range failed {
		if reg.opts.MaxRetries > 0 && reg.opts.MaxRetries < ceiling {
			ceiling = reg.opts.MaxRetries
		}
		if reg.opts.DeadLetter {
			allowDeadLetter = true
		}
	}
	msg := cause.Error()
	now := time.Now().UTC()
	attrs := metric.WithAttributes(attribute.String("event.type", d.Event.Type.String()))

	if attempts >= ceiling {
		// Synthetic dead-letter events must not spawn further synthetic
		// events when they exhaust retries themselves.
		if b.opts.EnableDeadLetterQueue && allowDeadLetter && d.Event.Type != TypeDeadLetter {
			if err := b.store.MarkDeadLetter(ctx, entry.ID, attempts, msg); err != nil {
				b.logger.Error("mark dead_letter failed", "err", err, "entry_id", entry.ID)
				return
			}
			b.deadLetterCtr.Add(ctx, 1, attrs)
			b.logger.Warn("delivery dead-lettered",
				"event_id", d.Event.ID,
				"event_type", d.Event.Type,
				"attempts", attempts,
				"err", msg,
			)
			b.publishDeadLetter(ctx, d, attempts, msg)
			return
		}
		if err := b.store.MarkFailed(ctx, entry.ID, attempts, nil, msg); err != nil {
			b.logger.Error("mark failed failed", "err", err, "entry_id", entry.ID)
			return
		}
		b.failedCtr.Add(ctx, 1, attrs)
		b.logger.Warn("delivery stalled after max attempts",
			"event_id", d.Event.ID,
			"event_type", d.Event.Type,
			"attempts", attempts,
			"err", msg,
		)
		return
	}

	next := b.retry.NextRetryAt(now, attempts)
	if err := b.store.MarkFailed(ctx, entry.ID, attempts, &next, msg); err != nil {
		b.logger.Error("mark failed failed", "err", err, "entry_id", entry.ID)
		return
	}
	b.failedCtr.Add(ctx, 1, attrs)
	b.logger.Info("delivery scheduled for retry",
		"event_id", d.Event.ID,
		"event_type", d.Event.Type,
		"attempts", attempts,
		"next_retry_at", next,
	)
}

func (b *Bus) publishDeadLetter(ctx context.Context, d *Delivery, attempts int, cause string) {
	payload := map[string]any{
		"event_id":    d.Event.ID,
		"event_type":  d.Event.Type,
		"destination": d.Entry.Destination,
		"attempts":    attempts,
		"error":       cause,
	}
	if _, err := b.Publish(ctx, d.Event.AggregateID, d.Event.AggregateType, TypeDeadLetter, payload, &PublishOptions{
		CausedBy:      d.Event.ID,
		CorrelationID: d.Event.CorrelationID,
		TenantID:      d.Event.TenantID,
	}); err != nil {
		b.logger.Error("dead letter event publish failed", "err", err, "event_id", d.Event.ID)
	}
}
