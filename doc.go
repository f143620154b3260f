// Package eventbus is a transactional-outbox event bus: producers publish
// domain events that are persisted atomically with per-destination delivery
// tickets, and a background dispatch loop drives each ticket through
// pending -> processing -> completed/failed/dead_letter with exponential
// retry backoff and idempotent handler execution.
//
// Delivery is at-least-once; handlers that cannot tolerate duplicates should
// register with HandlerOptions.Idempotent so the processing log suppresses
// re-execution.
package eventbus
