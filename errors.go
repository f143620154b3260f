package eventbus

import (
	"errors"
	"fmt"
)

// ErrEventSourcingDisabled is returned by stream and replay queries when the
// bus was configured with EnableEventSourcing=false.
var ErrEventSourcingDisabled = errors.New("event sourcing queries are disabled")

// ValidationError means the event assembled at publish time is malformed.
// Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// TransactionError means the store failed to commit the event plus its outbox
// rows. Nothing was persisted.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// HandlerError wraps a failure from a registered handler. It never reaches
// the producer; it only drives the retry state machine.
type HandlerError struct {
	Handler string
	EventID string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PollError is a transient failure during a dispatch cycle. The loop logs it
// and keeps running.
type PollError struct {
	Op  string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
