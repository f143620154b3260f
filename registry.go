package eventbus

import (
	"context"
	"sync"
)

// HandlerFunc consumes one event. Returning an error triggers the retry
// state machine for the whole outbox entry.
type HandlerFunc func(ctx context.Context, evt *Event) error

// HandlerOptions control how the dispatch loop treats one handler.
type HandlerOptions struct {
	// Idempotent handlers are deduplicated through the processing log: a
	// recorded success for (eventID, handler name) skips re-execution.
	Idempotent bool
	// MaxRetries, when set, lowers the retry ceiling of entries this handler
	// fails. Zero means the entry's own MaxAttempts applies.
	MaxRetries int
	// DeadLetter permits dead-letter transitions for entries this handler
	// exhausts. Without it the entry is left failed for manual intervention.
	DeadLetter bool
}

// Registration identifies one registered handler. It is the reference used
// to unregister and the handler key written to the processing log.
type Registration struct {
	name  string
	types []Type
	fn    HandlerFunc
	opts  HandlerOptions
}

// Name is the handler key recorded in the processing log.
func (r *Registration) Name() string { return r.name }

// Registry maps event types to ordered lists of handler records. One type may
// have any number of handlers; all run for every delivery attempt.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type][]*Registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type][]*Registration)}
}

// Register binds fn under name to every listed type and returns the
// registration for later removal. Registering an existing name again adds a
// second independent record.
func (r *Registry) Register(name string, types []Type, fn HandlerFunc, opts HandlerOptions) *Registration {
	reg := &Registration{name: name, types: types, fn: fn, opts: opts}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], reg)
	}
	return reg
}

// Unregister removes reg from every type it was registered under. Unknown
// registrations are ignored.
func (r *Registry) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range reg.types {
		list := r.handlers[t]
		kept := list[:0]
		for _, h := range list {
			if h != reg {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(r.handlers, t)
		} else {
			r.handlers[t] = kept
		}
	}
}

// handlersFor returns a snapshot safe to iterate outside the lock.
func (r *Registry) handlersFor(t Type) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.handlers[t]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Registration, len(list))
	copy(out, list)
	return out
}
