package eventbus

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is a dot-namespaced event type, e.g. "booking.created".
type Type string

// Known event catalog. The registry accepts any valid Type; these constants
// cover the events the platform services emit today.
const (
	TypeBookingCreated   Type = "booking.created"
	TypeBookingCancelled Type = "booking.cancelled"
	TypeUserRegistered   Type = "auth.user.registered"
	TypeUserLoggedIn     Type = "auth.user.logged_in"
	TypeDialogMessage    Type = "dialog.message.received"

	// TypeDeadLetter is published by the bus itself when a delivery exhausts
	// its retries, so dead-lettering is observable like any other event.
	TypeDeadLetter Type = "event.dead_letter"
)

func (t Type) Valid() bool {
	segments := strings.Split(string(t), ".")
	if len(segments) < 2 {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
				return false
			}
		}
	}
	return true
}

func (t Type) String() string { return string(t) }

// Event is an immutable domain event. Once appended to the store its fields
// never change; delivery bookkeeping lives on OutboxEntry instead.
type Event struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Type          Type              `json:"event_type"`
	Version       int               `json:"event_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CausedBy      string            `json:"caused_by,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	TenantID      string            `json:"tenant_id,omitempty"`
}

func (e *Event) validate() error {
	if e.AggregateID == "" {
		return &ValidationError{Field: "aggregate_id", Reason: "must not be empty"}
	}
	if e.AggregateType == "" {
		return &ValidationError{Field: "aggregate_type", Reason: "must not be empty"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "event_type", Reason: "must be dot-namespaced, e.g. booking.created"}
	}
	if e.Version < 0 {
		return &ValidationError{Field: "event_version", Reason: "must be a positive integer"}
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if e.CorrelationID == "" {
		return &ValidationError{Field: "correlation_id", Reason: "must not be empty"}
	}
	return nil
}
