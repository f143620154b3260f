package eventbus

import (
	"time"

	"github.com/md-rashed-zaman/eventbus/libs/config"
)

// Options is the bus configuration surface.
type Options struct {
	// BatchSize caps how many pending and how many retry-due entries one
	// poll cycle claims.
	BatchSize int
	// PollingInterval is the sleep between dispatch cycles.
	PollingInterval time.Duration
	// MaxRetries is the default MaxAttempts stamped on new outbox entries.
	MaxRetries int
	// RetryBackoff is the base delay of the exponential backoff schedule.
	RetryBackoff time.Duration
	// EnableDeadLetterQueue permits terminal dead_letter transitions and the
	// synthetic event.dead_letter publication.
	EnableDeadLetterQueue bool
	// EnableEventSourcing gates GetEventStream and ReplayEvents.
	EnableEventSourcing bool
}

func DefaultOptions() Options {
	return Options{
		BatchSize:             50,
		PollingInterval:       2 * time.Second,
		MaxRetries:            3,
		RetryBackoff:          250 * time.Millisecond,
		EnableDeadLetterQueue: true,
		EnableEventSourcing:   true,
	}
}

// OptionsFromEnv reads the EVENTBUS_* variables, falling back to defaults.
func OptionsFromEnv() Options {
	def := DefaultOptions()
	return Options{
		BatchSize:             config.Int("EVENTBUS_BATCH_SIZE", def.BatchSize),
		PollingInterval:       config.DurationMS("EVENTBUS_POLL_INTERVAL_MS", def.PollingInterval),
		MaxRetries:            config.Int("EVENTBUS_MAX_RETRIES", def.MaxRetries),
		RetryBackoff:          config.DurationMS("EVENTBUS_RETRY_BACKOFF_MS", def.RetryBackoff),
		EnableDeadLetterQueue: config.Bool("EVENTBUS_ENABLE_DLQ", def.EnableDeadLetterQueue),
		EnableEventSourcing:   config.Bool("EVENTBUS_ENABLE_EVENT_SOURCING", def.EnableEventSourcing),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.PollingInterval <= 0 {
		o.PollingInterval = def.PollingInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	return o
}
