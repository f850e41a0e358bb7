package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Outcome is a consumer's verdict on a delivered message.
type Outcome int

const (
	// Ack removes the message: it was handled (or must be dropped).
	Ack Outcome = iota
	// Requeue redelivers the message later. After the attempt cap the
	// broker routes it to the poison queue instead.
	Requeue
	// Poison moves the message to the dead-letter queue immediately.
	Poison
)

// Handler consumes one message payload and returns an Outcome.
type Handler func(ctx context.Context, payload []byte) Outcome

// Options tunes a queue binding.
type Options struct {
	// MaxAttempts caps deliveries before a message is poisoned.
	MaxAttempts int
	// VisibilityTimeout is the lease during which a dequeued message is
	// hidden from other consumers; on expiry it is redelivered.
	VisibilityTimeout time.Duration
	// PollInterval paces the durable backend's dispatch loop.
	PollInterval time.Duration
	// PoisonSuffix names the dead-letter sibling, default "-poison".
	PoisonSuffix string
}

// DefaultOptions returns the standard queue tuning.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       20,
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      250 * time.Millisecond,
		PoisonSuffix:      "-poison",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PoisonSuffix == "" {
		o.PoisonSuffix = d.PoisonSuffix
	}
	return o
}

// Queue is an at-least-once message bus binding. Consumers run with a
// prefetch of one message, preserving per-worker serial semantics.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue durably publishes a payload. It returns once the broker
	// has accepted the message.
	Enqueue(ctx context.Context, payload []byte) error

	// OnDequeue registers the consumer callback and starts delivery.
	// Only one handler per binding.
	OnDequeue(h Handler) error

	// Close stops delivery and releases the binding.
	Close() error
}

// Broker connects named queues. Connecting a queue also declares its
// dead-letter sibling <name><poison-suffix>.
type Broker interface {
	Connect(name string) (Queue, error)
	Close() error
}

// PoisonEnvelope wraps a poisoned payload with diagnostic headers.
// Payload carries the original message bytes verbatim; payloads are
// arbitrary bytes, not necessarily JSON.
type PoisonEnvelope struct {
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	PoisonedAt time.Time `json:"poisoned_at"`
	Payload    []byte    `json:"payload"`
}

func poisonPayload(payload []byte, attempts int, lastError string) []byte {
	data, _ := json.Marshal(PoisonEnvelope{
		Attempts:   attempts,
		LastError:  lastError,
		PoisonedAt: time.Now().UTC(),
		Payload:    payload,
	})
	return data
}
