package events

import (
	"sync"
	"time"

	"github.com/recallio/kermem/pkg/log"
)

// Type identifies a pipeline lifecycle event.
type Type string

const (
	PipelineStarted   Type = "pipeline.started"
	PipelineCompleted Type = "pipeline.completed"
	PipelineFailed    Type = "pipeline.failed"
	StepStarted       Type = "step.started"
	StepCompleted     Type = "step.completed"
	StepFailed        Type = "step.failed"
	DocumentDeleted   Type = "document.deleted"
	IndexDeleted      Type = "index.deleted"
)

// Event is a pipeline lifecycle notification.
type Event struct {
	Type       Type      `json:"type"`
	Index      string    `json:"index"`
	DocumentID string    `json:"document_id,omitempty"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Broker fans pipeline events out to subscribers. Publishing never
// blocks: a subscriber that falls behind drops events.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func removes it.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// LogEvents attaches a subscriber that mirrors every event into the
// structured log, so a server without external listeners still leaves
// an audit trail. The returned cancel func detaches it and waits for
// the drain goroutine to finish.
func (b *Broker) LogEvents() func() {
	ch, cancel := b.Subscribe(256)
	logger := log.WithComponent("events")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			entry := logger.Info()
			if ev.Type == PipelineFailed || ev.Type == StepFailed {
				entry = logger.Warn()
			}
			if ev.DocumentID != "" {
				entry = entry.Str("document_id", ev.DocumentID)
			}
			if ev.Step != "" {
				entry = entry.Str("step", ev.Step)
			}
			if ev.Error != "" {
				entry = entry.Str("error", ev.Error)
			}
			entry.Str("index", ev.Index).Msg(string(ev.Type))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Publish delivers an event to all subscribers.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	logger := log.WithComponent("events")
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug().
				Str("type", string(ev.Type)).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
