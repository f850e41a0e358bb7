package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/metrics"
)

// MemoryBroker is an in-process broker: channel-backed queues with
// attempt tracking and poison routing. Messages do not survive process
// restart; the durable variant is BoltBroker.
type MemoryBroker struct {
	opts   Options
	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:   opts.withDefaults(),
		queues: make(map[string]*memoryQueue),
	}
}

// Connect binds a named queue and declares its poison sibling.
func (b *MemoryBroker) Connect(name string) (Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	q := b.queue(name)
	if q.poison == nil && !q.isPoison {
		p := b.queue(name + b.opts.PoisonSuffix)
		p.isPoison = true
		q.poison = p
	}
	return q, nil
}

// queue returns or creates the named queue. Caller holds b.mu.
func (b *MemoryBroker) queue(name string) *memoryQueue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &memoryQueue{
		name:     name,
		opts:     b.opts,
		messages: make(chan *memoryDelivery, 1024),
		stopCh:   make(chan struct{}),
	}
	b.queues[name] = q
	return q
}

// Close stops all queues.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.stop()
	}
	return nil
}

type memoryDelivery struct {
	payload  []byte
	attempts int
}

type memoryQueue struct {
	name     string
	opts     Options
	messages chan *memoryDelivery
	poison   *memoryQueue
	isPoison bool

	mu      sync.Mutex
	handler Handler
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (q *memoryQueue) Name() string { return q.name }

// Enqueue publishes a payload.
func (q *memoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case q.messages <- &memoryDelivery{payload: cp}:
		metrics.QueueDepth.WithLabelValues(q.name).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopCh:
		return fmt.Errorf("queue %s is closed", q.name)
	}
}

// OnDequeue starts a single consumer goroutine with prefetch 1.
func (q *memoryQueue) OnDequeue(h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue %s already has a consumer", q.name)
	}
	q.handler = h
	q.started = true
	q.wg.Add(1)
	go q.consume()
	return nil
}

func (q *memoryQueue) consume() {
	defer q.wg.Done()
	logger := log.WithComponent("queue").With().Str("queue", q.name).Logger()

	for {
		select {
		case <-q.stopCh:
			return
		case d := <-q.messages:
			d.attempts++
			if d.attempts > q.opts.MaxAttempts {
				logger.Warn().Int("attempts", d.attempts).Msg("attempt cap exceeded, routing to poison queue")
				q.toPoison(d, "max delivery attempts exceeded")
				continue
			}
			outcome := q.invoke(d)
			switch outcome {
			case Ack:
				metrics.QueueDepth.WithLabelValues(q.name).Dec()
			case Requeue:
				if d.attempts >= q.opts.MaxAttempts {
					logger.Warn().Int("attempts", d.attempts).Msg("attempt cap reached, routing to poison queue")
					q.toPoison(d, "max delivery attempts exceeded")
					continue
				}
				q.redeliver(d)
			case Poison:
				logger.Warn().Int("attempts", d.attempts).Msg("consumer requested poison routing")
				q.toPoison(d, "consumer rejected message without requeue")
			}
		}
	}
}

// invoke runs the handler under the visibility timeout. A panicking
// handler counts as a crashed worker: the message is redelivered.
func (q *memoryQueue) invoke(d *memoryDelivery) (outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.VisibilityTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("queue")
			logger.Error().
				Str("queue", q.name).Interface("panic", r).
				Msg("consumer panicked, message will be redelivered")
			outcome = Requeue
		}
	}()
	return q.handler(ctx, d.payload)
}

// redeliver returns the message to the channel after a delay that grows
// with the attempt count, so a failing consumer does not burn through
// its attempt budget back to back.
func (q *memoryQueue) redeliver(d *memoryDelivery) {
	delay := time.Duration(d.attempts) * q.opts.PollInterval
	time.AfterFunc(delay, func() {
		select {
		case q.messages <- d:
		case <-q.stopCh:
		}
	})
}

func (q *memoryQueue) toPoison(d *memoryDelivery, reason string) {
	metrics.QueueDepth.WithLabelValues(q.name).Dec()
	if q.poison == nil {
		return
	}
	_ = q.poison.Enqueue(context.Background(), poisonPayload(d.payload, d.attempts, reason))
}

func (q *memoryQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()
	q.wg.Wait()
}

// Close stops the consumer.
func (q *memoryQueue) Close() error {
	q.stop()
	return nil
}
