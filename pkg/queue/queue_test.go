package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/metrics"
)

// collector gathers delivered payloads for assertions.
type collector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *collector) handler(outcome Outcome) Handler {
	return func(ctx context.Context, payload []byte) Outcome {
		c.mu.Lock()
		c.payloads = append(c.payloads, append([]byte(nil), payload...))
		c.mu.Unlock()
		return outcome
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) at(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[i]
}

func (c *collector) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryQueueAck(t *testing.T) {
	broker := NewMemoryBroker(DefaultOptions())
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Ack)))

	require.NoError(t, q.Enqueue(context.Background(), []byte("m1")))
	waitFor(t, func() bool { return c.count() == 1 }, "message not delivered")
	assert.Equal(t, "m1", string(c.last()))

	// Acked messages are not redelivered.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestMemoryQueueRequeueUntilPoison(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 3
	broker := NewMemoryBroker(opts)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)
	poison, err := broker.Connect("work" + opts.PoisonSuffix)
	require.NoError(t, err)

	var poisoned collector
	require.NoError(t, poison.OnDequeue(poisoned.handler(Ack)))

	var attempts collector
	require.NoError(t, q.OnDequeue(attempts.handler(Requeue)))

	require.NoError(t, q.Enqueue(context.Background(), []byte(`{"id":"m1"}`)))

	waitFor(t, func() bool { return poisoned.count() == 1 }, "message never poisoned")
	assert.Equal(t, opts.MaxAttempts, attempts.count())

	var env PoisonEnvelope
	require.NoError(t, json.Unmarshal(poisoned.last(), &env))
	assert.Equal(t, opts.MaxAttempts, env.Attempts)
	assert.NotEmpty(t, env.LastError)
	assert.JSONEq(t, `{"id":"m1"}`, string(env.Payload))
}

func TestMemoryQueueExplicitPoison(t *testing.T) {
	opts := DefaultOptions()
	broker := NewMemoryBroker(opts)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)
	poison, err := broker.Connect("work" + opts.PoisonSuffix)
	require.NoError(t, err)

	var poisoned collector
	require.NoError(t, poison.OnDequeue(poisoned.handler(Ack)))

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Poison)))

	require.NoError(t, q.Enqueue(context.Background(), []byte("bad")))
	waitFor(t, func() bool { return poisoned.count() == 1 }, "message never poisoned")

	// Exactly one delivery attempt before poisoning.
	assert.Equal(t, 1, c.count())
}

func TestMemoryQueueRedeliveryBackoff(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 5
	opts.PollInterval = 100 * time.Millisecond
	broker := NewMemoryBroker(opts)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)

	var mu sync.Mutex
	var deliveries []time.Time
	require.NoError(t, q.OnDequeue(func(ctx context.Context, payload []byte) Outcome {
		mu.Lock()
		deliveries = append(deliveries, time.Now())
		mu.Unlock()
		return Requeue
	}))

	require.NoError(t, q.Enqueue(context.Background(), []byte("m1")))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) >= 3
	}, "message not redelivered")

	mu.Lock()
	defer mu.Unlock()
	// Redelivery is paced: the gap grows with the attempt count instead
	// of hammering the consumer back to back.
	assert.GreaterOrEqual(t, deliveries[1].Sub(deliveries[0]), opts.PollInterval)
	assert.GreaterOrEqual(t, deliveries[2].Sub(deliveries[1]), 2*opts.PollInterval)
}

func TestMemoryQueuePoisonPreservesBinaryPayload(t *testing.T) {
	opts := DefaultOptions()
	broker := NewMemoryBroker(opts)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)
	poison, err := broker.Connect("work" + opts.PoisonSuffix)
	require.NoError(t, err)

	var poisoned collector
	require.NoError(t, poison.OnDequeue(poisoned.handler(Ack)))
	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Poison)))

	// Payloads are opaque bytes, not necessarily JSON.
	raw := []byte{0x00, 0xff, 0x10, 'k', 0x80}
	require.NoError(t, q.Enqueue(context.Background(), raw))
	waitFor(t, func() bool { return poisoned.count() == 1 }, "message never poisoned")

	var env PoisonEnvelope
	require.NoError(t, json.Unmarshal(poisoned.last(), &env))
	assert.Equal(t, raw, env.Payload)
}

func TestQueueDepthGauge(t *testing.T) {
	opts := DefaultOptions()
	broker := NewMemoryBroker(opts)
	defer broker.Close()

	// The gauge is process-global, so this test owns a unique queue name.
	q, err := broker.Connect("depth-metrics")
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), []byte("m1")))
	require.NoError(t, q.Enqueue(context.Background(), []byte("m2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth-metrics")))

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Ack)))
	waitFor(t, func() bool { return c.count() == 2 }, "messages not delivered")
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth-metrics")) == 0
	}, "gauge not decremented on ack")
}

func TestBoltQueueDelivery(t *testing.T) {
	opts := DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond
	broker, err := NewBoltBroker(t.TempDir(), opts)
	require.NoError(t, err)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Ack)))

	require.NoError(t, q.Enqueue(context.Background(), []byte("m1")))
	require.NoError(t, q.Enqueue(context.Background(), []byte("m2")))

	waitFor(t, func() bool { return c.count() == 2 }, "messages not delivered")
	assert.Equal(t, "m1", string(c.at(0)))
	assert.Equal(t, "m2", string(c.at(1)))
}

func TestBoltQueueBinaryPayload(t *testing.T) {
	opts := DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond
	broker, err := NewBoltBroker(t.TempDir(), opts)
	require.NoError(t, err)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Ack)))

	raw := []byte{0x00, 0xff, 0x10, 'k', 0x80}
	require.NoError(t, q.Enqueue(context.Background(), raw))
	waitFor(t, func() bool { return c.count() == 1 }, "message not delivered")
	assert.Equal(t, raw, c.last())
}

func TestBoltQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond

	// First process enqueues and exits without consuming.
	broker, err := NewBoltBroker(dir, opts)
	require.NoError(t, err)
	q, err := broker.Connect("work")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), []byte("persisted")))
	require.NoError(t, broker.Close())

	// Second process picks the message up.
	broker, err = NewBoltBroker(dir, opts)
	require.NoError(t, err)
	defer broker.Close()
	q, err = broker.Connect("work")
	require.NoError(t, err)

	var c collector
	require.NoError(t, q.OnDequeue(c.handler(Ack)))
	waitFor(t, func() bool { return c.count() == 1 }, "message lost across restart")
	assert.Equal(t, "persisted", string(c.last()))
}

func TestBoltQueueRequeueUntilPoison(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 2
	opts.PollInterval = 20 * time.Millisecond
	broker, err := NewBoltBroker(t.TempDir(), opts)
	require.NoError(t, err)
	defer broker.Close()

	q, err := broker.Connect("work")
	require.NoError(t, err)
	poison, err := broker.Connect("work" + opts.PoisonSuffix)
	require.NoError(t, err)

	var poisoned collector
	require.NoError(t, poison.OnDequeue(poisoned.handler(Ack)))

	var attempts collector
	require.NoError(t, q.OnDequeue(attempts.handler(Requeue)))

	require.NoError(t, q.Enqueue(context.Background(), []byte(`{"id":"m1"}`)))
	waitFor(t, func() bool { return poisoned.count() == 1 }, "message never poisoned")

	var env PoisonEnvelope
	require.NoError(t, json.Unmarshal(poisoned.last(), &env))
	assert.Equal(t, opts.MaxAttempts, env.Attempts)
	assert.JSONEq(t, `{"id":"m1"}`, string(env.Payload))
}
