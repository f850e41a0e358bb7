package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/log"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestPublishFansOut(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(Event{Type: PipelineStarted, Index: "default", DocumentID: "doc-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, PipelineStarted, ev.Type)
		assert.Equal(t, "doc-1", ev.DocumentID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()

	// The subscriber channel is closed on cancel.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel does not panic.
	b.Publish(Event{Type: StepCompleted})
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	// Fill the buffer and keep publishing: extra events are dropped, not
	// queued against a stuck subscriber.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: StepStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := receive(t, ch)
	assert.Equal(t, StepStarted, ev.Type)
}

// syncBuffer serializes writes from the log bridge goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogEventsMirrorsToLog(t *testing.T) {
	var buf syncBuffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	b := NewBroker()
	defer b.Close()

	stop := b.LogEvents()
	b.Publish(Event{Type: PipelineCompleted, Index: "default", DocumentID: "doc-1"})
	b.Publish(Event{Type: StepFailed, Index: "default", DocumentID: "doc-1", Step: "extract", Error: "boom"})
	// stop drains everything already buffered before returning.
	stop()

	out := buf.String()
	assert.Contains(t, out, string(PipelineCompleted))
	assert.Contains(t, out, `"document_id":"doc-1"`)
	assert.Contains(t, out, `"component":"events"`)

	// Failures surface at warn with the error attached.
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"step":"extract"`)
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch, _ := b.Subscribe(4)
	b.Close()

	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel.
	ch2, cancel := b.Subscribe(4)
	defer cancel()
	_, open = <-ch2
	assert.False(t, open)

	// Idempotent.
	b.Close()
}
