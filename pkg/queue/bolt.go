package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/metrics"
)

var (
	msgBucketPrefix   = "msg:"
	leaseBucketPrefix = "lease:"
)

// boltEnvelope is the stored form of one message. Payload is arbitrary
// bytes; JSON encoding base64s it.
type boltEnvelope struct {
	Payload  []byte `json:"payload"`
	Attempts int    `json:"attempts"`
}

// BoltBroker is a durable single-node broker backed by bbolt. Messages
// and in-flight leases survive process restart: a message whose lease
// expired (worker crash) is redelivered on the next poll.
type BoltBroker struct {
	db   *bolt.DB
	opts Options

	mu     sync.Mutex
	queues map[string]*boltQueue
	closed bool
}

// NewBoltBroker opens (or creates) the queue database under dataDir.
func NewBoltBroker(dataDir string, opts Options) (*BoltBroker, error) {
	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	return &BoltBroker{
		db:     db,
		opts:   opts.withDefaults(),
		queues: make(map[string]*boltQueue),
	}, nil
}

// Connect binds a named queue, creating its buckets and the poison
// sibling's buckets.
func (b *BoltBroker) Connect(name string) (Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, n := range []string{name, name + b.opts.PoisonSuffix} {
			if _, err := tx.CreateBucketIfNotExists([]byte(msgBucketPrefix + n)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(leaseBucketPrefix + n)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	q := &boltQueue{
		broker: b,
		name:   name,
		stopCh: make(chan struct{}),
	}
	b.queues[name] = q
	return q, nil
}

// Close stops all queues and closes the database.
func (b *BoltBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*boltQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	return b.db.Close()
}

type boltQueue struct {
	broker *BoltBroker
	name   string

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (q *boltQueue) Name() string { return q.name }

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Enqueue durably appends a message; returns after the write is synced.
func (q *boltQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.broker.enqueue(q.name, payload, 0)
}

func (b *BoltBroker) enqueue(name string, payload []byte, attempts int) error {
	env, err := json.Marshal(boltEnvelope{Payload: payload, Attempts: attempts})
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(msgBucketPrefix + name))
		if bucket == nil {
			return fmt.Errorf("queue %s is not declared", name)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), env)
	})
	if err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(name).Inc()
	return nil
}

// OnDequeue starts the poll loop, prefetching one message at a time.
func (q *boltQueue) OnDequeue(h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue %s already has a consumer", q.name)
	}
	q.started = true
	q.wg.Add(1)
	go q.consume(h)
	return nil
}

func (q *boltQueue) consume(h Handler) {
	defer q.wg.Done()
	logger := log.WithComponent("queue").With().Str("queue", q.name).Logger()
	ticker := time.NewTicker(q.broker.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			for {
				delivered, err := q.deliverNext(h)
				if err != nil {
					logger.Error().Err(err).Msg("queue poll failed")
					break
				}
				if !delivered {
					break
				}
				select {
				case <-q.stopCh:
					return
				default:
				}
			}
		}
	}
}

// deliverNext claims the oldest unleased message, invokes the handler,
// and settles the message per the outcome. Returns false when the queue
// had nothing deliverable.
func (q *boltQueue) deliverNext(h Handler) (bool, error) {
	var key []byte
	var env boltEnvelope

	// Claim: lease the oldest message whose lease is absent or expired.
	now := time.Now().UnixNano()
	deadline := time.Now().Add(q.broker.opts.VisibilityTimeout).UnixNano()
	err := q.broker.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket([]byte(msgBucketPrefix + q.name))
		leases := tx.Bucket([]byte(leaseBucketPrefix + q.name))
		c := msgs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if lease := leases.Get(k); lease != nil {
				if int64(binary.BigEndian.Uint64(lease)) > now {
					continue // still leased by another consumer
				}
			}
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			key = append([]byte(nil), k...)
			leaseVal := make([]byte, 8)
			binary.BigEndian.PutUint64(leaseVal, uint64(deadline))
			return leases.Put(key, leaseVal)
		}
		return nil
	})
	if err != nil || key == nil {
		return false, err
	}

	env.Attempts++
	if env.Attempts > q.broker.opts.MaxAttempts {
		return true, q.settle(key, env, Poison, "max delivery attempts exceeded")
	}

	outcome := q.invoke(h, env.Payload)
	if outcome == Requeue && env.Attempts >= q.broker.opts.MaxAttempts {
		return true, q.settle(key, env, Poison, "max delivery attempts exceeded")
	}
	return true, q.settle(key, env, outcome, "consumer rejected message without requeue")
}

func (q *boltQueue) invoke(h Handler, payload []byte) (outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), q.broker.opts.VisibilityTimeout)
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
	return h(ctx, payload)
}

// settle commits the outcome of one delivery in a single transaction.
func (q *boltQueue) settle(key []byte, env boltEnvelope, outcome Outcome, poisonReason string) error {
	err := q.broker.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket([]byte(msgBucketPrefix + q.name))
		leases := tx.Bucket([]byte(leaseBucketPrefix + q.name))

		switch outcome {
		case Ack:
			if err := msgs.Delete(key); err != nil {
				return err
			}
			return leases.Delete(key)

		case Requeue:
			// Release the lease and persist the attempt count; the
			// message stays in place and is picked up on a later poll.
			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := msgs.Put(key, data); err != nil {
				return err
			}
			return leases.Delete(key)

		case Poison:
			poison := tx.Bucket([]byte(msgBucketPrefix + q.name + q.broker.opts.PoisonSuffix))
			seq, err := poison.NextSequence()
			if err != nil {
				return err
			}
			wrapped, err := json.Marshal(boltEnvelope{
				Payload:  poisonPayload(env.Payload, env.Attempts, poisonReason),
				Attempts: 0,
			})
			if err != nil {
				return err
			}
			if err := poison.Put(seqKey(seq), wrapped); err != nil {
				return err
			}
			if err := msgs.Delete(key); err != nil {
				return err
			}
			return leases.Delete(key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch outcome {
	case Ack:
		metrics.QueueDepth.WithLabelValues(q.name).Dec()
	case Poison:
		metrics.QueueDepth.WithLabelValues(q.name).Dec()
		metrics.QueueDepth.WithLabelValues(q.name + q.broker.opts.PoisonSuffix).Inc()
	}
	return nil
}

func (q *boltQueue) stop() {
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

// Close stops the consumer. The broker owns the database handle.
func (q *boltQueue) Close() error {
	q.stop()
	return nil
}
