/*
Package queue provides the at-least-once message bus the pipeline
workers consume from.

# Model

A Broker connects named queues. Every binding also declares a
dead-letter sibling named <queue><poison-suffix>. Consumers register a
single Handler per queue and receive one message at a time (prefetch 1),
so each worker processes serially while separate queues run in parallel.

Delivery is at-least-once:

	Enqueue ──► queue ──► Handler ──► Ack      (message removed)
	                          │
	                          ├─────► Requeue  (redelivered later)
	                          │
	                          └─────► Poison   (moved to dead-letter)

Each delivery increments the message's attempt count. Once the count
exceeds MaxAttempts the broker stops redelivering and parks the message
on the poison queue wrapped in a PoisonEnvelope recording the attempt
count and last error.

# Backends

MemoryBroker keeps messages in channels; fast, lost on restart.
BoltBroker persists messages and leases in bbolt so in-flight work
survives a crash: an expired lease makes the message deliverable again.
*/
package queue
