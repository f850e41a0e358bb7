/*
Package pipeline contains the orchestrator driving documents through
their ingestion steps.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                      Orchestrator                       │
	│                                                         │
	│  PrepareUpload ──► ImportDocument ──► queue per step    │
	│                         │                               │
	│                 persist pipeline                        │
	│                 (always BEFORE enqueue)                 │
	└───────────┬─────────────────────────────────────────────┘
	            │ message {index, documentId, executionId}
	            ▼
	┌─────────────────────────────────────────────────────────┐
	│  step queue consumer (prefetch 1)                       │
	│                                                         │
	│  load state ─► stale executionId? ──► ack, drop         │
	│       │                                                 │
	│       ▼                                                 │
	│  invoke handler ──► Success ──► advance, persist,       │
	│       │                         enqueue next, ack       │
	│       ├───────────► Transient ► requeue (attempt cap    │
	│       │                         routes to poison)       │
	│       └───────────► Fatal ────► mark failed, persist,   │
	│                                 poison                  │
	└─────────────────────────────────────────────────────────┘

State lives in document storage under the reserved status key, so a
worker crash loses nothing: the queue's visibility timeout redelivers
the in-flight message and the handler re-runs from the last persisted
state. Handlers are idempotent against their own partial output.

Per-pipeline ordering is serial: only the head of RemainingSteps ever
has a message in flight, and the next step is enqueued only after the
advanced state is persisted. Distinct documents process concurrently
on the same queues.

RunPipeline offers a synchronous mode for embedded use: every remaining
step executes in the calling context with local retry and backoff
instead of queue redelivery.
*/
package pipeline
