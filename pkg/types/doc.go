/*
Package types defines the shared domain types for kermem's ingestion
pipeline: pipelines, files, tags, chunks, memory records, and queue
messages.

# Core Types

Pipeline:
  - Persistent state machine for one document ingestion
  - Ordered step list split into completed and remaining queues
  - Append-only handler logs, per-step retry counters
  - Unknown JSON fields survive read-modify-write

TagCollection:
  - Key to ordered list of string values
  - Upload tags are immutable; handler tags are append-only

DataChunk:
  - Bounded text fragment produced by partitioning
  - Atomic unit of embedding and retrieval

MemoryRecord:
  - Chunk identity + dense vector + tags + payload
  - Payload carries text and a mandatory schema version
  - Records missing the schema are upgraded on read

Message:
  - Queue payload: {index, documentId, executionId}
  - Workers read authoritative state from storage, not the wire

# Index Names

Index names are normalized namespaces: lowercase, underscores replaced
with hyphens, restricted to [a-z0-9.-], length-bounded, with reserved
names replaced by "default". Client-supplied document ids are validated
against the same rules.
*/
package types
