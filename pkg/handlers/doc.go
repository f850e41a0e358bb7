/*
Package handlers implements the pipeline steps: extract, summarize,
partition, gen_embeddings, save_records, and the admin deletion steps.

Every handler is idempotent against its own prior partial output. The
ingestion steps follow a delete-then-write discipline: clear the files
(or records) the step generated last time, regenerate from the current
input, and register the new descriptors on the pipeline. A step that is
redelivered after a crash therefore converges to the same end state.

Failure mapping is centralized in Classify: validation and configuration
errors fail the pipeline, everything else is retried by the queue.
*/
package handlers
