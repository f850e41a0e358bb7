/*
Package metrics exposes Prometheus instrumentation for the ingestion
pipeline, the queue layer, and the HTTP API.

All collectors are package-level and registered at init, so importing
the package is enough to make them scrapeable. Handler() returns the
promhttp handler the service mounts at /metrics.

Naming follows the kermem_<subsystem>_<unit> convention:

  - kermem_pipelines_*: pipeline lifecycle counters
  - kermem_steps_*: per-step execution counts and latency
  - kermem_queue_depth, kermem_poison_messages_total: queue health
  - kermem_records_*: memory record writes and deletes
  - kermem_api_*: HTTP surface counts and latency
*/
package metrics
