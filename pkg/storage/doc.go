/*
Package storage provides the document storage contract and its built-in
implementations.

Document storage is the durable blob store for everything attached to a
document: the uploaded originals, the files handlers generate (extracted
sections, chunk files, embedding records), and the reserved
__pipeline_status.json key holding the pipeline state machine.

# Layout

Files are keyed by (index, documentId, filename):

	<root>/
	  <index>/
	    <documentId>/
	      report.pdf
	      report.pdf.extract.000.txt
	      report.pdf.partition.0.json
	      report.pdf.embedding.0.json
	      __pipeline_status.json

# Consistency

Implementations are strongly consistent per key: a read following a
write on the same key observes that write. Cross-key consistency is not
required. Writers on distinct documents may run concurrently; each key
is updated atomically (the filesystem store writes a temp file and
renames).

Missing keys return errdefs.IsNotFound errors, which the orchestrator
uses to distinguish a new upload from a retry.
*/
package storage
