package storage

import (
	"context"
	"io"

	"github.com/recallio/kermem/pkg/types"
)

// DocumentStore is the durable blob store for uploaded and generated
// files, keyed by (index, documentId, filename). Implementations must
// be strongly consistent per key (read-after-write on the same key);
// cross-key consistency is not required. Missing keys return an
// errdefs.IsNotFound error so the orchestrator can tell a first run
// from a storage failure.
type DocumentStore interface {
	// WriteFile stores a file, replacing any previous content.
	// The write must be atomic per key.
	WriteFile(ctx context.Context, index, documentID, filename string, content io.Reader) error

	// ReadFile returns the full content of a file.
	ReadFile(ctx context.Context, index, documentID, filename string) ([]byte, error)

	// DeleteFile removes a single file. Deleting a missing file is not
	// an error.
	DeleteFile(ctx context.Context, index, documentID, filename string) error

	// ListFiles enumerates filenames stored for a document, excluding
	// the reserved pipeline status file.
	ListFiles(ctx context.Context, index, documentID string) ([]string, error)

	// DeleteDocument removes every file of a document. Idempotent.
	DeleteDocument(ctx context.Context, index, documentID string) error

	// DeleteIndex removes every document of an index. Idempotent.
	DeleteIndex(ctx context.Context, index string) error

	// ReadPipeline loads the persisted pipeline state from the reserved
	// __pipeline_status.json key.
	ReadPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error)

	// WritePipeline persists pipeline state, preserving unknown fields.
	WritePipeline(ctx context.Context, p *types.Pipeline) error

	// Close releases resources.
	Close() error
}
