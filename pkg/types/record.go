package types

import (
	"fmt"
)

// RecordSchemaVersion is the current embedding record schema. Records
// missing the payload schema field are upgraded to this value on read;
// writers always stamp it.
const RecordSchemaVersion = "v1"

// Reserved payload keys of a memory record.
const (
	PayloadText       = "text"
	PayloadSchema     = "schema"
	PayloadURL        = "url"
	PayloadLastUpdate = "last_update"
	PayloadFileName   = "file_name"
)

// MemoryRecord is chunk identity + dense vector + tags + payload, the
// unit stored in the memory DB and serialized to disk by the embedding
// handler.
type MemoryRecord struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Tags    TagCollection  `json:"tags"`
	Payload map[string]any `json:"payload"`
}

// ChunkRecordID derives the content-addressed record id for a
// (document, file, part) triple. Re-running a handler regenerates the
// same id, so upserts overwrite instead of duplicating.
func ChunkRecordID(documentID, fileName string, part int) string {
	return fmt.Sprintf("d=%s//f=%s//p=%d", documentID, fileName, part)
}

// Text returns the payload text, or "".
func (r *MemoryRecord) Text() string {
	if s, ok := r.Payload[PayloadText].(string); ok {
		return s
	}
	return ""
}

// EnsureSchema stamps the current schema version when the payload is
// missing one and reports whether an upgrade happened. The upgrade is
// idempotent: applying it to an already-stamped record is a no-op.
func (r *MemoryRecord) EnsureSchema() bool {
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	if _, ok := r.Payload[PayloadSchema]; ok {
		return false
	}
	r.Payload[PayloadSchema] = RecordSchemaVersion
	return true
}
