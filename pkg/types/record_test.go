package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkRecordIDIsStable(t *testing.T) {
	a := ChunkRecordID("doc-1", "report.pdf", 3)
	b := ChunkRecordID("doc-1", "report.pdf", 3)
	c := ChunkRecordID("doc-1", "report.pdf", 4)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "d=doc-1//f=report.pdf//p=3", a)
}

func TestEnsureSchemaUpgradesOnce(t *testing.T) {
	rec := &MemoryRecord{
		ID:      "r1",
		Payload: map[string]any{PayloadText: "hello"},
	}

	assert.True(t, rec.EnsureSchema())
	assert.Equal(t, RecordSchemaVersion, rec.Payload[PayloadSchema])

	// Idempotent: a second pass changes nothing.
	assert.False(t, rec.EnsureSchema())
	assert.Equal(t, RecordSchemaVersion, rec.Payload[PayloadSchema])
}

func TestEnsureSchemaPreservesExistingVersion(t *testing.T) {
	rec := &MemoryRecord{
		ID:      "r1",
		Payload: map[string]any{PayloadSchema: "v0"},
	}
	assert.False(t, rec.EnsureSchema())
	assert.Equal(t, "v0", rec.Payload[PayloadSchema])
}

func TestRecordText(t *testing.T) {
	rec := &MemoryRecord{Payload: map[string]any{PayloadText: "chunk text"}}
	assert.Equal(t, "chunk text", rec.Text())

	empty := &MemoryRecord{Payload: map[string]any{}}
	assert.Equal(t, "", empty.Text())
}
