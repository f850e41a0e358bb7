package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline() *Pipeline {
	steps := DefaultSteps()
	return &Pipeline{
		Schema:         PipelineSchemaVersion,
		Index:          "default",
		DocumentID:     "doc-1",
		ExecutionID:    "exec-1",
		Tags:           TagCollection{"type": {"news"}},
		Steps:          append([]string(nil), steps...),
		RemainingSteps: append([]string(nil), steps...),
		Status:         PipelineStatusPending,
	}
}

func TestPipelineAdvanceStep(t *testing.T) {
	p := newTestPipeline()

	assert.Equal(t, StepExtract, p.NextStep())
	assert.NoError(t, p.CheckInvariants())

	require.NoError(t, p.AdvanceStep())
	assert.Equal(t, []string{StepExtract}, p.CompletedSteps)
	assert.Equal(t, StepPartition, p.NextStep())
	assert.NoError(t, p.CheckInvariants())

	for !p.Complete() {
		require.NoError(t, p.AdvanceStep())
	}
	assert.Equal(t, p.Steps, p.CompletedSteps)
	assert.Empty(t, p.RemainingSteps)
	assert.NoError(t, p.CheckInvariants())

	assert.Error(t, p.AdvanceStep())
}

func TestPipelineInvariantViolationDetected(t *testing.T) {
	p := newTestPipeline()
	p.CompletedSteps = []string{StepPartition} // wrong order
	p.RemainingSteps = p.Steps[1:]
	assert.Error(t, p.CheckInvariants())

	p = newTestPipeline()
	p.RemainingSteps = p.Steps[:2] // lists out of balance
	assert.Error(t, p.CheckInvariants())
}

func TestPipelineUnknownFieldsSurviveRoundTrip(t *testing.T) {
	// A future writer adds a field this version does not know about.
	raw := []byte(`{
		"schema": "kermem-pipeline-v1",
		"index": "default",
		"document_id": "doc-1",
		"execution_id": "exec-1",
		"steps": ["extract"],
		"remaining_steps": ["extract"],
		"completed_steps": [],
		"status": "pending",
		"future_field": {"nested": [1, 2, 3]}
	}`)

	var p Pipeline
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "doc-1", p.DocumentID)

	// Mutate and re-serialize the way a handler cycle would.
	p.AddLog(StepExtract, "done")
	out, err := json.Marshal(&p)
	require.NoError(t, err)

	var echo map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &echo))
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(echo["future_field"]))
}

func TestPipelineAddFileReplacesByName(t *testing.T) {
	p := newTestPipeline()
	p.AddFile(FileDetails{Name: "a.txt", Size: 10})
	p.AddFile(FileDetails{Name: "a.txt", Size: 20})
	p.AddFile(FileDetails{Name: "b.txt", Size: 5})

	require.Len(t, p.Files, 2)
	assert.Equal(t, int64(20), p.Files[0].Size)
}

func TestPipelineGeneratedFiles(t *testing.T) {
	p := newTestPipeline()
	p.AddFile(FileDetails{Name: "in.txt"})
	p.AddFile(FileDetails{Name: "in.txt.extract.001.txt", IsGenerated: true, GeneratedBy: StepExtract})
	p.AddFile(FileDetails{Name: "in.txt.partition.000.json", IsGenerated: true, GeneratedBy: StepPartition})

	assert.Len(t, p.GeneratedFiles(StepExtract), 1)

	removed := p.RemoveGeneratedFiles(StepExtract)
	assert.Len(t, removed, 1)
	assert.Len(t, p.Files, 2)
	assert.Empty(t, p.GeneratedFiles(StepExtract))
}
