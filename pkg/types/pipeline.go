package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// PipelineStatusFilename is the reserved key under which pipeline state
// is persisted in document storage.
const PipelineStatusFilename = "__pipeline_status.json"

// PipelineSchemaVersion is stamped on every persisted pipeline document.
const PipelineSchemaVersion = "kermem-pipeline-v1"

// PipelineStatus is the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelineStatusPending    PipelineStatus = "pending"
	PipelineStatusInProgress PipelineStatus = "in-progress"
	PipelineStatusCompleted  PipelineStatus = "completed"
	PipelineStatusFailed     PipelineStatus = "failed"
)

// Pipeline is the persistent state machine driving a document through
// ordered handler steps. At rest, Steps = CompletedSteps ++ RemainingSteps.
type Pipeline struct {
	Schema         string         `json:"schema"`
	Index          string         `json:"index"`
	DocumentID     string         `json:"document_id"`
	ExecutionID    string         `json:"execution_id"`
	Files          []FileDetails  `json:"files"`
	Tags           TagCollection  `json:"tags"`
	Steps          []string       `json:"steps"`
	RemainingSteps []string       `json:"remaining_steps"`
	CompletedSteps []string       `json:"completed_steps"`
	Logs           []LogEntry     `json:"logs"`
	Status         PipelineStatus `json:"status"`
	Retries        map[string]int `json:"retries,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// extra preserves unknown JSON fields across read-modify-write cycles
	// so newer writers do not lose data persisted by future versions.
	extra map[string]json.RawMessage
}

// pipelineAlias avoids recursion in the custom JSON codecs.
type pipelineAlias Pipeline

// knownPipelineFields mirrors the json tags above.
var knownPipelineFields = []string{
	"schema", "index", "document_id", "execution_id", "files", "tags",
	"steps", "remaining_steps", "completed_steps", "logs", "status",
	"retries", "created_at", "updated_at",
}

// UnmarshalJSON decodes the known fields and stashes everything else.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	var alias pipelineAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownPipelineFields {
		delete(raw, k)
	}
	*p = Pipeline(alias)
	if len(raw) > 0 {
		p.extra = raw
	}
	return nil
}

// MarshalJSON re-emits preserved unknown fields alongside the known ones.
func (p Pipeline) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(pipelineAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Complete reports whether every step has run.
func (p *Pipeline) Complete() bool {
	return len(p.RemainingSteps) == 0
}

// NextStep returns the head of the remaining step queue, or "".
func (p *Pipeline) NextStep() string {
	if len(p.RemainingSteps) == 0 {
		return ""
	}
	return p.RemainingSteps[0]
}

// AdvanceStep moves the head of RemainingSteps to CompletedSteps.
func (p *Pipeline) AdvanceStep() error {
	if len(p.RemainingSteps) == 0 {
		return fmt.Errorf("no remaining steps to advance")
	}
	step := p.RemainingSteps[0]
	p.RemainingSteps = p.RemainingSteps[1:]
	p.CompletedSteps = append(p.CompletedSteps, step)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordRetry bumps the retry counter for a step.
func (p *Pipeline) RecordRetry(step string) {
	if p.Retries == nil {
		p.Retries = map[string]int{}
	}
	p.Retries[step]++
}

// AddLog appends a diagnostic entry for a handler.
func (p *Pipeline) AddLog(step, message string) {
	p.Logs = append(p.Logs, LogEntry{
		Step:      step,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// AddFile registers a file descriptor, replacing a previous descriptor
// with the same name so handler re-runs do not duplicate entries.
func (p *Pipeline) AddFile(f FileDetails) {
	for i := range p.Files {
		if p.Files[i].Name == f.Name {
			p.Files[i] = f
			return
		}
	}
	p.Files = append(p.Files, f)
}

// GeneratedFiles returns descriptors produced by the named step.
func (p *Pipeline) GeneratedFiles(step string) []FileDetails {
	var out []FileDetails
	for _, f := range p.Files {
		if f.IsGenerated && f.GeneratedBy == step {
			out = append(out, f)
		}
	}
	return out
}

// RemoveGeneratedFiles drops descriptors produced by the named step and
// returns the removed entries, so a re-running handler can clear its own
// prior partial output.
func (p *Pipeline) RemoveGeneratedFiles(step string) []FileDetails {
	var kept []FileDetails
	var removed []FileDetails
	for _, f := range p.Files {
		if f.IsGenerated && f.GeneratedBy == step {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	p.Files = kept
	return removed
}

// CheckInvariants verifies Steps = CompletedSteps ++ RemainingSteps.
func (p *Pipeline) CheckInvariants() error {
	if len(p.CompletedSteps)+len(p.RemainingSteps) != len(p.Steps) {
		return fmt.Errorf("step lists out of balance: %d completed + %d remaining != %d steps",
			len(p.CompletedSteps), len(p.RemainingSteps), len(p.Steps))
	}
	for i, s := range p.CompletedSteps {
		if p.Steps[i] != s {
			return fmt.Errorf("completed step %d is %q, want %q", i, s, p.Steps[i])
		}
	}
	for i, s := range p.RemainingSteps {
		if p.Steps[len(p.CompletedSteps)+i] != s {
			return fmt.Errorf("remaining step %d is %q, want %q", i, s, p.Steps[len(p.CompletedSteps)+i])
		}
	}
	return nil
}
