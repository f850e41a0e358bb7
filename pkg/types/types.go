package types

import (
	"time"
)

// Default ingestion steps, executed in order.
const (
	StepExtract       = "extract"
	StepPartition     = "partition"
	StepGenEmbeddings = "gen_embeddings"
	StepSaveRecords   = "save_records"
	StepSummarize     = "summarize"
	StepDeleteDoc     = "delete_document"
	StepDeleteIndex   = "delete_index"
)

// DefaultSteps returns the standard ingestion step list.
func DefaultSteps() []string {
	return []string{StepExtract, StepPartition, StepGenEmbeddings, StepSaveRecords}
}

// Reserved tag keys attached to generated chunks and records.
const (
	TagDocumentID = "__document_id"
	TagFileID     = "__file_id"
	TagFilePart   = "__file_part"
	TagFileType   = "__file_type"
	TagSynthetic  = "__synthetic"
)

// SyntheticSummary marks records derived from a generated summary
// rather than from original document text.
const SyntheticSummary = "summary"

// TagCollection maps a tag key to an ordered list of values.
// One key may carry multiple values; values are never removed,
// only appended (tags added at upload are immutable, tags added
// by handlers are append-only).
type TagCollection map[string][]string

// Add appends a value to a tag key.
func (t TagCollection) Add(key, value string) {
	t[key] = append(t[key], value)
}

// Contains reports whether key carries the given value.
func (t TagCollection) Contains(key, value string) bool {
	for _, v := range t[key] {
		if v == value {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the collection.
func (t TagCollection) Clone() TagCollection {
	out := make(TagCollection, len(t))
	for k, vs := range t {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// MergeFrom appends all pairs from other into t.
func (t TagCollection) MergeFrom(other TagCollection) {
	for k, vs := range other {
		t[k] = append(t[k], vs...)
	}
}

// FileDetails describes a file attached to a document. Uploaded files
// have IsGenerated=false; files produced by handlers carry the
// producing step name and, for extracted sections, the section metadata
// the partitioner needs.
type FileDetails struct {
	Name              string `json:"name"`
	Size              int64  `json:"size"`
	MimeType          string `json:"mime_type"`
	IsGenerated       bool   `json:"generated"`
	GeneratedBy       string `json:"generated_by,omitempty"`
	ParentFile        string `json:"parent_file,omitempty"`
	SectionNumber     int    `json:"section_number,omitempty"`
	SentencesComplete bool   `json:"sentences_complete,omitempty"`
}

// Section is a contiguous region of decoded text, e.g. a page or a slide.
type Section struct {
	Number int    `json:"number"`
	Text   string `json:"text"`

	// SentencesComplete is true when the source format guarantees no
	// sentence spills across section boundaries (slides, spreadsheet
	// rows). Flowing text such as PDF pages sets it to false.
	SentencesComplete bool `json:"sentences_complete"`
}

// FileContent is the output of a content decoder: ordered sections of text.
type FileContent struct {
	Sections []Section `json:"sections"`
}

// DataChunk is the atomic unit of embedding and retrieval: a bounded
// text fragment produced by the partitioning handler.
type DataChunk struct {
	Index             string        `json:"index"`
	DocumentID        string        `json:"document_id"`
	FileName          string        `json:"file_name"`
	SectionNumber     int           `json:"section_number"`
	Ordinal           int           `json:"part_number"`
	Text              string        `json:"text"`
	TokenCount        int           `json:"token_count"`
	SentencesComplete bool          `json:"sentences_complete"`
	Tags              TagCollection `json:"tags"`
}

// Message is the queue payload. It carries identity only; workers read
// authoritative pipeline state from document storage.
type Message struct {
	Index       string `json:"index"`
	DocumentID  string `json:"document_id"`
	ExecutionID string `json:"execution_id"`
}

// LogEntry is an append-only per-handler diagnostic record on a pipeline.
type LogEntry struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
