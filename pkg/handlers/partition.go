package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/types"
)

// PartitionHandler chunks extracted (and summarized) text into bounded
// token windows, each carrying the document's tags plus the reserved
// chunk identity tags.
type PartitionHandler struct {
	deps Dependencies
}

// NewPartitionHandler creates the partitioning step handler.
func NewPartitionHandler(deps Dependencies) *PartitionHandler {
	return &PartitionHandler{deps: deps}
}

func (h *PartitionHandler) Name() string { return types.StepPartition }

func (h *PartitionHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	cfg := h.deps.Config.Pipeline
	if cfg.MaxTokensPerLine > cfg.MaxTokensPerParagraph {
		err := errdefs.Configurationf("max tokens per line %d exceeds max tokens per paragraph %d",
			cfg.MaxTokensPerLine, cfg.MaxTokensPerParagraph)
		p.AddLog(types.StepPartition, err.Error())
		return FatalError, err
	}
	if cfg.OverlappingTokens >= cfg.MaxTokensPerParagraph {
		err := errdefs.Configurationf("overlapping tokens %d must be below max tokens per paragraph %d",
			cfg.OverlappingTokens, cfg.MaxTokensPerParagraph)
		p.AddLog(types.StepPartition, err.Error())
		return FatalError, err
	}

	if err := clearGenerated(ctx, h.deps.Storage, p, types.StepPartition); err != nil {
		return Classify(err), err
	}

	logger := log.WithComponent("handler").With().
		Str("document_id", p.DocumentID).Str("step", types.StepPartition).Logger()

	// Ordinals are monotonic per source file across all of its sections.
	ordinals := map[string]int{}

	for _, f := range p.Files {
		if !f.IsGenerated || (f.GeneratedBy != types.StepExtract && f.GeneratedBy != types.StepSummarize) {
			continue
		}
		source := f.ParentFile
		if source == "" {
			source = f.Name
		}

		data, err := h.deps.Storage.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return Classify(err), fmt.Errorf("failed to read %s: %w", f.Name, err)
		}

		tokens := ai.Tokenize(string(data))
		for _, window := range chunkTokens(tokens, cfg.MaxTokensPerParagraph, cfg.OverlappingTokens, f.SentencesComplete) {
			ordinal := ordinals[source]
			ordinals[source]++

			chunk := types.DataChunk{
				Index:             p.Index,
				DocumentID:        p.DocumentID,
				FileName:          source,
				SectionNumber:     f.SectionNumber,
				Ordinal:           ordinal,
				Text:              joinWindow(window, cfg.MaxTokensPerLine),
				TokenCount:        len(window),
				SentencesComplete: f.SentencesComplete,
				Tags:              chunkTags(p, f, source, ordinal),
			}

			payload, err := json.Marshal(chunk)
			if err != nil {
				return FatalError, fmt.Errorf("failed to encode chunk: %w", err)
			}
			name := partitionFilename(source, ordinal)
			if err := h.deps.Storage.WriteFile(ctx, p.Index, p.DocumentID, name, bytes.NewReader(payload)); err != nil {
				return Classify(err), fmt.Errorf("failed to write %s: %w", name, err)
			}
			p.AddFile(types.FileDetails{
				Name:        name,
				Size:        int64(len(payload)),
				MimeType:    decoders.MimeJSON,
				IsGenerated: true,
				GeneratedBy: types.StepPartition,
				ParentFile:  source,
			})
		}
	}

	total := 0
	for _, n := range ordinals {
		total += n
	}
	logger.Debug().Int("chunks", total).Msg("partitioned document")
	return Success, nil
}

// chunkTokens splits tokens into windows of at most maxTokens with the
// requested overlap between adjacent windows. The stride is always at
// least one token, so the loop terminates even at overlap = max-1.
// Sources with complete sentences suppress overlap entirely: no
// sentence spills across a window edge worth stitching.
func chunkTokens(tokens []string, maxTokens, overlap int, sentencesComplete bool) [][]string {
	if len(tokens) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	if sentencesComplete {
		overlap = 0
	}
	stride := maxTokens - overlap
	if stride < 1 {
		stride = 1
	}
	var windows [][]string
	for start := 0; start < len(tokens); start += stride {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		windows = append(windows, tokens[start:end])
		if end == len(tokens) {
			break
		}
	}
	return windows
}

// joinWindow renders a token window as text, wrapping to a new line
// every maxPerLine tokens.
func joinWindow(window []string, maxPerLine int) string {
	if maxPerLine <= 0 || maxPerLine >= len(window) {
		return strings.Join(window, " ")
	}
	var lines []string
	for start := 0; start < len(window); start += maxPerLine {
		end := start + maxPerLine
		if end > len(window) {
			end = len(window)
		}
		lines = append(lines, strings.Join(window[start:end], " "))
	}
	return strings.Join(lines, "\n")
}

func chunkTags(p *types.Pipeline, f types.FileDetails, source string, ordinal int) types.TagCollection {
	tags := p.Tags.Clone()
	tags.Add(types.TagDocumentID, p.DocumentID)
	tags.Add(types.TagFileID, source)
	tags.Add(types.TagFilePart, strconv.Itoa(ordinal))
	if f.GeneratedBy == types.StepSummarize {
		tags.Add(types.TagSynthetic, types.SyntheticSummary)
	}
	return tags
}
