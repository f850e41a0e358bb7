package handlers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/types"
)

// ExtractHandler decodes every uploaded file into plain-text section
// files, one generated .txt per section.
type ExtractHandler struct {
	deps Dependencies
}

// NewExtractHandler creates the extraction step handler.
func NewExtractHandler(deps Dependencies) *ExtractHandler {
	return &ExtractHandler{deps: deps}
}

func (h *ExtractHandler) Name() string { return types.StepExtract }

func (h *ExtractHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	logger := log.WithComponent("handler").With().
		Str("document_id", p.DocumentID).Str("step", types.StepExtract).Logger()

	if err := clearGenerated(ctx, h.deps.Storage, p, types.StepExtract); err != nil {
		return Classify(err), err
	}

	for _, f := range p.Files {
		if f.IsGenerated {
			continue
		}
		mime := f.MimeType
		if mime == "" || mime == decoders.MimeOctetStream {
			mime = decoders.MimeFromFilename(f.Name)
		}
		decoder, err := h.deps.Decoders.Lookup(mime)
		if err != nil {
			p.AddLog(types.StepExtract, err.Error())
			return FatalError, err
		}

		data, err := h.deps.Storage.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return Classify(err), fmt.Errorf("failed to read %s: %w", f.Name, err)
		}

		content, err := decoder.Decode(ctx, f.Name, data)
		if err != nil {
			p.AddLog(types.StepExtract, fmt.Sprintf("decoding %s failed: %v", f.Name, err))
			return Classify(err), err
		}

		for _, section := range content.Sections {
			name := extractFilename(f.Name, section.Number)
			text := []byte(section.Text)
			if err := h.deps.Storage.WriteFile(ctx, p.Index, p.DocumentID, name, bytes.NewReader(text)); err != nil {
				return Classify(err), fmt.Errorf("failed to write %s: %w", name, err)
			}
			p.AddFile(types.FileDetails{
				Name:              name,
				Size:              int64(len(text)),
				MimeType:          decoders.MimeTextPlain,
				IsGenerated:       true,
				GeneratedBy:       types.StepExtract,
				ParentFile:        f.Name,
				SectionNumber:     section.Number,
				SentencesComplete: section.SentencesComplete,
			})
		}
		logger.Debug().Str("file", f.Name).Int("sections", len(content.Sections)).Msg("extracted text sections")
	}
	return Success, nil
}
