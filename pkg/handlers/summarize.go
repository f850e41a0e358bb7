package handlers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

const summarizePrompt = "Summarize the following text. Keep every load-bearing fact, name, and number. Text:\n\n"

// SummarizeHandler condenses the extracted text into a single summary
// file bounded by the configured token budget. Downstream steps chunk
// and embed the summary like any other text, tagged synthetic.
type SummarizeHandler struct {
	deps Dependencies
}

// NewSummarizeHandler creates the summarization step handler.
func NewSummarizeHandler(deps Dependencies) *SummarizeHandler {
	return &SummarizeHandler{deps: deps}
}

func (h *SummarizeHandler) Name() string { return types.StepSummarize }

func (h *SummarizeHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	if h.deps.TextGen == nil {
		err := errdefs.Configurationf("no text generator configured for summarization")
		p.AddLog(types.StepSummarize, err.Error())
		return FatalError, err
	}

	if err := clearGenerated(ctx, h.deps.Storage, p, types.StepSummarize); err != nil {
		return Classify(err), err
	}

	var parts []string
	for _, f := range p.GeneratedFiles(types.StepExtract) {
		data, err := h.deps.Storage.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return Classify(err), fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		parts = append(parts, string(data))
	}
	text := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if text == "" {
		return Success, nil
	}

	budget := h.deps.Config.Pipeline.SummaryMaxTokens
	if budget <= 0 {
		budget = 2000
	}

	summary, err := h.reduce(ctx, text, budget)
	if err != nil {
		outcome := Classify(err)
		p.AddLog(types.StepSummarize, fmt.Sprintf("summarization failed: %v", err))
		return outcome, err
	}

	name := summaryFilename(p.DocumentID)
	if err := h.deps.Storage.WriteFile(ctx, p.Index, p.DocumentID, name, bytes.NewReader([]byte(summary))); err != nil {
		return Classify(err), fmt.Errorf("failed to write %s: %w", name, err)
	}
	p.AddFile(types.FileDetails{
		Name:              name,
		Size:              int64(len(summary)),
		MimeType:          decoders.MimeTextPlain,
		IsGenerated:       true,
		GeneratedBy:       types.StepSummarize,
		SentencesComplete: true,
	})
	return Success, nil
}

// reduce summarizes text in rounds until it fits the token budget.
// Each round summarizes windows of the input and joins the results, so
// arbitrarily long documents converge.
func (h *SummarizeHandler) reduce(ctx context.Context, text string, budget int) (string, error) {
	window := h.deps.TextGen.MaxTokenTotal() / 2
	if window < budget {
		window = budget
	}

	for round := 0; round < 4; round++ {
		if h.deps.TextGen.CountTokens(text) <= budget {
			return text, nil
		}
		tokens := ai.Tokenize(text)
		var pieces []string
		for start := 0; start < len(tokens); start += window {
			end := start + window
			if end > len(tokens) {
				end = len(tokens)
			}
			piece, err := h.summarizeOnce(ctx, strings.Join(tokens[start:end], " "), budget)
			if err != nil {
				return "", err
			}
			pieces = append(pieces, piece)
		}
		text = strings.Join(pieces, "\n")
	}

	// Give up on convergence and truncate to the budget.
	tokens := ai.Tokenize(text)
	if len(tokens) > budget {
		tokens = tokens[:budget]
	}
	return strings.Join(tokens, " "), nil
}

func (h *SummarizeHandler) summarizeOnce(ctx context.Context, text string, budget int) (string, error) {
	stream, err := h.deps.TextGen.GenerateText(ctx, summarizePrompt+text, &ai.TextGenerationOptions{
		MaxTokens:   budget,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}
