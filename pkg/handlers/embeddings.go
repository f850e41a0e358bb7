package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/metrics"
	"github.com/recallio/kermem/pkg/types"
)

// EmbeddingsHandler turns every chunk file into a serialized embedding
// record file, batching calls to the embedding generator.
type EmbeddingsHandler struct {
	deps Dependencies
}

// NewEmbeddingsHandler creates the embedding generation step handler.
func NewEmbeddingsHandler(deps Dependencies) *EmbeddingsHandler {
	return &EmbeddingsHandler{deps: deps}
}

func (h *EmbeddingsHandler) Name() string { return types.StepGenEmbeddings }

func (h *EmbeddingsHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	if h.deps.Embedder == nil {
		err := errdefs.Configurationf("no embedding generator configured")
		p.AddLog(types.StepGenEmbeddings, err.Error())
		return FatalError, err
	}

	if err := clearGenerated(ctx, h.deps.Storage, p, types.StepGenEmbeddings); err != nil {
		return Classify(err), err
	}

	chunks, err := h.loadChunks(ctx, p)
	if err != nil {
		return Classify(err), err
	}

	// The generator enforces its own budget; checking up front turns an
	// oversized chunk into a fatal validation failure before any API call.
	for _, c := range chunks {
		if h.deps.Embedder.CountTokens(c.Text) > h.deps.Embedder.MaxTokens() {
			err := errdefs.Validationf("chunk %s part %d exceeds embedding token budget of %d",
				c.FileName, c.Ordinal, h.deps.Embedder.MaxTokens())
			p.AddLog(types.StepGenEmbeddings, err.Error())
			return FatalError, err
		}
	}

	vectors := make([][]float32, len(chunks))
	batchSize := h.deps.Embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	workers := h.deps.Config.Pipeline.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			texts := make([]string, end-start)
			for i, c := range chunks[start:end] {
				texts[i] = c.Text
			}
			batch, err := h.deps.Embedder.GenerateEmbeddings(gctx, texts)
			if err != nil {
				return err
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		outcome := Classify(err)
		p.AddLog(types.StepGenEmbeddings, fmt.Sprintf("embedding generation failed: %v", err))
		return outcome, err
	}

	for i, c := range chunks {
		record := &types.MemoryRecord{
			ID:     types.ChunkRecordID(c.DocumentID, c.FileName, c.Ordinal),
			Vector: vectors[i],
			Tags:   c.Tags,
			Payload: map[string]any{
				types.PayloadText:       c.Text,
				types.PayloadFileName:   c.FileName,
				types.PayloadLastUpdate: time.Now().UTC().Format(time.RFC3339),
			},
		}
		record.EnsureSchema()

		payload, err := json.Marshal(record)
		if err != nil {
			return FatalError, fmt.Errorf("failed to encode embedding record: %w", err)
		}
		name := embeddingFilename(c.FileName, c.Ordinal)
		if err := h.deps.Storage.WriteFile(ctx, p.Index, p.DocumentID, name, bytes.NewReader(payload)); err != nil {
			return Classify(err), fmt.Errorf("failed to write %s: %w", name, err)
		}
		p.AddFile(types.FileDetails{
			Name:        name,
			Size:        int64(len(payload)),
			MimeType:    decoders.MimeJSON,
			IsGenerated: true,
			GeneratedBy: types.StepGenEmbeddings,
			ParentFile:  c.FileName,
		})
		metrics.EmbeddingsGenerated.Inc()
	}

	logger := log.WithComponent("handler")
	logger.Debug().
		Str("document_id", p.DocumentID).Str("step", types.StepGenEmbeddings).
		Int("records", len(chunks)).Msg("generated embedding records")
	return Success, nil
}

func (h *EmbeddingsHandler) loadChunks(ctx context.Context, p *types.Pipeline) ([]types.DataChunk, error) {
	var chunks []types.DataChunk
	for _, f := range p.GeneratedFiles(types.StepPartition) {
		data, err := h.deps.Storage.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		var chunk types.DataChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, errdefs.Validation(fmt.Errorf("failed to decode chunk %s: %w", f.Name, err))
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
