package handlers

import (
	"context"
	"fmt"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/metrics"
	"github.com/recallio/kermem/pkg/types"
)

// DeleteDocumentHandler removes a document's memory records and stored
// files. Running it against an already-deleted document succeeds.
type DeleteDocumentHandler struct {
	deps Dependencies
}

// NewDeleteDocumentHandler creates the document deletion step handler.
func NewDeleteDocumentHandler(deps Dependencies) *DeleteDocumentHandler {
	return &DeleteDocumentHandler{deps: deps}
}

func (h *DeleteDocumentHandler) Name() string { return types.StepDeleteDoc }

func (h *DeleteDocumentHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	byDocument := memorydb.Filters{{types.TagDocumentID: {p.DocumentID}}}
	records, err := h.deps.Memory.GetList(ctx, p.Index, byDocument, 0, false)
	if err != nil && !errdefs.IsNotFound(err) {
		return Classify(err), fmt.Errorf("failed to list records of %s: %w", p.DocumentID, err)
	}
	for _, rec := range records {
		if err := h.deps.Memory.Delete(ctx, p.Index, rec); err != nil {
			return Classify(err), fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
		}
		metrics.RecordsDeleted.Inc()
	}

	if err := h.deps.Storage.DeleteDocument(ctx, p.Index, p.DocumentID); err != nil && !errdefs.IsNotFound(err) {
		return Classify(err), fmt.Errorf("failed to delete document files: %w", err)
	}

	logger := log.WithComponent("handler")
	logger.Info().
		Str("index", p.Index).Str("document_id", p.DocumentID).
		Int("records", len(records)).Msg("document deleted")
	return Success, nil
}

// DeleteIndexHandler removes an entire index: its memory collection and
// every stored document. Idempotent.
type DeleteIndexHandler struct {
	deps Dependencies
}

// NewDeleteIndexHandler creates the index deletion step handler.
func NewDeleteIndexHandler(deps Dependencies) *DeleteIndexHandler {
	return &DeleteIndexHandler{deps: deps}
}

func (h *DeleteIndexHandler) Name() string { return types.StepDeleteIndex }

func (h *DeleteIndexHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	if err := h.deps.Memory.DeleteIndex(ctx, p.Index); err != nil {
		return Classify(err), fmt.Errorf("failed to delete index collection: %w", err)
	}
	if err := h.deps.Storage.DeleteIndex(ctx, p.Index); err != nil && !errdefs.IsNotFound(err) {
		return Classify(err), fmt.Errorf("failed to delete index files: %w", err)
	}
	logger := log.WithComponent("handler")
	logger.Info().Str("index", p.Index).Msg("index deleted")
	return Success, nil
}
