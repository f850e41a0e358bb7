package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/metrics"
	"github.com/recallio/kermem/pkg/types"
)

// SaveRecordsHandler loads every embedding record file into the memory
// DB. Records for the document are deleted first, so a re-run (or a
// re-upload with fewer chunks) never leaves stale records behind.
type SaveRecordsHandler struct {
	deps Dependencies
}

// NewSaveRecordsHandler creates the record persistence step handler.
func NewSaveRecordsHandler(deps Dependencies) *SaveRecordsHandler {
	return &SaveRecordsHandler{deps: deps}
}

func (h *SaveRecordsHandler) Name() string { return types.StepSaveRecords }

func (h *SaveRecordsHandler) Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error) {
	vectorSize := h.deps.Config.Embedding.VectorSize
	if err := h.deps.Memory.CreateIndex(ctx, p.Index, vectorSize); err != nil {
		return Classify(err), fmt.Errorf("failed to create index %s: %w", p.Index, err)
	}

	// Delete-then-write keeps (document, chunk) identities stable across
	// re-ingestion.
	byDocument := memorydb.Filters{{types.TagDocumentID: {p.DocumentID}}}
	existing, err := h.deps.Memory.GetList(ctx, p.Index, byDocument, 0, false)
	if err != nil && !errdefs.IsNotFound(err) {
		return Classify(err), fmt.Errorf("failed to list prior records: %w", err)
	}
	for _, rec := range existing {
		if err := h.deps.Memory.Delete(ctx, p.Index, rec); err != nil {
			return Classify(err), fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
		}
		metrics.RecordsDeleted.Inc()
	}

	count := 0
	for _, f := range p.GeneratedFiles(types.StepGenEmbeddings) {
		data, err := h.deps.Storage.ReadFile(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return Classify(err), fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		var record types.MemoryRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return FatalError, errdefs.Validation(fmt.Errorf("failed to decode record %s: %w", f.Name, err))
		}
		if _, err := h.deps.Memory.Upsert(ctx, p.Index, &record); err != nil {
			return Classify(err), fmt.Errorf("failed to upsert record %s: %w", record.ID, err)
		}
		metrics.RecordsUpserted.Inc()
		count++
	}

	logger := log.WithComponent("handler")
	logger.Debug().
		Str("document_id", p.DocumentID).Str("step", types.StepSaveRecords).
		Int("records", count).Msg("saved memory records")
	return Success, nil
}
