package handlers

import (
	"context"
	"fmt"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/config"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/storage"
	"github.com/recallio/kermem/pkg/types"
)

// Outcome is a handler's verdict on one step execution.
type Outcome int

const (
	// Success advances the pipeline to the next step.
	Success Outcome = iota
	// TransientError asks for redelivery; the step will re-run.
	TransientError
	// FatalError fails the pipeline without further retries.
	FatalError
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientError:
		return "transient"
	case FatalError:
		return "fatal"
	}
	return "unknown"
}

// Handler executes one pipeline step. Invoke mutates the pipeline in
// place (appending generated file descriptors and log entries); the
// orchestrator persists the updated state on Success. Handlers must be
// idempotent against their own prior partial output: each one clears
// what it previously generated before writing anew.
type Handler interface {
	// Name returns the step name the handler is registered under.
	Name() string

	// Invoke runs the step against the pipeline's current state.
	Invoke(ctx context.Context, p *types.Pipeline) (Outcome, error)
}

// Dependencies carries the shared collaborators handlers draw on.
type Dependencies struct {
	Storage  storage.DocumentStore
	Memory   memorydb.MemoryDB
	Embedder ai.EmbeddingGenerator
	TextGen  ai.TextGenerator
	Decoders *decoders.Registry
	Config   *config.Config
}

// Classify maps an error to the outcome it warrants. Validation and
// configuration errors are fatal; everything else (storage, network,
// model endpoints) is assumed recoverable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errdefs.IsValidation(err), errdefs.IsConfiguration(err):
		return FatalError
	case errdefs.IsNotFound(err):
		return FatalError
	default:
		return TransientError
	}
}

// Generated file naming. Each step derives its output names from the
// source file so re-runs overwrite instead of accumulating.

func extractFilename(source string, section int) string {
	return fmt.Sprintf("%s.extract.%03d.txt", source, section)
}

func partitionFilename(source string, ordinal int) string {
	return fmt.Sprintf("%s.partition.%03d.json", source, ordinal)
}

func embeddingFilename(source string, ordinal int) string {
	return fmt.Sprintf("%s.embedding.%03d.json", source, ordinal)
}

func summaryFilename(documentID string) string {
	return fmt.Sprintf("%s.summary.txt", documentID)
}

// clearGenerated removes a step's prior output from both the pipeline
// descriptor list and storage, making re-runs idempotent.
func clearGenerated(ctx context.Context, store storage.DocumentStore, p *types.Pipeline, step string) error {
	for _, f := range p.RemoveGeneratedFiles(step) {
		if err := store.DeleteFile(ctx, p.Index, p.DocumentID, f.Name); err != nil {
			return fmt.Errorf("failed to clear prior output of %s: %w", step, err)
		}
	}
	return nil
}
