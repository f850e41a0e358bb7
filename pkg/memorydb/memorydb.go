package memorydb

import (
	"context"
	"math"

	"github.com/recallio/kermem/pkg/types"
)

// Filter is a conjunction of tag equalities: every (key, value) pair
// must be present on a record's tags for the filter to match.
type Filter map[string][]string

// Filters is a disjunction of Filter clauses: a record matches when at
// least one clause matches (disjunctive normal form). An empty Filters
// matches everything.
type Filters []Filter

// Match evaluates the DNF against a tag collection.
func (fs Filters) Match(tags types.TagCollection) bool {
	if len(fs) == 0 {
		return true
	}
	for _, clause := range fs {
		if clause.match(tags) {
			return true
		}
	}
	return false
}

func (f Filter) match(tags types.TagCollection) bool {
	for key, values := range f {
		for _, v := range values {
			if !tags.Contains(key, v) {
				return false
			}
		}
	}
	return true
}

// ScoredRecord pairs a record with its relevance score.
type ScoredRecord struct {
	Record *types.MemoryRecord
	Score  float64
}

// MemoryDB is the vector + tag store the pipeline populates and the
// retrieval path reads. Index names are normalized by the adapter
// before hitting the underlying store.
type MemoryDB interface {
	// CreateIndex creates a collection for vectors of the given size.
	// Creating an existing index is a no-op.
	CreateIndex(ctx context.Context, index string, vectorSize int) error

	// DeleteIndex removes a collection. Idempotent.
	DeleteIndex(ctx context.Context, index string) error

	// ListIndexes returns the normalized names of all collections.
	ListIndexes(ctx context.Context) ([]string, error)

	// Upsert inserts or replaces a record by id and returns the id.
	// The record's payload schema is stamped before writing.
	Upsert(ctx context.Context, index string, record *types.MemoryRecord) (string, error)

	// GetList returns up to limit records matching the filters.
	// Vectors are omitted unless withEmbeddings is set.
	GetList(ctx context.Context, index string, filters Filters, limit int, withEmbeddings bool) ([]*types.MemoryRecord, error)

	// GetSimilarList returns up to limit records scored by cosine
	// similarity against the query vector, highest first, excluding
	// results under minRelevance.
	GetSimilarList(ctx context.Context, index string, query []float32, limit int, minRelevance float64, filters Filters, withEmbeddings bool) ([]ScoredRecord, error)

	// Delete removes a record by id. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, index string, record *types.MemoryRecord) error

	// Close releases resources.
	Close() error
}

// CosineSimilarity computes the cosine of the angle between two
// vectors. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
