package ai

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/recallio/kermem/pkg/errdefs"
)

// HashEmbedder is a deterministic, offline embedding generator: a
// bag-of-words hashed into a fixed number of dimensions and normalized
// to unit length. Texts sharing tokens score high under cosine
// similarity; disjoint texts score near zero. Useful for tests and for
// deployments without a model endpoint.
type HashEmbedder struct {
	dims      int
	maxTokens int
	batchSize int
}

// NewHashEmbedder creates a hash embedder with the given vector size.
func NewHashEmbedder(dims, maxTokens, batchSize int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	if maxTokens <= 0 {
		maxTokens = 8191
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &HashEmbedder{dims: dims, maxTokens: maxTokens, batchSize: batchSize}
}

func (h *HashEmbedder) MaxTokens() int    { return h.maxTokens }
func (h *HashEmbedder) MaxBatchSize() int { return h.batchSize }

func (h *HashEmbedder) CountTokens(text string) int { return TokenCount(text) }

func (h *HashEmbedder) GetTokens(text string) []string { return Tokenize(text) }

// GenerateEmbedding embeds one text.
func (h *HashEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if TokenCount(text) > h.maxTokens {
		return nil, errdefs.Validationf("input exceeds embedding token budget of %d", h.maxTokens)
	}
	vec := make([]float32, h.dims)
	for _, token := range Tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(strings.ToLower(token)))
		vec[int(f.Sum32())%h.dims]++
	}
	normalize(vec)
	return vec, nil
}

// GenerateEmbeddings embeds a batch of texts.
func (h *HashEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > h.batchSize {
		return nil, errdefs.Validationf("batch of %d exceeds max batch size %d", len(texts), h.batchSize)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
