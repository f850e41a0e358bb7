package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/types"
)

// scriptedGenerator returns a fixed completion and records the prompt.
type scriptedGenerator struct {
	reply  string
	prompt string
}

func (g *scriptedGenerator) MaxTokenTotal() int             { return 1000 }
func (g *scriptedGenerator) CountTokens(text string) int    { return ai.TokenCount(text) }
func (g *scriptedGenerator) GetTokens(text string) []string { return ai.Tokenize(text) }

func (g *scriptedGenerator) GenerateText(ctx context.Context, prompt string, opts *ai.TextGenerationOptions) (<-chan ai.StreamChunk, error) {
	g.prompt = prompt
	ch := make(chan ai.StreamChunk, 2)
	// Stream in two chunks to exercise reassembly.
	half := len(g.reply) / 2
	ch <- ai.StreamChunk{Text: g.reply[:half]}
	ch <- ai.StreamChunk{Text: g.reply[half:]}
	close(ch)
	return ch, nil
}

func seedIndex(t *testing.T, db memorydb.MemoryDB, embedder ai.EmbeddingGenerator, texts map[string]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "default", 32))
	for id, text := range texts {
		vector, err := embedder.GenerateEmbedding(ctx, text)
		require.NoError(t, err)
		rec := &types.MemoryRecord{
			ID:     id,
			Vector: vector,
			Tags:   types.TagCollection{types.TagDocumentID: {id}},
			Payload: map[string]any{
				types.PayloadText: text,
			},
		}
		rec.EnsureSchema()
		_, err = db.Upsert(ctx, "default", rec)
		require.NoError(t, err)
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	db := memorydb.NewInMemoryDB()
	embedder := ai.NewHashEmbedder(32, 0, 0)
	seedIndex(t, db, embedder, map[string]string{
		"doc-fox":   "the quick brown fox jumps over the lazy dog",
		"doc-stock": "quarterly earnings exceeded analyst expectations",
	})

	c := NewClient(db, embedder, nil)
	results, err := c.Search(context.Background(), "default", "quick brown fox", nil, 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results.Citations)
	assert.Equal(t, "doc-fox", results.Citations[0].DocumentID)
	assert.Contains(t, results.Citations[0].Text, "fox")
}

func TestSearchUnknownIndexIsEmpty(t *testing.T) {
	c := NewClient(memorydb.NewInMemoryDB(), ai.NewHashEmbedder(32, 0, 0), nil)
	results, err := c.Search(context.Background(), "missing", "anything", nil, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results.Citations)
}

func TestAskGroundsPromptInRetrievedFacts(t *testing.T) {
	db := memorydb.NewInMemoryDB()
	embedder := ai.NewHashEmbedder(32, 0, 0)
	seedIndex(t, db, embedder, map[string]string{
		"doc-1": "the eiffel tower is 330 meters tall",
	})

	gen := &scriptedGenerator{reply: "It is 330 meters tall."}
	c := NewClient(db, embedder, gen)

	answer, err := c.Ask(context.Background(), "default", "how tall is the eiffel tower", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "It is 330 meters tall.", answer.Text)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, "doc-1", answer.Citations[0].DocumentID)

	// The retrieved fact appears in the prompt sent to the generator.
	assert.Contains(t, gen.prompt, "eiffel tower is 330 meters")
	assert.Contains(t, gen.prompt, "how tall is the eiffel tower")
}

func TestAskWithoutHitsReturnsNotFound(t *testing.T) {
	gen := &scriptedGenerator{reply: "should never be called"}
	c := NewClient(memorydb.NewInMemoryDB(), ai.NewHashEmbedder(32, 0, 0), gen)

	answer, err := c.Ask(context.Background(), "missing", "anything at all", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, NotFoundAnswer, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, gen.prompt)
}

func TestAskWithoutGeneratorReturnsNotFound(t *testing.T) {
	db := memorydb.NewInMemoryDB()
	embedder := ai.NewHashEmbedder(32, 0, 0)
	seedIndex(t, db, embedder, map[string]string{
		"doc-1": "facts without a generator to read them",
	})

	c := NewClient(db, embedder, nil)
	answer, err := c.Ask(context.Background(), "default", "facts generator", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, NotFoundAnswer, answer.Text)
	assert.NotEmpty(t, answer.Citations)
}

func TestAskBlankStreamFallsBackToNotFound(t *testing.T) {
	db := memorydb.NewInMemoryDB()
	embedder := ai.NewHashEmbedder(32, 0, 0)
	seedIndex(t, db, embedder, map[string]string{
		"doc-1": "some indexed content",
	})

	gen := &scriptedGenerator{reply: "  \n "}
	c := NewClient(db, embedder, gen)
	answer, err := c.Ask(context.Background(), "default", "indexed content", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, NotFoundAnswer, answer.Text)
	assert.True(t, strings.TrimSpace(answer.Text) != "")
}
