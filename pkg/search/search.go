package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/types"
)

const answerPrompt = `Answer the question using only the facts below. If the facts do not contain the answer, say "INFO NOT FOUND".

Facts:
%s

Question: %s
Answer:`

// NotFoundAnswer is returned by Ask when retrieval yields nothing.
const NotFoundAnswer = "INFO NOT FOUND"

// Citation is one retrieved chunk backing a search hit or an answer.
type Citation struct {
	DocumentID string              `json:"document_id"`
	FileName   string              `json:"file_name,omitempty"`
	Text       string              `json:"text"`
	Score      float64             `json:"score"`
	Tags       types.TagCollection `json:"tags,omitempty"`
}

// Results is the outcome of a semantic search.
type Results struct {
	Query     string     `json:"query"`
	Citations []Citation `json:"results"`
}

// Answer is the outcome of a grounded question.
type Answer struct {
	Question  string     `json:"question"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Client is the retrieval path: semantic search and grounded answers
// over the records the pipeline persisted.
type Client struct {
	memory   memorydb.MemoryDB
	embedder ai.EmbeddingGenerator
	textgen  ai.TextGenerator
	maxHits  int
}

// NewClient creates a retrieval client. textgen may be nil when only
// Search is used.
func NewClient(memory memorydb.MemoryDB, embedder ai.EmbeddingGenerator, textgen ai.TextGenerator) *Client {
	return &Client{memory: memory, embedder: embedder, textgen: textgen, maxHits: 10}
}

// Search embeds the query and returns the most relevant chunks.
func (c *Client) Search(ctx context.Context, index, query string, filters memorydb.Filters, limit int, minRelevance float64) (*Results, error) {
	if limit <= 0 {
		limit = c.maxHits
	}
	vector, err := c.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	scored, err := c.memory.GetSimilarList(ctx, index, vector, limit, minRelevance, filters, false)
	if errdefs.IsNotFound(err) {
		return &Results{Query: query}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &Results{Query: query}
	for _, s := range scored {
		out.Citations = append(out.Citations, toCitation(s))
	}
	logger := log.WithComponent("search")
	logger.Debug().
		Str("index", index).Int("hits", len(out.Citations)).Msg("search completed")
	return out, nil
}

// Ask retrieves relevant chunks and generates a grounded answer from
// them. Without hits (or a text generator) the answer is NotFoundAnswer.
func (c *Client) Ask(ctx context.Context, index, question string, filters memorydb.Filters, minRelevance float64) (*Answer, error) {
	results, err := c.Search(ctx, index, question, filters, c.maxHits, minRelevance)
	if err != nil {
		return nil, err
	}
	answer := &Answer{Question: question, Citations: results.Citations}
	if len(results.Citations) == 0 || c.textgen == nil {
		answer.Text = NotFoundAnswer
		return answer, nil
	}

	var facts strings.Builder
	budget := c.textgen.MaxTokenTotal() / 2
	used := 0
	for _, cit := range results.Citations {
		cost := c.textgen.CountTokens(cit.Text)
		if used+cost > budget {
			break
		}
		used += cost
		facts.WriteString("- ")
		facts.WriteString(cit.Text)
		facts.WriteString("\n")
	}

	stream, err := c.textgen.GenerateText(ctx, fmt.Sprintf(answerPrompt, facts.String(), question), &ai.TextGenerationOptions{
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	answer.Text = strings.TrimSpace(sb.String())
	if answer.Text == "" {
		answer.Text = NotFoundAnswer
	}
	return answer, nil
}

func toCitation(s memorydb.ScoredRecord) Citation {
	cit := Citation{
		Text:  s.Record.Text(),
		Score: s.Score,
		Tags:  s.Record.Tags,
	}
	if ids, ok := s.Record.Tags[types.TagDocumentID]; ok && len(ids) > 0 {
		cit.DocumentID = ids[0]
	}
	if name, ok := s.Record.Payload[types.PayloadFileName].(string); ok {
		cit.FileName = name
	}
	return cit
}
