package openai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/errdefs"
)

// Config selects the OpenAI models and credentials.
type Config struct {
	APIKey         string
	EmbeddingModel string
	TextModel      string
	MaxTokens      int
	MaxBatchSize   int
	MaxTokenTotal  int
}

// Embedder generates embeddings through the OpenAI API via langchaingo.
type Embedder struct {
	llm       *openai.LLM
	maxTokens int
	batchSize int
}

// NewEmbedder creates an OpenAI-backed embedding generator.
func NewEmbedder(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.Configurationf("openai api key is not set")
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, errdefs.Configuration(fmt.Errorf("failed to create openai client: %w", err))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8191
	}
	batchSize := cfg.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Embedder{llm: llm, maxTokens: maxTokens, batchSize: batchSize}, nil
}

func (e *Embedder) MaxTokens() int    { return e.maxTokens }
func (e *Embedder) MaxBatchSize() int { return e.batchSize }

func (e *Embedder) CountTokens(text string) int { return ai.TokenCount(text) }

func (e *Embedder) GetTokens(text string) []string { return ai.Tokenize(text) }

// GenerateEmbedding embeds one text.
func (e *Embedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// GenerateEmbeddings embeds a batch. API failures are transient: the
// caller retries with backoff.
func (e *Embedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > e.batchSize {
		return nil, errdefs.Validationf("batch of %d exceeds max batch size %d", len(texts), e.batchSize)
	}
	for _, text := range texts {
		if ai.TokenCount(text) > e.maxTokens {
			return nil, errdefs.Validationf("input exceeds embedding token budget of %d", e.maxTokens)
		}
	}
	vectors, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, errdefs.Transient(fmt.Errorf("failed to generate embeddings: %w", err))
	}
	if len(vectors) != len(texts) {
		return nil, errdefs.Transient(fmt.Errorf("embedding response carried %d vectors for %d inputs", len(vectors), len(texts)))
	}
	return vectors, nil
}

// TextGenerator streams completions through the OpenAI API.
type TextGenerator struct {
	llm           *openai.LLM
	maxTokenTotal int
}

// NewTextGenerator creates an OpenAI-backed text generator.
func NewTextGenerator(cfg Config) (*TextGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.Configurationf("openai api key is not set")
	}
	model := cfg.TextModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, errdefs.Configuration(fmt.Errorf("failed to create openai client: %w", err))
	}
	maxTotal := cfg.MaxTokenTotal
	if maxTotal <= 0 {
		maxTotal = 16384
	}
	return &TextGenerator{llm: llm, maxTokenTotal: maxTotal}, nil
}

func (g *TextGenerator) MaxTokenTotal() int { return g.maxTokenTotal }

func (g *TextGenerator) CountTokens(text string) int { return ai.TokenCount(text) }

// GenerateText streams the completion chunk by chunk. The channel closes
// when the model finishes; a provider error arrives as the final chunk.
func (g *TextGenerator) GenerateText(ctx context.Context, prompt string, opts *ai.TextGenerationOptions) (<-chan ai.StreamChunk, error) {
	callOpts := []llms.CallOption{}
	if opts != nil {
		if opts.Temperature > 0 {
			callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
		}
		if opts.TopP > 0 {
			callOpts = append(callOpts, llms.WithTopP(opts.TopP))
		}
		if opts.PresencePenalty != 0 {
			callOpts = append(callOpts, llms.WithPresencePenalty(opts.PresencePenalty))
		}
		if opts.FrequencyPenalty != 0 {
			callOpts = append(callOpts, llms.WithFrequencyPenalty(opts.FrequencyPenalty))
		}
		if opts.MaxTokens > 0 {
			callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
		}
		if len(opts.StopSequences) > 0 {
			callOpts = append(callOpts, llms.WithStopWords(opts.StopSequences))
		}
	}

	out := make(chan ai.StreamChunk, 16)
	callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		select {
		case out <- ai.StreamChunk{Text: string(chunk)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		defer close(out)
		messages := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}
		if _, err := g.llm.GenerateContent(ctx, messages, callOpts...); err != nil {
			select {
			case out <- ai.StreamChunk{Err: errdefs.Transient(fmt.Errorf("failed to generate text: %w", err))}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
