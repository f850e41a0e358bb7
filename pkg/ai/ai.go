package ai

import "context"

// EmbeddingGenerator converts text into dense vectors.
type EmbeddingGenerator interface {
	// MaxTokens is the largest input the generator accepts, in tokens.
	MaxTokens() int

	// MaxBatchSize caps how many texts one batch call may carry.
	MaxBatchSize() int

	// CountTokens returns the token count of text under the generator's
	// tokenizer.
	CountTokens(text string) int

	// GetTokens returns the token strings of text.
	GetTokens(text string) []string

	// GenerateEmbedding embeds a single text. Inputs over MaxTokens are
	// rejected with a validation error.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// GenerateEmbeddings embeds a batch of at most MaxBatchSize texts,
	// returning one vector per input in order.
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// StreamChunk is one incremental piece of generated text. A non-nil Err
// terminates the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// TextGenerationOptions tunes one generation call. The zero value uses
// the provider's defaults.
type TextGenerationOptions struct {
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	MaxTokens        int
	StopSequences    []string
	TokenBias        map[string]float64
}

// TextGenerator produces completions as a stream of chunks. Cancelling
// the caller's context cancels the stream.
type TextGenerator interface {
	// MaxTokenTotal is the model's combined prompt + completion budget.
	MaxTokenTotal() int

	// CountTokens returns the token count of text under the generator's
	// tokenizer.
	CountTokens(text string) int

	// GenerateText streams a completion for prompt. The channel closes
	// when generation finishes or fails.
	GenerateText(ctx context.Context, prompt string, opts *TextGenerationOptions) (<-chan StreamChunk, error)
}
