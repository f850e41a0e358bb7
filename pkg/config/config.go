package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recallio/kermem/pkg/types"
)

// DefaultPath is where the service looks for its configuration when no
// path is given. Environment variables override file values.
const DefaultPath = "/etc/kermem/config.json"

// Config is the root service configuration.
type Config struct {
	DataDir string        `json:"data_dir" yaml:"data_dir"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`

	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	TextGen   TextGenConfig   `json:"text_generation" yaml:"text_generation"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// QueueConfig selects and tunes the work distribution backend.
type QueueConfig struct {
	// Backend is "memory", "bolt", or "" for synchronous execution
	// with no queue.
	Backend           string        `json:"backend" yaml:"backend"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	VisibilityTimeout time.Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PoisonSuffix      string        `json:"poison_suffix" yaml:"poison_suffix"`
}

// PipelineConfig tunes the orchestrator and the partitioning handler.
type PipelineConfig struct {
	DefaultSteps          []string `json:"default_steps" yaml:"default_steps"`
	MaxTokensPerParagraph int      `json:"max_tokens_per_paragraph" yaml:"max_tokens_per_paragraph"`
	MaxTokensPerLine      int      `json:"max_tokens_per_line" yaml:"max_tokens_per_line"`
	OverlappingTokens     int      `json:"overlapping_tokens" yaml:"overlapping_tokens"`
	SummaryMaxTokens      int      `json:"summary_max_tokens" yaml:"summary_max_tokens"`

	// MaxRetries bounds per-step retries in synchronous mode. In queue
	// mode the queue's own redelivery count is authoritative.
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	RetryBase   time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryMax    time.Duration `json:"retry_max" yaml:"retry_max"`
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
	WorkerCount int           `json:"worker_count" yaml:"worker_count"`
}

// EmbeddingConfig selects the embedding generator.
type EmbeddingConfig struct {
	// Provider is "hash" (deterministic local embedder) or "openai".
	Provider     string `json:"provider" yaml:"provider"`
	Model        string `json:"model" yaml:"model"`
	APIKey       string `json:"api_key" yaml:"api_key"`
	VectorSize   int    `json:"vector_size" yaml:"vector_size"`
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`
	MaxBatchSize int    `json:"max_batch_size" yaml:"max_batch_size"`
}

// TextGenConfig selects the text generator used by summarize and ask.
type TextGenConfig struct {
	Provider      string `json:"provider" yaml:"provider"`
	Model         string `json:"model" yaml:"model"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	MaxTokenTotal int    `json:"max_token_total" yaml:"max_token_total"`
}

// Default returns a configuration that runs entirely self-contained:
// filesystem document storage, bolt memory db, in-memory queue, and the
// local hash embedder.
func Default() *Config {
	return &Config{
		DataDir: "./kermem-data",
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:9001"},
		Queue: QueueConfig{
			Backend:           "memory",
			MaxAttempts:       20,
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      250 * time.Millisecond,
			PoisonSuffix:      "-poison",
		},
		Pipeline: PipelineConfig{
			DefaultSteps:          types.DefaultSteps(),
			MaxTokensPerParagraph: 1000,
			MaxTokensPerLine:      300,
			OverlappingTokens:     100,
			SummaryMaxTokens:      2000,
			MaxRetries:            3,
			RetryBase:             200 * time.Millisecond,
			RetryMax:              10 * time.Second,
			StepTimeout:           2 * time.Minute,
			WorkerCount:           4,
		},
		Embedding: EmbeddingConfig{
			Provider:     "hash",
			VectorSize:   384,
			MaxTokens:    8191,
			MaxBatchSize: 64,
		},
		TextGen: TextGenConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			MaxTokenTotal: 16384,
		},
	}
}

// Load reads configuration from path (JSON, or YAML for .yaml/.yml
// files), starting from defaults and finishing with environment
// variable overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv maps KERMEM_* environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("KERMEM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KERMEM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KERMEM_LOG_JSON"); v != "" {
		cfg.Logging.JSON, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("KERMEM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("KERMEM_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("KERMEM_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("KERMEM_OPENAI_API_KEY"); v != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.TextGen.APIKey == "" {
			cfg.TextGen.APIKey = v
		}
	}
}
