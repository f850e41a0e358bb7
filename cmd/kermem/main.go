package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/ai/openai"
	"github.com/recallio/kermem/pkg/client"
	"github.com/recallio/kermem/pkg/config"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/events"
	"github.com/recallio/kermem/pkg/handlers"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/pipeline"
	"github.com/recallio/kermem/pkg/queue"
	"github.com/recallio/kermem/pkg/search"
	"github.com/recallio/kermem/pkg/service"
	"github.com/recallio/kermem/pkg/storage"
	"github.com/recallio/kermem/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status: 1 for user errors
// (bad input, missing resources), 2 for everything else.
func exitCode(err error) int {
	if errdefs.IsValidation(err) || errdefs.IsNotFound(err) {
		return 1
	}
	return 2
}

var rootCmd = &cobra.Command{
	Use:   "kermem",
	Short: "Kermem - document ingestion and semantic memory service",
	Long: `Kermem ingests documents through a persistent step pipeline
(extract, partition, embed, save), stores the resulting memory records
in a local vector store, and answers semantic queries over them.

A single binary runs the whole service; the CLI doubles as a client.`,
	Version: Version,
}

// exactArgs and minimumArgs wrap cobra's arity checks so usage
// mistakes exit as user errors rather than system errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return errdefs.Validation(cobra.ExactArgs(n)(cmd, args))
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return errdefs.Validation(cobra.MinimumNArgs(n)(cmd, args))
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errdefs.Validation(err)
	})
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kermem version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(documentCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kermem server",
	Long: `Start the HTTP API, the ingestion queue consumers, and the
metrics endpoint. Configuration is read from the config file (JSON or
YAML), then overridden by KERMEM_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})

		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.NewFSStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open document storage: %w", err)
	}
	defer store.Close()

	memory, err := memorydb.NewBoltDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open memory db: %w", err)
	}
	defer memory.Close()

	queueOpts := queue.Options{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Queue.PollInterval,
		PoisonSuffix:      cfg.Queue.PoisonSuffix,
	}
	var broker queue.Broker
	switch cfg.Queue.Backend {
	case "", "memory":
		broker = queue.NewMemoryBroker(queueOpts)
	case "bolt":
		broker, err = queue.NewBoltBroker(cfg.DataDir, queueOpts)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	defer broker.Close()

	embedder, textgen, err := buildGenerators(cfg)
	if err != nil {
		return err
	}

	eventBroker := events.NewBroker()
	defer eventBroker.Close()
	stopEventLog := eventBroker.LogEvents()
	defer stopEventLog()

	deps := handlers.Dependencies{
		Storage:  store,
		Memory:   memory,
		Embedder: embedder,
		TextGen:  textgen,
		Decoders: decoders.NewRegistry(),
		Config:   cfg,
	}

	orch := pipeline.New(store, broker, eventBroker, cfg)
	for _, h := range []handlers.Handler{
		handlers.NewExtractHandler(deps),
		handlers.NewSummarizeHandler(deps),
		handlers.NewPartitionHandler(deps),
		handlers.NewEmbeddingsHandler(deps),
		handlers.NewSaveRecordsHandler(deps),
		handlers.NewDeleteDocumentHandler(deps),
		handlers.NewDeleteIndexHandler(deps),
	} {
		if err := orch.AddHandler(h); err != nil {
			return err
		}
	}
	defer orch.Stop()

	server := service.NewServer(orch, search.NewClient(memory, embedder, textgen), memory, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger := log.WithComponent("main")
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func buildGenerators(cfg *config.Config) (ai.EmbeddingGenerator, ai.TextGenerator, error) {
	var embedder ai.EmbeddingGenerator
	switch cfg.Embedding.Provider {
	case "", "hash":
		embedder = ai.NewHashEmbedder(cfg.Embedding.VectorSize, cfg.Embedding.MaxTokens, cfg.Embedding.MaxBatchSize)
	case "openai":
		e, err := openai.NewEmbedder(openai.Config{
			APIKey:         cfg.Embedding.APIKey,
			EmbeddingModel: cfg.Embedding.Model,
			MaxTokens:      cfg.Embedding.MaxTokens,
			MaxBatchSize:   cfg.Embedding.MaxBatchSize,
		})
		if err != nil {
			return nil, nil, err
		}
		embedder = e
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	var textgen ai.TextGenerator
	if cfg.TextGen.Provider == "openai" && cfg.TextGen.APIKey != "" {
		g, err := openai.NewTextGenerator(openai.Config{
			APIKey:        cfg.TextGen.APIKey,
			TextModel:     cfg.TextGen.Model,
			MaxTokenTotal: cfg.TextGen.MaxTokenTotal,
		})
		if err != nil {
			return nil, nil, err
		}
		textgen = g
	}
	return embedder, textgen, nil
}

// Client commands

var uploadCmd = &cobra.Command{
	Use:   "upload [files...]",
	Short: "Import documents into an index",
	Args:  minimumArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		index, _ := cmd.Flags().GetString("index")
		documentID, _ := cmd.Flags().GetString("document-id")
		tags, _ := cmd.Flags().GetStringArray("tag")
		steps, _ := cmd.Flags().GetStringArray("step")

		result, err := client.New(server).Upload(cmd.Context(), index, documentID, args, tags, steps)
		if err != nil {
			return err
		}
		fmt.Printf("Document accepted\n  Index: %s\n  Document ID: %s\n", result.Index, result.DocumentID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's pipeline status",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		index, _ := cmd.Flags().GetString("index")
		withLogs, _ := cmd.Flags().GetBool("logs")

		status, err := client.New(server).UploadStatus(cmd.Context(), index, args[0], withLogs)
		if err != nil {
			return err
		}
		fmt.Printf("Document %s\n  Status: %s\n  Ready: %v\n  Completed: %v\n  Remaining: %v\n",
			status.DocumentID, status.Status, status.Ready, status.CompletedSteps, status.RemainingSteps)
		if withLogs && len(status.Logs) > 0 {
			var pretty []map[string]any
			if json.Unmarshal(status.Logs, &pretty) == nil {
				for _, entry := range pretty {
					fmt.Printf("  [%v] %v: %v\n", entry["timestamp"], entry["step"], entry["message"])
				}
			}
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over an index",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		index, _ := cmd.Flags().GetString("index")
		limit, _ := cmd.Flags().GetInt("limit")
		minRelevance, _ := cmd.Flags().GetFloat64("min-relevance")
		filters, err := parseFilters(cmd)
		if err != nil {
			return err
		}

		results, err := client.New(server).Search(cmd.Context(), index, args[0], filters, limit, minRelevance)
		if err != nil {
			return err
		}
		if len(results.Citations) == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, c := range results.Citations {
			fmt.Printf("%d. [%.3f] %s (%s)\n   %s\n", i+1, c.Score, c.DocumentID, c.FileName, c.Text)
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a grounded question over an index",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		index, _ := cmd.Flags().GetString("index")
		minRelevance, _ := cmd.Flags().GetFloat64("min-relevance")
		filters, err := parseFilters(cmd)
		if err != nil {
			return err
		}

		answer, err := client.New(server).Ask(cmd.Context(), index, args[0], filters, minRelevance)
		if err != nil {
			return err
		}
		fmt.Println(answer.Text)
		if len(answer.Citations) > 0 {
			fmt.Println("\nSources:")
			for _, c := range answer.Citations {
				fmt.Printf("  - %s (%s), score %.3f\n", c.DocumentID, c.FileName, c.Score)
			}
		}
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexes",
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		names, err := client.New(server).ListIndexes(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No indexes")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete <index>",
	Short: "Delete an index and all of its documents",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if err := client.New(server).DeleteIndex(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Index %s deleted\n", args[0])
		return nil
	},
}

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Manage documents",
}

var documentDeleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and its memory records",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		index, _ := cmd.Flags().GetString("index")
		if err := client.New(server).DeleteDocument(cmd.Context(), index, args[0]); err != nil {
			return err
		}
		fmt.Printf("Document %s deleted\n", args[0])
		return nil
	},
}

func parseFilters(cmd *cobra.Command) (memorydb.Filters, error) {
	raw, _ := cmd.Flags().GetString("filters")
	if raw == "" {
		return nil, nil
	}
	var filters memorydb.Filters
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, fmt.Errorf("failed to parse filters: %w", err)
	}
	return filters, nil
}

func init() {
	serveCmd.Flags().String("config", config.DefaultPath, "Path to the config file")

	for _, cmd := range []*cobra.Command{uploadCmd, statusCmd, searchCmd, askCmd, indexListCmd, indexDeleteCmd, documentDeleteCmd} {
		cmd.Flags().String("server", "http://localhost:9001", "Server address")
	}
	for _, cmd := range []*cobra.Command{uploadCmd, statusCmd, searchCmd, askCmd, documentDeleteCmd} {
		cmd.Flags().String("index", types.DefaultIndexName, "Index name")
	}

	uploadCmd.Flags().String("document-id", "", "Document id (generated when empty)")
	uploadCmd.Flags().StringArray("tag", nil, "Tag as key:value (repeatable)")
	uploadCmd.Flags().StringArray("step", nil, "Pipeline step override (repeatable)")

	statusCmd.Flags().Bool("logs", false, "Include handler logs")

	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Float64("min-relevance", 0, "Minimum cosine similarity")
	searchCmd.Flags().String("filters", "", "Tag filters as JSON (DNF: OR of AND clauses)")

	askCmd.Flags().Float64("min-relevance", 0, "Minimum cosine similarity")
	askCmd.Flags().String("filters", "", "Tag filters as JSON (DNF: OR of AND clauses)")

	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexDeleteCmd)
	documentCmd.AddCommand(documentDeleteCmd)
}
