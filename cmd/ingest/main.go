package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/ingestion"
	"github.com/voicerag/backend/internal/llm"
	"github.com/voicerag/backend/internal/storage/sqlite"
	"github.com/voicerag/backend/internal/vector/zilliz"
	"github.com/voicerag/backend/pkg/config"
	appLogger "github.com/voicerag/backend/pkg/logger"
)

var (
	configDir string
	dbPath    string
	mirror    bool
)

func main() {
	root := &cobra.Command{
		Use:   "ingest <docs-dir>",
		Short: "Build the support corpus from a directory of documents",
		Long: "Reads .txt, .md, .html and .pdf files, splits them into overlapping token windows, " +
			"embeds every window and replaces the sqlite corpus. With --milvus the vectors " +
			"are also written to the configured Milvus collection.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().StringVarP(&configDir, "config", "c", "", "directory holding config.yaml")
	root.Flags().StringVar(&dbPath, "db", "", "sqlite corpus path (overrides sqlite.path)")
	root.Flags().BoolVar(&mirror, "milvus", false, "also replace the vectors in Milvus")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.SQLite.Path = dbPath
	}

	if err := appLogger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	tokenizer, err := ingestion.NewTokenizer(cfg.Ingest.Tokenizer)
	if err != nil {
		return err
	}

	processor := ingestion.NewProcessor(llmClient, store, ingestion.Options{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		BatchSize:    cfg.Ingest.BatchSize,
		Dim:          cfg.Vector.Dim,
		Tokenizer:    tokenizer,
	})

	if mirror {
		zc, err := openMirror(ctx, cfg)
		if err != nil {
			return err
		}
		defer zc.Close()
		processor.WithMirror(zc)
	}

	start := time.Now()
	report, err := processor.Run(ctx, args[0])
	if err != nil {
		return err
	}

	appLogger.Info("Ingestion finished",
		zap.String("dir", args[0]),
		zap.String("db", cfg.SQLite.Path),
		zap.Int("files", report.Files),
		zap.Int("skipped", report.Skipped),
		zap.Int("chunks", report.Chunks),
		zap.String("tokenizer", cfg.Ingest.Tokenizer),
		zap.Bool("milvus", mirror),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func openMirror(ctx context.Context, cfg *config.Config) (*zilliz.Client, error) {
	zc, err := zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Vector.Dim)
	if err != nil {
		return nil, err
	}
	if err := zc.EnsureCollection(ctx); err != nil {
		zc.Close()
		return nil, err
	}
	return zc, nil
}
