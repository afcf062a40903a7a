package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/llm"
	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/internal/storage/sqlite"
	"github.com/pestwatch/backend/internal/vector/milvus"
	"github.com/pestwatch/backend/pkg/config"
	"github.com/pestwatch/backend/pkg/logger"
	"github.com/pestwatch/backend/pkg/retry"
)

func rootCommand() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "pestwatch",
		Short:         "Crop pest detection and advisory backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := logger.Init(loaded.Logging.Level, loaded.Logging.Format, loaded.Logging.OutputPath); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			metrics.Init()
			*cfg = *loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	cfg = &config.Config{}

	rootCmd.AddCommand(
		serveCommand(cfg),
		importPestsCommand(cfg),
		reindexPestsCommand(cfg),
	)

	return rootCmd
}

func retryConfig(name string) retry.Config {
	rc := retry.DefaultConfig(name)
	rc.Logger = logger.GetLogger()
	return rc
}

func openSQLite(ctx context.Context, cfg *config.Config) (*sqlite.Client, error) {
	db, err := retry.DoWithResult(ctx, retryConfig("sqlite"), func(ctx context.Context) (*sqlite.Client, error) {
		return sqlite.NewClient(cfg.SQLite.Path)
	})
	if err != nil {
		return nil, err
	}

	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func openMilvus(ctx context.Context, cfg *config.Config) (*milvus.Client, error) {
	mc, err := retry.DoWithResult(ctx, retryConfig("milvus"), func(ctx context.Context) (*milvus.Client, error) {
		return milvus.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.LLM.EmbeddingDim)
	})
	if err != nil {
		return nil, err
	}

	if err := mc.EnsureCollection(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return mc, nil
}

func newLLM(cfg *config.Config) *llm.Registry {
	return llm.NewRegistry(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		TopP:           cfg.LLM.TopP,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	}, cfg.LLM.ReuseClient)
}

// newSearcher returns a disabled searcher unless Milvus is enabled. The
// returned close func is always safe to call.
func newSearcher(ctx context.Context, cfg *config.Config, store pest.Store, models *llm.Registry) (*pest.Searcher, func(), error) {
	if !cfg.Milvus.Enabled {
		return pest.NewSearcher(store, nil, nil), func() {}, nil
	}

	mc, err := openMilvus(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return pest.NewSearcher(store, models, mc), func() {
		if err := mc.Close(); err != nil {
			logger.Warn("Failed to close Milvus client", zap.Error(err))
		}
	}, nil
}
