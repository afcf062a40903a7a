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

	"github.com/pestwatch/backend/internal/api"
	"github.com/pestwatch/backend/internal/api/handlers"
	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/chat"
	"github.com/pestwatch/backend/internal/conversation"
	"github.com/pestwatch/backend/internal/detection"
	"github.com/pestwatch/backend/internal/inference"
	"github.com/pestwatch/backend/internal/middleware/ratelimit"
	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/internal/wechat"
	"github.com/pestwatch/backend/pkg/config"
	"github.com/pestwatch/backend/pkg/logger"
	"github.com/pestwatch/backend/pkg/retry"
)

func serveCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("Starting PestWatch API server")

	policy, err := detection.ParsePolicy(cfg.Detection.EmptyPolicy)
	if err != nil {
		return err
	}

	db, err := openSQLite(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open SQLite: %w", err)
	}
	defer db.Close()

	conversations, err := retry.DoWithResult(ctx, retryConfig("redis"), func(ctx context.Context) (*conversation.Store, error) {
		return conversation.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer conversations.Close()

	models := newLLM(cfg)

	searcher, closeSearch, err := newSearcher(ctx, cfg, db, models)
	if err != nil {
		return fmt.Errorf("failed to set up pest search: %w", err)
	}
	defer closeSearch()

	if searcher.Enabled() && cfg.Milvus.ReindexCron != "" {
		c, err := pest.ScheduleReindex(cfg.Milvus.ReindexCron, searcher)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	engines := inference.NewRegistry(inference.NewTFLiteLoader(inference.TFLiteConfig{
		LabelsPath:          cfg.Inference.LabelsPath,
		ConfidenceThreshold: cfg.Inference.ConfidenceThreshold,
		IoUThreshold:        cfg.Inference.IoUThreshold,
		Threads:             cfg.Inference.Threads,
	}), cfg.Inference.ReuseEngine)
	defer engines.Close()

	lookup := pest.NewLookup(db, time.Duration(cfg.Pest.CacheTTLSec)*time.Second)
	records := detection.NewService(db, lookup, policy)
	orchestrator := chat.NewOrchestrator(models, conversations, cfg.LLM.SystemPrompt)

	tokenTTL := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	if tokenTTL <= 0 {
		tokenTTL = auth.DefaultTokenTTL
	}
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, tokenTTL)
	login := wechat.NewLoginService(wechat.NewClient(cfg.WeChat.AppID, cfg.WeChat.Secret, cfg.WeChat.BaseURL, nil), db, tokens)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               logger.GetLogger(),
	})
	defer limiter.Stop()

	app := api.NewApp(api.Config{
		ReadTimeout:   time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:     cfg.Server.BodyLimit,
		IsDevelopment: cfg.Server.IsDevelopment,
		StaticDir:     cfg.Pest.StaticDir,
		AccessLog:     true,
		Logger:        logger.GetLogger(),
	}, api.Handlers{
		Auth: handlers.NewAuthHandler(login, db),
		Detect: handlers.NewDetectHandler(inference.NewAdapter(engines), records, handlers.DetectConfig{
			ModelPath:  cfg.Inference.ModelPath,
			UploadsDir: cfg.Inference.UploadsDir,
			OutputDir:  cfg.Inference.OutputDir,
		}),
		Pest:   handlers.NewPestHandler(pest.NewKnowledge(db, lookup), searcher, records),
		Chat:   handlers.NewChatHandler(orchestrator, conversations),
		Stream: handlers.NewStreamHandler(orchestrator),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"sqlite": db,
			"redis":  conversations,
		}),
	}, tokens, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}
