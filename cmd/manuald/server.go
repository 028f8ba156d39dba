package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/manuald/internal/answer"
	"github.com/kalambet/manuald/internal/api"
	"github.com/kalambet/manuald/internal/chunker"
	"github.com/kalambet/manuald/internal/config"
	"github.com/kalambet/manuald/internal/embedding"
	"github.com/kalambet/manuald/internal/extract"
	"github.com/kalambet/manuald/internal/indexing"
	"github.com/kalambet/manuald/internal/storage"
	"github.com/kalambet/manuald/internal/vectorstore"
)

func logLevelFrom(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(cmd *cobra.Command) error {
	fmt.Fprintf(os.Stderr, "manuald version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFrom(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	embedClient, err := embedding.NewClient(embedding.Config{
		BaseURL:           cfg.Embedding.BaseURL,
		APIKey:            cfg.Embedding.APIKey,
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}

	answerClient, err := answer.NewClient(answer.ClientConfig{
		BaseURL: cfg.Answer.BaseURL,
		APIKey:  cfg.Answer.APIKey,
		Model:   cfg.Answer.Model,
	})
	if err != nil {
		return fmt.Errorf("creating answer client: %w", err)
	}
	composer := answer.NewComposer(answerClient, cfg.Answer.MaxAnswerTokens, cfg.Answer.MaxFallbackTokens)

	vectors := vectorstore.New(store.DB(), vectorstore.Options{})

	answers, err := answer.NewService(answer.ServiceConfig{
		Retriever:    vectors,
		Embedder:     embedClient,
		Composer:     composer,
		Store:        store,
		CacheEnabled: cfg.Answer.CacheEnabled,
		CacheSize:    cfg.Answer.CacheSize,
		DefaultTopK:  cfg.Retrieval.TopK,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating answer service: %w", err)
	}

	heur := extract.DefaultHeuristics()
	if cfg.Indexing.SectionFontDelta > 0 {
		heur.FontDelta = cfg.Indexing.SectionFontDelta
	}
	indexer := indexing.NewIndexer(indexing.IndexerConfig{
		Store:      store,
		Embedder:   embedClient,
		Vectors:    vectors,
		Chunker:    chunker.New(cfg.Indexing.TargetTokens, cfg.Indexing.OverlapTokens),
		Heuristics: heur,
		Logger:     logger,
	})

	worker := indexing.NewWorker(store, indexer, time.Duration(cfg.Indexing.PollIntervalSeconds)*time.Second)
	go worker.Run(ctx)

	handler := api.NewAppHandler(api.AppDeps{
		Store:          store,
		Answers:        answers,
		Scheduler:      indexer,
		Vectors:        vectors,
		ManualsDir:     cfg.ManualsDir(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Token:          cfg.Server.APIToken,
	})

	// MCP runs on stdio alongside the HTTP server, so one process serves
	// both technicians' tooling and agent clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Answers:  answers,
		Searcher: vectors,
		Embedder: embedClient,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("manuald listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
