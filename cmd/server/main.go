// Package main is the entry point for the logsift server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solhall/logsift/internal/analyzer"
	"github.com/solhall/logsift/internal/api"
	"github.com/solhall/logsift/internal/auth"
	"github.com/solhall/logsift/internal/config"
	"github.com/solhall/logsift/internal/facet"
	"github.com/solhall/logsift/internal/livetail"
	"github.com/solhall/logsift/internal/parser"
	"github.com/solhall/logsift/internal/receiver"
	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("no secret configured (set LOGSIFT_SECRET or the secret config key)")
	}

	store, err := storage.New(storage.Config{
		Backend:    cfg.Storage.Backend,
		SQLitePath: cfg.Storage.SQLitePath,
		DSN:        cfg.Storage.DSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	authenticator := auth.New(store, []byte(cfg.Secret), logger)
	publisher := livetail.NewChannelPublisher()
	matcher := livetail.New(store, publisher, logger)
	facets := facet.New(store, cfg.Facet.TTL, logger)
	fieldAnalyzer := analyzer.New(store, cfg.Fields.PromotionThreshold, logger)
	pipeline := parser.NewPipeline(store, matcher, logger)
	ingest := receiver.New(store, authenticator, cfg.MaxBatchSize, logger)

	server := api.NewServer(api.Config{
		Addr:          cfg.ListenAddr,
		Store:         store,
		Facets:        facets,
		Fields:        fieldAnalyzer,
		Matcher:       matcher,
		Authenticator: authenticator,
		Ingest:        ingest,
		StaleAfter:    cfg.Worker.StaleAfter,
		Logger:        logger,
	})

	pool := worker.New(pipeline, fieldAnalyzer, facets, matcher, cfg.Worker, cfg.Tail.SubscriptionTTL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	select {
	case err := <-errChan:
		stop()
		<-poolDone
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Workers finish their in-flight batch before exiting.
	<-poolDone

	logger.Info("shutdown complete")
	return nil
}
