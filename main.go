// Package main runs the Bilibili live and dynamic notifier: it polls the
// platform for tracked identities and delivers notifications through a
// NapCat (OneBot v11) gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"bililive-notifier/bili"
	"bililive-notifier/card"
	"bililive-notifier/config"
	"bililive-notifier/napcat"
	"bililive-notifier/poll"
	storagepkg "bililive-notifier/storage"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.Users) == 0 {
		logger.Warn("No identities configured, nothing to monitor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storageClient *storage.Client
	localPath := ""
	if cfg.Storage.Bucket != "" {
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := storageClient.Close(); closeErr != nil {
				logger.Warn("Failed to close storage client", "error", closeErr)
			}
		}()
		logger.Info("Using Cloud Storage for state", "bucket", cfg.Storage.Bucket)
	} else {
		localPath = cfg.Storage.LocalPath
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "path", localPath, "error", err)
			os.Exit(1)
		}
		logger.Info("Using local storage for state", "path", localPath)
	}
	store := storagepkg.New(storageClient, cfg.Storage.Bucket, localPath, logger)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	platform := bili.New(httpClient, cfg.Cookie, logger)
	if cfg.Cookie == "" {
		logger.Warn("No platform cookie configured, feed requests may be rate limited")
	}

	gateway := napcat.New(cfg.Napcat.URL, cfg.Napcat.WSURL, cfg.Napcat.Token, httpClient, logger)

	var renderer card.Renderer = card.Disabled{}
	if cfg.Renderer.URL != "" {
		renderer = card.NewHTTPRenderer(cfg.Renderer.URL, httpClient, logger)
		logger.Info("Card renderer enabled", "url", cfg.Renderer.URL)
	}

	monitor := poll.New(platform, store, gateway, renderer, cfg.Users, logger)
	if err := monitor.LoadState(ctx); err != nil {
		logger.Error("Failed to load persisted state", "error", err)
		os.Exit(1)
	}

	sup := suture.New("bilinotify", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
	})
	sup.Add(gateway)
	sup.Add(monitor)

	logger.Info("Notifier starting", "identities", len(cfg.Users))
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Supervisor exited", "error", err)
		os.Exit(1)
	}
	logger.Info("Notifier stopped")
}
