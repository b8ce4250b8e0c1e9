// Package main is the entry point for the hlsgate delivery proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hlsgate/hlsgate/internal/accesslog"
	"github.com/hlsgate/hlsgate/internal/api"
	"github.com/hlsgate/hlsgate/internal/auth"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/filecheck"
	"github.com/hlsgate/hlsgate/internal/origin"
	"github.com/hlsgate/hlsgate/internal/proxy"
	"github.com/hlsgate/hlsgate/internal/redisstore"
	"github.com/hlsgate/hlsgate/internal/session"
	"github.com/hlsgate/hlsgate/internal/traffic"
	"github.com/hlsgate/hlsgate/internal/transfer"
	"github.com/hlsgate/hlsgate/internal/whitelist"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration first so logging can honor it.
	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfg := cfgManager.Get()
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting hlsgate", "version", "0.1.0", "backend", cfg.Backend.Mode)

	for _, flagName := range cfg.TestFlags() {
		logger.Warn("test flag enabled, do not run in production", "flag", flagName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	redisClient, err := redisstore.New(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	org, err := origin.New(cfg)
	if err != nil {
		logger.Error("failed to initialize origin", "error", err)
		os.Exit(1)
	}

	// Stores and engines.
	sessions := session.NewStore(redisClient, cfg.Auth.SessionTTL)
	whitelists := whitelist.NewStore(redisClient, func() whitelist.Config {
		c := cfgManager.Get().Auth
		return whitelist.Config{
			MaxPathsPerEntry:   c.MaxPathsPerEntry,
			MaxUAIPPairsPerUID: c.MaxUAIPPairsPerUID,
			TTL:                c.IPAccessTTL,
		}
	})
	logs := accesslog.NewStore(redisClient)
	limiter := auth.NewM3U8Limiter(redisClient, func() config.M3U8Config {
		return cfgManager.Get().M3U8
	})
	pipeline := auth.NewPipeline(cfgManager.Get, sessions, whitelists, limiter, logs, logger)

	engine := traffic.NewEngine(func() config.TrafficConfig {
		return cfgManager.Get().Traffic
	}, logger)
	engine.Start()

	registry := transfer.NewRegistry()

	var checker *filecheck.Checker
	if stater, ok := org.(origin.Stater); ok {
		checker = filecheck.NewChecker(stater, cfg.API.FileCheckCacheTTL)
	} else {
		logger.Warn("origin does not support stat, file check endpoints disabled")
	}

	proxyHandler := proxy.NewHandler(cfgManager.Get, pipeline, org, registry, engine, logger)
	apiHandler := api.NewHandler(api.Deps{
		Config:    cfgManager.Get,
		Redis:     redisClient,
		Traffic:   engine,
		Registry:  registry,
		Logs:      logs,
		Whitelist: whitelists,
		Checker:   checker,
		Logger:    logger,
	})

	handler := buildRoutes(cfgManager.Get, proxyHandler, apiHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Flush pending traffic before exit.
	engine.Stop()

	cfgManager.Close()
	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
