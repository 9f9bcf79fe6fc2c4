// Orchestrator server: terminates client WebSocket sessions, plans and
// executes tool runs against provider integrations, and records durable
// conversation history.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/api"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/cache"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/conversation"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/executor"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/gateway"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/history"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/orchestrator"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/planner"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/session"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// sessionMirrorTTL bounds how long a session's user mapping survives in
// the KV store after the process stops refreshing it.
const sessionMirrorTTL = 24 * time.Hour

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. KV store (Redis, or in-memory for single-node deployments)
	var store kv.Store
	if cfg.Redis.Disabled {
		store = kv.NewMemoryStore()
		slog.Info("Using in-memory KV store")
	} else {
		redisStore, err := kv.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	// 3. Durable history sink (PostgreSQL, or no-op when disabled)
	var sink history.Sink
	if cfg.Database.Disabled {
		sink = history.Noop{}
		slog.Info("History persistence disabled")
	} else {
		pgSink, err := history.NewPostgres(ctx, cfg.Database)
		if err != nil {
			slog.Error("Failed to connect to history database", "error", err)
			os.Exit(1)
		}
		sink = pgSink
		slog.Info("Connected to PostgreSQL history database")
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("Error closing history sink", "error", err)
		}
	}()

	// 4. LLM client
	llmClient, err := llm.NewOpenAIClient(llm.OpenAIOptions{
		APIKeyEnv: cfg.LLM.APIKeyEnv,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 5. Tool catalog and per-user filter
	catalog, err := tools.NewCatalog(cfg.Tools)
	if err != nil {
		slog.Error("Failed to build tool catalog", "error", err)
		os.Exit(1)
	}
	resolver := tools.NewRESTConnectionResolver(cfg.Connections)
	filter := tools.NewUserToolFilter(catalog, resolver, store, cfg.Providers, cfg.Limits.UserToolsTTL)
	slog.Info("Tool catalog loaded", "tools", len(cfg.Tools))

	// 6. Provider gateway
	gw := gateway.NewGateway(store, gateway.Options{
		WarmInterval:  cfg.Timeouts.WarmInterval,
		WarmTTL:       cfg.Limits.WarmupTTL,
		WarmTimeout:   cfg.Timeouts.ProviderWarm,
		ActionTimeout: cfg.Timeouts.ProviderAction,
	})
	for key, provider := range cfg.Providers {
		gw.Register(key, provider.Aliases, gateway.NewRESTAdapter(key, provider))
	}
	slog.Info("Provider gateway initialized", "providers", len(cfg.Providers))

	// 7. Orchestration core
	entityCache := cache.NewEntityCache(store,
		cfg.Limits.EntityTTL, cfg.Limits.FingerprintTTL, cfg.Limits.EntityBodyMaxBytes)
	orch := orchestrator.New(orchestrator.Options{
		Catalog:   catalog,
		Resolver:  resolver,
		Gateway:   gw,
		Cache:     entityCache,
		Canonical: filter.CanonicalProviderKey,
		Retry:     cfg.Retry,
		Limits:    cfg.Limits,
	})

	mux := stream.NewMultiplexer()
	registry := session.NewRegistry(store, sessionMirrorTTL)
	// A dead sink means the client is gone: cancel the session so any
	// in-flight run aborts instead of executing into the void.
	mux.OnSendFailure(registry.Delete)

	coordinator := conversation.NewCoordinator(conversation.Options{
		Config:    cfg,
		Client:    llmClient,
		Filter:    filter,
		Planner:   planner.New(llmClient, mux, cfg.LLM),
		Executor:  executor.New(orch, mux),
		Mux:       mux,
		Histories: conversation.NewHistoryManager(store, cfg.Limits.HistoryMaxEntries, cfg.Limits.HistoryToolResultMaxBytes),
		Sink:      sink,
	})

	// 8. HTTP/WebSocket server
	httpServer := api.NewServer(cfg, coordinator, registry, mux, filter)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting connections, give in-flight
	// turns a drain window, then close the sink via the deferred Close.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
