package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/internal/agent/providers"
	"github.com/novaxhq/novax/internal/config"
	"github.com/novaxhq/novax/internal/events"
	"github.com/novaxhq/novax/internal/gateway"
	"github.com/novaxhq/novax/internal/mcp"
	"github.com/novaxhq/novax/internal/observability"
	"github.com/novaxhq/novax/internal/runner"
	"github.com/novaxhq/novax/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the novax HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("NOVAX_CONFIG")
			}
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default $NOVAX_CONFIG)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	metrics := observability.NewMetrics(nil)

	stopTracing, err := observability.InitTracing(observability.TraceConfig{
		ServiceName:    "novax",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := stopTracing(ctx); err != nil {
			logger.Warn("trace exporter shutdown", "error", err)
		}
	}()

	var store storage.TaskStore
	if cfg.Storage.Path != "" {
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("using sqlite task store", "path", cfg.Storage.Path)
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory task store")
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	run := runner.NewRunner(store, bus, logger, metrics)
	loop := agent.NewLoop(provider, agent.LoopConfig{
		DefaultModel:   cfg.Model.Model,
		FallbackModels: cfg.Model.FallbackModels,
		MaxTokens:      cfg.Model.MaxTokens,
	}, logger, metrics)
	bridge := mcp.NewBridge(cfg.Tools.Services, logger, metrics)
	defer bridge.Close()

	srv := gateway.NewServer(gateway.Options{
		Config:  cfg.Server,
		Store:   store,
		Runner:  run,
		Bus:     bus,
		Loop:    loop,
		Bridge:  bridge,
		Logger:  logger,
		Metrics: metrics,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "provider", provider.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.Model.Provider {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
		}), nil
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Model.Provider)
	}
}
