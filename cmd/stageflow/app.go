package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/stageflow/api"
	"github.com/c360studio/stageflow/config"
	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/llm/gemini"
	"github.com/c360studio/stageflow/metrics"
	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/orchestrator"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/store"
	"github.com/c360studio/stageflow/stream"

	// Register LLM providers via init()
	_ "github.com/c360studio/stageflow/llm/providers"
)

// App wires the stage pipeline behind the HTTP API.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *model.Registry
	store    store.Store
	sessions *stream.Manager
	watcher  *config.RegistryWatcher
	handler  http.Handler
}

// NewApp builds every component from cfg. The returned app owns the store.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	clientOpts := []llm.ClientOption{llm.WithLogger(logger), llm.WithRecorder(recorder)}
	if cfg.LLM.Backend == config.LLMBackendGemini {
		var geminiOpts []gemini.Option
		if key := os.Getenv(cfg.LLM.Gemini.APIKeyEnv); key != "" {
			geminiOpts = append(geminiOpts, gemini.WithAPIKey(key))
		}
		clientOpts = append(clientOpts, llm.WithBackend(gemini.ProviderName, gemini.New(geminiOpts...)))
	}
	completer := llm.NewClient(registry, clientOpts...)
	gen := generation.NewClient(completer,
		generation.WithTimeout(cfg.Generation.Timeout),
		generation.WithLogger(logger))

	orch := orchestrator.New(gen, quality.New(cfg.QualityOptions()), st,
		orchestrator.WithConfig(cfg.Orchestrator()),
		orchestrator.WithObserver(recorder),
		orchestrator.WithLogger(logger))

	heartbeat := cfg.Session.Heartbeat
	if heartbeat < 0 {
		heartbeat = 0
	}
	a.sessions = stream.NewManager(orch,
		stream.WithHeartbeat(heartbeat),
		stream.WithBuffer(cfg.Session.Buffer),
		stream.WithObserver(recorder),
		stream.WithLogger(logger))

	server := api.NewServer(a.sessions, st,
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithRateLimit(api.RateLimitConfig{RequestLimit: cfg.RateLimit.Requests, WindowSize: cfg.RateLimit.Window}),
		api.WithWriteTimeout(cfg.Server.WriteTimeout),
		api.WithLogger(logger))
	a.handler = server.Handler()

	if cfg.LLM.WatchRegistry {
		w, err := config.NewRegistryWatcher(cfg.LLM.Registry, registry, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create registry watcher: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// Handler returns the HTTP handler of the app.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start registry watcher: %w", err)
		}
		defer func() { _ = a.watcher.Stop() }()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("Received shutdown signal")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.sessions.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Sessions did not stop in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Error stopping HTTP server", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app, err := NewApp(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	logger.Info("Stageflow ready",
		"version", Version,
		"store", cfg.Store.Backend,
		"llm_backend", cfg.LLM.Backend)

	if err := app.Run(signalCtx); err != nil {
		return err
	}
	logger.Info("Stageflow shutdown complete")
	return nil
}

// buildRegistry loads the model registry file or falls back to the built-in
// registry. The gemini backend without a file routes every tier to one
// gemini endpoint.
func buildRegistry(cfg *config.Config) (*model.Registry, error) {
	if cfg.LLM.Registry != "" {
		registry, err := model.LoadFromFile(cfg.LLM.Registry)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		if err := registry.Validate(); err != nil {
			return nil, fmt.Errorf("invalid model registry: %w", err)
		}
		return registry, nil
	}

	if cfg.LLM.Backend == config.LLMBackendGemini {
		tiers := make(map[model.Tier]*model.TierConfig)
		for _, t := range []model.Tier{model.TierLite, model.TierPro, model.TierReview} {
			tiers[t] = &model.TierConfig{Preferred: []string{gemini.ProviderName}}
		}
		registry := model.NewRegistry(tiers, map[string]*model.EndpointConfig{
			gemini.ProviderName: {Provider: gemini.ProviderName, Model: cfg.LLM.Gemini.Model},
		})
		registry.SetDefault(gemini.ProviderName)
		return registry, nil
	}
	return model.NewDefaultRegistry(), nil
}

// openStore opens the configured artifact store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreNATS:
		return store.OpenKV(ctx, store.KVConfig{
			URL:    cfg.Store.NATS.URL,
			Bucket: cfg.Store.NATS.Bucket,
			TTL:    cfg.Store.TTL,
		}, logger)
	case config.StoreRedis:
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
			TTL:      cfg.Store.TTL,
		}, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}
