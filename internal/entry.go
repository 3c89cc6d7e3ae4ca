// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-graphviz"
	"golang.org/x/sync/errgroup"

	"github.com/starford/pagelink/internal/api"
	"github.com/starford/pagelink/internal/blob"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/crdt/amdoc"
	"github.com/starford/pagelink/internal/crdt/dag"
	"github.com/starford/pagelink/internal/crdt/rga"
	"github.com/starford/pagelink/internal/hub"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/mcpserver"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/notebook"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/sse"
	"github.com/starford/pagelink/internal/storage"
)

// Engine returns the document engine registered under name.
func Engine(name string) (crdt.Engine, error) {
	switch name {
	case EngineRGA, "":
		return rga.New(), nil
	case EngineAutomerge:
		return amdoc.New(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func build(opts []Option) (*application, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app, logger, nil
}

// RunRelay starts the relay: registry store, snapshot blobs, websocket hub
// and the request API.
func RunRelay(ctx context.Context, opts ...Option) error {
	app, logger, err := build(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	if err := cfg.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("database_driver", cfg.Relay.Database.Driver),
		slog.String("blob_backend", cfg.Relay.Blob.Backend),
		slog.String("engine", cfg.Relay.Engine),
		slog.Bool("redis", cfg.Relay.Redis.Enabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	engine, err := Engine(cfg.Relay.Engine)
	if err != nil {
		return err
	}
	store, err := registry.Open(cfg.Relay.Database.Driver, cfg.Relay.Database.DSN)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	defer store.Close()

	blobs, err := blob.Open(cfg.Relay.Blob.Backend, cfg.Relay.Blob.Path)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	defer blobs.Close()

	hubOpts := []hub.Option{hub.WithLogger(logger)}
	if cfg.Relay.Redis.Enabled() {
		rdb, err := hub.DialRedis(ctx, cfg.Relay.Redis.Addr)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer rdb.Close()
		hubOpts = append(hubOpts, hub.WithBus(hub.NewRedisBus(rdb, cfg.Relay.Redis.Channel, 0, logger)))
	}
	h := hub.New(store, hubOpts...)
	defer h.Close()

	svc := registry.NewService(store, blobs, engine,
		registry.WithNotifier(h),
		registry.WithDefaultQuota(cfg.Relay.PageQuota),
		registry.WithLogger(logger),
	)
	router := api.NewRelayRouter(svc, h, api.RelayOptions{
		Transport:   cfg.Transport.ConnOptions(logger),
		Keepalive:   cfg.Transport.Keepalive,
		AuthTimeout: cfg.Relay.AuthTimeout,
		Logger:      logger,
	})

	return serve(ctx, logger, cfg.App.HTTP.Address(), router, h.Run)
}

// RunNotebook starts a notebook agent over the configured vault with its
// control API, and the MCP server when enabled.
func RunNotebook(ctx context.Context, opts ...Option) error {
	app, logger, err := build(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	if err := cfg.Notebook.Validate(); err != nil {
		return fmt.Errorf("notebook config: %w", err)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("relay_url", cfg.Notebook.RelayURL),
		slog.String("notebook_uuid", cfg.Notebook.NotebookUUID),
		slog.String("pages_dir", cfg.Notebook.PagesDir),
		slog.String("index_path", cfg.Notebook.IndexPath),
		slog.Bool("mcp", app.mcp),
		slog.String("log_level", cfg.App.LogLevel.String()))

	engine, err := Engine(cfg.Notebook.Engine)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Notebook.PagesDir, 0o755); err != nil {
		return fmt.Errorf("create pages dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Notebook.PagesDir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	db, err := index.Open(cfg.Notebook.IndexPath)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	defer db.Close()

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	agent, err := notebook.NewAgent(notebook.Config{
		RelayURL:       cfg.Notebook.RelayURL,
		NotebookUUID:   cfg.Notebook.NotebookUUID,
		Token:          cfg.Notebook.Token,
		App:            cfg.Notebook.App,
		Workspace:      cfg.Notebook.Workspace,
		Engine:         engine,
		Transport:      cfg.Transport.ConnOptions(logger),
		Keepalive:      cfg.Transport.Keepalive,
		RequestTimeout: cfg.Request.Timeout,
		Debounce:       cfg.Notebook.Debounce,
		CatchUpEvery:   cfg.Notebook.CatchUpEvery,
		Logger:         logger,
	}, store, db, broker)
	if err != nil {
		return fmt.Errorf("init notebook: %w", err)
	}

	router := api.NewRouter(agent, api.ControlOptions{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      broker,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	workers := []func(context.Context) error{agent.Run}
	if app.mcp {
		srv := mcpserver.New(agent, app.version)
		workers = append(workers, func(context.Context) error {
			defer cancel()
			return srv.ServeStdio()
		})
	}
	return serve(ctx, logger, cfg.App.HTTP.Address(), router, workers...)
}

// serve runs handler on addr next to workers until a signal arrives, ctx ends
// or any of them fails.
func serve(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler, workers ...func(context.Context) error) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	for _, w := range workers {
		g.Go(func() error { return w(gCtx) })
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// Register creates a notebook identity in the relay database and returns it
// with its one-time token.
func Register(ctx context.Context, cfg *Config, app, workspace string) (models.Notebook, string, error) {
	if err := cfg.Relay.Validate(); err != nil {
		return models.Notebook{}, "", fmt.Errorf("relay config: %w", err)
	}
	engine, err := Engine(cfg.Relay.Engine)
	if err != nil {
		return models.Notebook{}, "", err
	}
	store, err := registry.Open(cfg.Relay.Database.Driver, cfg.Relay.Database.DSN)
	if err != nil {
		return models.Notebook{}, "", fmt.Errorf("init registry: %w", err)
	}
	defer store.Close()
	blobs, err := blob.Open(cfg.Relay.Blob.Backend, cfg.Relay.Blob.Path)
	if err != nil {
		return models.Notebook{}, "", fmt.Errorf("init blob store: %w", err)
	}
	defer blobs.Close()

	return registry.NewService(store, blobs, engine).Register(ctx, app, workspace)
}

// RenderDAG draws the change graph of a saved replica. The snapshot may be
// raw engine bytes or the base64 form used on the wire.
func RenderDAG(engineName, snapshotPath string, format graphviz.Format, w io.Writer) error {
	engine, err := Engine(engineName)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	doc, err := engine.Load(data, crdt.ActorID("pagelink", "dag"))
	if err != nil {
		decoded, decErr := codec.DecodeState(string(data))
		if decErr != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if doc, err = engine.Load(decoded, crdt.ActorID("pagelink", "dag")); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
	}
	return dag.Render(engine, doc, format, w)
}
