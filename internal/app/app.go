package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vk/agentgridgo/internal/artifact"
	"github.com/vk/agentgridgo/internal/broadcast"
	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/gateway"
	"github.com/vk/agentgridgo/internal/registry"
	"github.com/vk/agentgridgo/internal/runtime"
	"github.com/vk/agentgridgo/internal/server"
	"github.com/vk/agentgridgo/internal/workspace"
)

// App encapsulates the kernel's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	cfg        *Config
	kernel     *runtime.Kernel
	httpServer *http.Server
}

// NewApp wires a fully initialized kernel process from its configuration.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	ws, err := workspace.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("initializing storage root: %w", err)
	}

	patterns := registry.New()
	if cfg.PatternsFile != "" {
		if err := patterns.LoadFile(cfg.PatternsFile); err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		logger.Info("Loaded safety patterns.", "file", cfg.PatternsFile, "count", patterns.Len())
	}

	var (
		artifacts artifact.Store
		states    artifact.StateStore
	)
	if cfg.RedisURL != "" {
		store, err := artifact.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		artifacts, states = store, store
		logger.Info("Connected to Redis.", "url", cfg.RedisURL)
	} else {
		store := artifact.NewMemoryStore()
		artifacts, states = store, store
		logger.Warn("No Redis configured; run state and artifacts are held in memory only.")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := events.NewBus()
	kernel := runtime.New(runtime.Deps{
		Invoker:   gateway.NewHTTPInvoker(cfg.ExecutorURL, gateway.WithTimeout(cfg.InvokeTimeout)),
		Artifacts: artifacts,
		States:    states,
		Bus:       bus,
		Patterns:  patterns,
		Workspace: ws,
		Metrics:   runtime.NewMetrics(promReg),
		Logger:    logger,
	})
	streamer := broadcast.New(kernel, bus, broadcast.WithInterval(cfg.BroadcastInterval))
	srv := server.New(kernel, streamer, ws, promReg, logger)

	return &App{
		outW:   outW,
		logger: logger,
		cfg:    cfg,
		kernel: kernel,
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: srv.Router(),
		},
	}, nil
}

// Kernel returns the app's kernel. This is primarily for testing.
func (a *App) Kernel() *runtime.Kernel {
	return a.kernel
}
