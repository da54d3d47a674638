package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vk/agentgridgo/internal/ctxlog"
)

// Run serves the kernel until the context is canceled, then shuts the HTTP
// server down gracefully. Orphaned runs from a previous process are recovered
// before the first request is accepted.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if err := a.kernel.Rehydrate(ctx); err != nil {
		a.logger.Warn("Crash recovery pass failed.", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Kernel listening.", "addr", a.cfg.ListenAddr, "executor_url", a.cfg.ExecutorURL)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(shutdownCtx)
}
