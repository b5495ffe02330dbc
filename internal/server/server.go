// Package server assembles the attachment engine from configuration and runs
// the HTTP API with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the HTTP API until ctx is cancelled. When no queue is
// configured it also starts the in-process job pool and the periodic
// maintenance loop; otherwise the worker binary owns both.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.pool != nil {
		a.pool.Start(ctx, a.Janitor)
	}
	if !a.queued {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Janitor.Run(ctx, a.Config.MaintenanceTick)
		}()
	}

	e := a.API.Handler()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("http shutdown", "err", err)
		}
	}()

	a.Log.Info("attachvault listening", "addr", a.Config.Address, "queued", a.queued)
	err := e.Start(a.Config.Address)
	cancel()
	wg.Wait()
	if a.pool != nil {
		a.pool.Wait()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
