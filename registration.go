package assetcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// Registration controls which Worker serves requests. Registering a worker installs
// it, retires and drains the previous worker, and activates the new one immediately.
// Requests arriving while the previous worker drains go straight to the network.
type Registration struct {
	network http.RoundTripper
	logger  *slog.Logger

	mu     sync.Mutex
	active atomic.Pointer[Worker]
}

// NewRegistration returns a Registration that forwards to network while no worker is
// active. A nil network means http.DefaultTransport, a nil logger discards.
func NewRegistration(network http.RoundTripper, logger *slog.Logger) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registration{network: network, logger: logger}
}

// Register installs w, activates it and makes it the active worker. A failed install
// leaves the current worker in place. An activation error is returned after the swap:
// w is active but some stale stores may remain.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() == w {
		return nil
	}

	name := w.Config().CacheName()

	if err := w.Install(ctx); err != nil {
		w.retire()
		r.logger.ErrorContext(ctx, "worker install failed", "cache", name, "error", err)
		return fmt.Errorf("install %s: %w", name, err)
	}

	// The previous worker's revalidations must land before the sweep below.
	if old := r.active.Load(); old != nil && old != w {
		old.retire()
		old.Wait()
		r.logger.InfoContext(ctx, "previous worker retired", "cache", old.Config().CacheName())
	}

	activateErr := w.Activate(ctx)
	if activateErr != nil {
		r.logger.WarnContext(ctx, "worker activated with errors", "cache", name, "error", activateErr)
	}

	r.active.Store(w)
	return activateErr
}

// Active returns the worker currently serving requests, or nil.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// RoundTrip implements http.RoundTripper by delegating to the active worker.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := r.active.Load(); w != nil {
		return w.RoundTrip(req)
	}
	return r.network.RoundTrip(req)
}

// Close unregisters the active worker and waits for its background work.
func (r *Registration) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w := r.active.Swap(nil); w != nil {
		w.retire()
		w.Wait()
	}
}

var _ http.RoundTripper = (*Registration)(nil)
