package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-asset-cache/caches"
)

// State is the lifecycle position of a Worker.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrInvalidState is returned when a lifecycle step is run out of order
	ErrInvalidState = errors.New("invalid worker state for lifecycle step")
)

// precacheConcurrency bounds the number of precache fetches in flight during install.
const precacheConcurrency = 8

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Install opens (creating if needed) the current store and fills it with the
// precache list. Fetches bypass HTTP caches and run concurrently; a failed or non-ok
// fetch is logged and skipped and never fails the install. Only an invalid
// configuration or a storage failure opening the store does.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.c.validate(); err != nil {
		return err
	}

	if !w.transition(StateNew, StateInstalling) {
		return fmt.Errorf("install from %s: %w", w.State(), ErrInvalidState)
	}

	ctx, span := w.tracer.Start(ctx, "assetcache.Install")
	defer span.End()

	name := w.c.CacheName()
	cache, err := w.storage.Open(ctx, name)
	if err != nil {
		w.state.Store(int32(StateRedundant))
		return fmt.Errorf("open cache %s: %w", name, err)
	}

	w.mu.Lock()
	w.cache = cache
	w.mu.Unlock()

	var stored atomic.Int32
	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for _, p := range w.c.Precache {
		g.Go(func() error {
			if w.precache(ctx, p) {
				stored.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("assetcache.precache.total", len(w.c.Precache)),
		attribute.Int("assetcache.precache.stored", int(stored.Load())),
	)
	w.logger.InfoContext(ctx, "worker installed", "precached", stored.Load(), "total", len(w.c.Precache))

	w.state.Store(int32(StateInstalled))
	return nil
}

func (w *Worker) precache(ctx context.Context, p string) bool {
	u, err := w.c.Resolve(p)
	if err != nil {
		w.logger.WarnContext(ctx, "invalid precache path, skipping", "path", p, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		w.logger.WarnContext(ctx, "invalid precache path, skipping", "path", p, "error", err)
		return false
	}
	req.Header.Set(headerCacheControl, directiveNoCache)
	req.Header.Set(headerPragma, directiveNoCache)

	resp, err := w.Wrapped.RoundTrip(req)
	if err != nil {
		w.logger.WarnContext(ctx, "precache fetch failed, skipping", "url", u.String(), "error", err)
		return false
	}
	defer resp.Body.Close()

	return w.put(ctx, caches.KeyURL(u), resp)
}

// Activate deletes every store carrying the configured prefix except the current one
// and then claims: from here on RoundTrip applies the strategy table. Deletion is
// best-effort per store; failures are joined and returned after the claim.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("activate from %s: %w", w.State(), ErrInvalidState)
	}

	ctx, span := w.tracer.Start(ctx, "assetcache.Activate")
	defer span.End()

	var errs []error
	current := w.c.CacheName()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "error listing caches", "error", err)
		errs = append(errs, fmt.Errorf("list caches: %w", err))
	}

	deleted := 0
	for _, name := range names {
		if name == current || !w.c.Owns(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WarnContext(ctx, "error deleting stale cache", "stale", name, "error", err)
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		deleted++
		w.logger.InfoContext(ctx, "deleted stale cache", "stale", name)
	}

	span.SetAttributes(attribute.Int("assetcache.activate.deleted", deleted))

	w.state.Store(int32(StateActivated))
	w.logger.InfoContext(ctx, "worker activated")

	return errors.Join(errs...)
}

// retire marks the worker redundant so it stops applying strategies. Once it
// returns, no new background revalidation can start.
func (w *Worker) retire() {
	w.launch.Lock()
	defer w.launch.Unlock()
	w.state.Store(int32(StateRedundant))
}

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}
