package assetcache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dgduncan/go-asset-cache/caches"
)

const (
	headerCacheControl = "Cache-Control"
	headerContentType  = "Content-Type"
	headerETAG         = "etag"
	headerPragma       = "Pragma"

	headerIfNoneMatch = "If-None-Match"

	headerLastModified    = "Last-Modified"
	headerIfModifiedSince = "If-Modified-Since"

	headerRange   = "Range"
	headerIfRange = "If-Range"
)

const (
	directiveNoCache = "no-cache"
	directiveNoStore = "no-store"
)

const tracerName = "github.com/dgduncan/go-asset-cache"

const offlineBody = `<!doctype html><html><head><meta charset="utf-8"><title>Offline</title></head>` +
	`<body><h1>Offline</h1><p>This page is not available offline.</p></body></html>`

// Worker implements http.RoundTripper and serves the requests of the pages it controls
// from a versioned response store. Each request is classified and handed to the
// strategy configured for its category. Until the worker is activated, requests are
// forwarded to Wrapped untouched.
type Worker struct {
	Wrapped http.RoundTripper

	storage Storage
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	c Config

	state atomic.Int32

	mu    sync.RWMutex
	cache Cache

	// launch serializes starting background work against retire, so Wait never
	// races a late Go.
	launch     sync.Mutex
	background errgroup.Group
	slots      *semaphore.Weighted
}

// RoundTrip implements http.RoundTripper. Requests in a managed category never return
// an error: network failures are answered from the store, from the fallback document,
// or with a synthetic 503 offline page.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	if w.State() != StateActivated {
		return w.Wrapped.RoundTrip(r)
	}

	ctx, span := w.tracer.Start(r.Context(), "assetcache.RoundTrip")
	defer span.End()
	r = r.WithContext(ctx)

	cat := Classify(r, w.c.Origin)
	strategy := w.c.StrategyFor(cat)
	if !isGet(r) {
		strategy = NetworkOnly
	}

	span.SetAttributes(
		attribute.String("assetcache.category", cat.String()),
		attribute.String("assetcache.strategy", strategy.String()),
	)

	switch strategy {
	case CacheFirst:
		return w.cacheFirst(r)
	case NetworkFirst:
		return w.networkFirst(r)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(r)
	}

	if cat == CategorySkip && w.c.CrossOriginReadThrough && isGet(r) && isHTTP(r) {
		if item, ok := w.lookup(ctx, caches.Key(r)); ok {
			if resp, err := w.respond(item, r); err == nil {
				markCacheStatus(ctx, "hit")
				return resp, nil
			}
		}
	}

	return w.Wrapped.RoundTrip(r)
}

// Wait blocks until every background revalidation started so far has finished.
func (w *Worker) Wait() {
	_ = w.background.Wait()
}

// Config returns a copy of the worker's configuration.
func (w *Worker) Config() Config {
	return w.c
}

func (w *Worker) cacheFirst(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	key := caches.Key(r)

	if item, ok := w.lookup(ctx, key); ok {
		resp, err := w.respond(item, r)
		if err == nil {
			w.logger.DebugContext(ctx, "cache item found", "url", key)
			markCacheStatus(ctx, "hit")
			return resp, nil
		}
		w.logger.WarnContext(ctx, "stored response unreadable, refetching", "url", key, "error", err)
	}

	resp, err := w.fetch(r, nil)
	if err != nil {
		w.logger.WarnContext(ctx, "network fetch failed", "url", key, "error", err)
		return w.offline(r), nil
	}

	markCacheStatus(ctx, "miss")
	w.put(ctx, key, resp)
	return resp, nil
}

func (w *Worker) networkFirst(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	key := caches.Key(r)

	resp, err := w.fetch(r, http.Header{
		headerCacheControl: {directiveNoCache},
		headerPragma:       {directiveNoCache},
	})
	if err == nil {
		markCacheStatus(ctx, "network")
		w.put(ctx, key, resp)
		return resp, nil
	}

	w.logger.WarnContext(ctx, "network fetch failed, falling back to cache", "url", key, "error", err)

	if item, ok := w.lookup(ctx, key); ok {
		if resp, err := w.respond(item, r); err == nil {
			markCacheStatus(ctx, "hit")
			return resp, nil
		}
	}

	return w.offline(r), nil
}

func (w *Worker) staleWhileRevalidate(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	key := caches.Key(r)

	if item, ok := w.lookup(ctx, key); ok {
		resp, err := w.respond(item, r)
		if err == nil {
			w.logger.DebugContext(ctx, "cache item found, revalidating in background", "url", key)
			markCacheStatus(ctx, "stale")
			w.revalidate(r, key, item)
			return resp, nil
		}
		w.logger.WarnContext(ctx, "stored response unreadable, refetching", "url", key, "error", err)
	}

	resp, err := w.fetch(r, nil)
	if err != nil {
		w.logger.WarnContext(ctx, "network fetch failed", "url", key, "error", err)
		markCacheStatus(ctx, "offline")
		return offlineResponse(r), nil
	}

	markCacheStatus(ctx, "miss")
	w.put(ctx, key, resp)
	return resp, nil
}

// revalidate refreshes a stored item off the response path. The request is made
// conditional with the item's validators and always asks for the full body; a 304
// keeps the stored body and only refreshes StoredAt. Revalidations over
// Config.MaxBackground wait for a free slot; none is dropped.
func (w *Worker) revalidate(r *http.Request, key string, item *CacheItem) {
	ctx := context.WithoutCancel(r.Context())

	nr := r.Clone(ctx)
	if nr.Header == nil {
		nr.Header = make(http.Header)
	}
	nr.Header.Del(headerRange)
	nr.Header.Del(headerIfRange)
	nr.Header.Del(headerIfNoneMatch)
	nr.Header.Del(headerIfModifiedSince)
	if item.ETAG != "" {
		nr.Header.Set(headerIfNoneMatch, item.ETAG)
	}
	if item.LastModified != nil {
		nr.Header.Set(headerIfModifiedSince, item.LastModified.UTC().Format(http.TimeFormat))
	}

	w.launch.Lock()
	defer w.launch.Unlock()
	if w.State() != StateActivated {
		w.logger.DebugContext(ctx, "worker no longer active, skipping revalidation", "url", key)
		return
	}

	w.background.Go(func() error {
		if w.slots != nil {
			if err := w.slots.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer w.slots.Release(1)
		}

		ctx := ctx
		if w.c.RevalidateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.c.RevalidateTimeout)
			defer cancel()
		}

		resp, err := w.Wrapped.RoundTrip(nr.WithContext(ctx))
		if err != nil {
			w.logger.WarnContext(ctx, "background revalidation failed", "url", key, "error", err)
			return nil
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			w.logger.DebugContext(ctx, "cache item successfully revalidated", "url", key)
			refreshed := *item
			refreshed.StoredAt = w.now().UTC()
			w.set(ctx, key, &refreshed)
		case isOK(resp):
			w.logger.DebugContext(ctx, "cache item replaced by revalidation", "url", key)
			w.put(ctx, key, resp)
		default:
			w.logger.DebugContext(ctx, "revalidation returned non-ok status, keeping stored item",
				"url", key, "status", resp.StatusCode)
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return nil
	})
}

// fetch sends a clone of r to the network with the extra headers set.
func (w *Worker) fetch(r *http.Request, extra http.Header) (*http.Response, error) {
	nr := r.Clone(r.Context())
	if nr.Header == nil {
		nr.Header = make(http.Header)
	}
	for k, v := range extra {
		nr.Header[k] = v
	}
	return w.Wrapped.RoundTrip(nr)
}

// offline answers a request the network could not serve: the stored fallback document
// if there is one, otherwise a synthetic 503 page.
func (w *Worker) offline(r *http.Request) *http.Response {
	ctx := r.Context()

	if w.c.FallbackPath != "" {
		if u, err := w.c.Resolve(w.c.FallbackPath); err == nil {
			if item, ok := w.lookup(ctx, caches.KeyURL(u)); ok {
				if resp, err := w.respond(item, r); err == nil {
					markCacheStatus(ctx, "fallback")
					return resp
				}
			}
		}
	}

	markCacheStatus(ctx, "offline")
	return offlineResponse(r)
}

func (w *Worker) lookup(ctx context.Context, key string) (*CacheItem, bool) {
	cache := w.store()
	if cache == nil {
		return nil, false
	}

	item, err := cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, caches.ErrNoCacheItem) {
			w.logger.DebugContext(ctx, "cache item not found", "url", key)
		} else {
			w.logger.WarnContext(ctx, "error reading cache", "url", key, "error", err)
		}
		return nil, false
	}
	return item, true
}

func (w *Worker) respond(item *CacheItem, r *http.Request) (*http.Response, error) {
	nr := bufio.NewReader(bytes.NewReader(item.Response))
	return http.ReadResponse(nr, r)
}

// put stores a copy of a complete 200 response and leaves resp readable. Partial
// content and other 2xx statuses are never stored. It reports whether the response
// was written.
func (w *Worker) put(ctx context.Context, key string, resp *http.Response) bool {
	if !isOK(resp) {
		w.logger.DebugContext(ctx, "non-ok response, not caching", "url", key, "status", resp.StatusCode)
		return false
	}
	if hasDirective(resp.Header.Get(headerCacheControl), directiveNoStore) {
		w.logger.DebugContext(ctx, "no-store response, not caching", "url", key)
		return false
	}

	resBytes, err := httputil.DumpResponse(resp, true)
	if err != nil {
		w.logger.WarnContext(ctx, "error reading response for cache", "url", key, "error", err)
		return false
	}

	return w.set(ctx, key, &CacheItem{
		URL:          key,
		ETAG:         getETAGHeader(resp),
		LastModified: getLastModifiedHeader(resp),
		Response:     resBytes,
		StoredAt:     w.now().UTC(),
	})
}

func (w *Worker) set(ctx context.Context, key string, item *CacheItem) bool {
	cache := w.store()
	if cache == nil || w.State() == StateRedundant {
		return false
	}

	if err := cache.Set(ctx, key, item); err != nil {
		w.logger.WarnContext(ctx, "error caching response", "url", key, "error", err)
		return false
	}

	w.logger.DebugContext(ctx, "cached response", "url", key)
	return true
}

func (w *Worker) store() Cache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache
}

func offlineResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			headerContentType:  {"text/html; charset=utf-8"},
			headerCacheControl: {directiveNoStore},
		},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       r,
	}
}

func markCacheStatus(ctx context.Context, status string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("assetcache.status", status))
}

// isOK reports whether r is a complete response worth storing.
func isOK(r *http.Response) bool {
	return r.StatusCode == http.StatusOK
}

func isGet(r *http.Request) bool {
	return r.Method == "" || r.Method == http.MethodGet
}

func isHTTP(r *http.Request) bool {
	s := strings.ToLower(r.URL.Scheme)
	return s == "http" || s == "https"
}

func hasDirective(header, directive string) bool {
	for _, d := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(d), directive) {
			return true
		}
	}
	return false
}

func getETAGHeader(r *http.Response) string {
	return r.Header.Get(headerETAG)
}

func getLastModifiedHeader(r *http.Response) *time.Time {
	lastModified := r.Header.Get(headerLastModified)
	if lastModified == "" {
		return nil
	}
	parsedTime, err := time.Parse(http.TimeFormat, lastModified)
	if err != nil {
		return nil
	}
	return &parsedTime
}

// New creates a transport middleware that turns an http.RoundTripper into a caching
// Worker.
//
// The worker keeps its stores in the provided Storage. If opts is nil, DefaultConfig
// with a nil origin is used and Install will fail validation.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
// If the wrapped RoundTripper is nil, http.DefaultTransport is used.
//
// The returned worker forwards everything to the network until it has been installed
// and activated, either directly or through a Registration.
func New(
	storage Storage,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) func(http.RoundTripper) *Worker {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig(nil)
	} else {
		c = *opts
	}

	return func(rt http.RoundTripper) *Worker {
		if rt == nil {
			rt = http.DefaultTransport
		}

		w := &Worker{
			Wrapped: rt,
			storage: storage,
			now:     nowFunc,
			logger:  logger.With("cache", c.CacheName()),
			tracer:  otel.Tracer(tracerName),
			c:       c,
		}
		if c.MaxBackground > 0 {
			w.slots = semaphore.NewWeighted(int64(c.MaxBackground))
		}
		return w
	}
}

var _ http.RoundTripper = (*Worker)(nil)
