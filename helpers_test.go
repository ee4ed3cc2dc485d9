package assetcache_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches/local"
)

var errOffline = errors.New("network unreachable")

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// network counts round trips and can simulate being offline, either entirely or for
// selected paths.
type network struct {
	next http.RoundTripper

	calls   atomic.Int32
	offline atomic.Bool

	mu          sync.Mutex
	unreachable map[string]bool
}

func newNetwork() *network {
	return &network{next: http.DefaultTransport, unreachable: make(map[string]bool)}
}

func (n *network) RoundTrip(r *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, errOffline
	}

	n.mu.Lock()
	down := n.unreachable[r.URL.Path]
	n.mu.Unlock()
	if down {
		return nil, errOffline
	}

	return n.next.RoundTrip(r)
}

func (n *network) block(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[path] = true
}

type fixture struct {
	srv     *httptest.Server
	origin  *url.URL
	net     *network
	storage *local.Storage
	worker  *assetcache.Worker
	client  *http.Client
}

func newFixture(t *testing.T, handler http.Handler, mutate func(*assetcache.Config)) *fixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := assetcache.DefaultConfig(origin)
	cfg.Precache = nil
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		srv:     srv,
		origin:  origin,
		net:     newNetwork(),
		storage: local.NewStorage(),
	}
	f.worker = assetcache.New(f.storage, &cfg, testTime, discardLogger())(f.net)
	f.client = &http.Client{Transport: f.worker}

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.worker.Install(ctx))
	require.NoError(t, f.worker.Activate(ctx))
	f.net.calls.Store(0)
}

func (f *fixture) url(path string) string {
	return f.srv.URL + path
}

// get issues a GET with the given fetch metadata and returns status and body.
func (f *fixture) get(t *testing.T, path string, header map[string]string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.url(path), nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

// stored returns the body stored for path in the worker's current store.
func (f *fixture) stored(t *testing.T, path string) (*assetcache.CacheItem, string, bool) {
	t.Helper()

	bc, ok := f.storage.Lookup(f.worker.Config().CacheName())
	if !ok {
		return nil, "", false
	}

	item, err := bc.Get(context.Background(), f.url(path))
	if err != nil {
		return nil, "", false
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(item.Response)), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return item, string(body), true
}

func (f *fixture) storedCount() int {
	bc, ok := f.storage.Lookup(f.worker.Config().CacheName())
	if !ok {
		return 0
	}
	return bc.Len()
}

var (
	navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document", "Accept": "text/html"}
	style    = map[string]string{"Sec-Fetch-Dest": "style"}
	script   = map[string]string{"Sec-Fetch-Dest": "script"}
	image    = map[string]string{"Sec-Fetch-Dest": "image"}
	audio    = map[string]string{"Sec-Fetch-Dest": "audio"}
)

func withHeader(base map[string]string, k, v string) map[string]string {
	h := make(map[string]string, len(base)+1)
	for bk, bv := range base {
		h[bk] = bv
	}
	h[k] = v
	return h
}

// assets serves fixed bodies per path and 404 for everything else.
func assets(bodies map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}
