package assetcache

import (
	"net/url"
	"strings"
	"time"

	"github.com/dgduncan/go-asset-cache/caches"
)

// DefaultPrecache is the asset manifest fetched on install. Paths are relative to
// Config.Origin.
var DefaultPrecache = []string{
	"index.html",
	"splash.css",
	"splash.js",
	"player-core.bundle.v3.3.js",
	"views/portrait.css",
	"views/landscape.css",
	"fonts/BebasNeuePro_Regular.woff2",
	"fonts/BebasNeuePro_Bold.woff2",
	"fonts/BebasNeuePro_Light.woff2",
	"img/cover.jpg",
}

const (
	DefaultPrefix       = "static-"
	DefaultVersion      = "v1.0.1"
	DefaultFallbackPath = "index.html"
)

type Config struct {
	// Origin is the controlling page origin. Requests to any other origin are never
	// written to the store, and relative precache paths are resolved against it.
	Origin *url.URL

	// Prefix marks the stores owned by this worker. Activate deletes every store
	// carrying the prefix except the current one, so it must not be shared with
	// stores created by anything else.
	Prefix string

	// Version is appended to Prefix to name the current store. Leave empty for a
	// single, self-updating store.
	Version string

	// Precache lists the paths fetched eagerly on install.
	Precache []string

	// FallbackPath names the stored document served when a request fails offline and
	// has no stored copy of its own.
	FallbackPath string

	// Strategies selects the strategy per category. Categories without an entry are
	// forwarded to the network.
	Strategies map[Category]Strategy

	// CrossOriginReadThrough lets skipped http(s) requests, cross-origin ones included,
	// be answered from the store when an entry exists. Nothing is ever written for them.
	CrossOriginReadThrough bool

	// RevalidateTimeout bounds a background revalidation.
	RevalidateTimeout time.Duration

	// MaxBackground caps concurrent background revalidations. Revalidations over the
	// cap queue until a slot frees up. Zero means no cap.
	MaxBackground int
}

// DefaultConfig returns a configuration with sensible defaults for the given origin
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:            origin,
		Prefix:            DefaultPrefix,
		Version:           DefaultVersion,
		Precache:          append([]string(nil), DefaultPrecache...),
		FallbackPath:      DefaultFallbackPath,
		Strategies:        DefaultStrategies(),
		RevalidateTimeout: 30 * time.Second,
		MaxBackground:     64,
	}
}

// CacheName is the name of the current store.
func (c Config) CacheName() string {
	return c.Prefix + c.Version
}

// Owns reports whether a store name carries this configuration's prefix.
func (c Config) Owns(name string) bool {
	return strings.HasPrefix(name, c.Prefix)
}

// StrategyFor returns the strategy configured for a category.
func (c Config) StrategyFor(cat Category) Strategy {
	if cat == CategorySkip {
		return NetworkOnly
	}
	if s, ok := c.Strategies[cat]; ok {
		return s
	}
	return NetworkOnly
}

// Resolve turns a path relative to the origin into an absolute URL.
func (c Config) Resolve(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	base := *c.Origin
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref), nil
}

func (c Config) validate() error {
	if c.Origin == nil {
		return caches.ValidationError{Reason: "nil origin"}
	}
	scheme := strings.ToLower(c.Origin.Scheme)
	if (scheme != "http" && scheme != "https") || c.Origin.Host == "" {
		return caches.ValidationError{Reason: "origin must be an absolute http(s) url"}
	}
	if c.Prefix == "" {
		return caches.ValidationError{Reason: "empty cache prefix"}
	}
	return nil
}
