package assetcache

import (
	"fmt"
	"strings"
)

// Strategy is the caching behaviour applied to a category of requests.
type Strategy int

const (
	NetworkOnly Strategy = iota
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

var strategyNames = map[Strategy]string{
	NetworkOnly:          "network-only",
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	for st, n := range strategyNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return NetworkOnly, fmt.Errorf("unknown strategy %q", s)
}

// DefaultStrategies is the self-updating table: pages and scripts always try the
// network so edits show up on the next load, everything else is served stale and
// refreshed in the background.
func DefaultStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		CategoryNavigate: NetworkFirst,
		CategoryScript:   NetworkFirst,
		CategoryStyle:    StaleWhileRevalidate,
		CategoryStatic:   StaleWhileRevalidate,
	}
}

// ClassicStrategies is the versioned table: static assets never change within a
// version, so they are served from the store once fetched.
func ClassicStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		CategoryNavigate: NetworkFirst,
		CategoryScript:   CacheFirst,
		CategoryStyle:    CacheFirst,
		CategoryStatic:   CacheFirst,
	}
}
