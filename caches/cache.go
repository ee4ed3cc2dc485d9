package caches

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultBatchSize is the number of items removed per batch when a store is deleted
var DefaultBatchSize = 25

// Key returns the store key for a request: its absolute URL with the scheme and host
// lower-cased and the fragment dropped.
func Key(r *http.Request) string {
	return KeyURL(r.URL)
}

// KeyURL is Key for a bare URL.
func KeyURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
	}

	return n.String()
}
