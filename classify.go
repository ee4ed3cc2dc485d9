package assetcache

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Category is the class of an intercepted request and selects its strategy.
type Category int

const (
	CategorySkip Category = iota
	CategoryNavigate
	CategoryStyle
	CategoryScript
	CategoryStatic
)

const (
	headerAccept   = "Accept"
	headerFetchDst = "Sec-Fetch-Dest"
	headerFetchMod = "Sec-Fetch-Mode"
)

var categoryNames = map[Category]string{
	CategorySkip:     "skip",
	CategoryNavigate: "navigate",
	CategoryStyle:    "style",
	CategoryScript:   "script",
	CategoryStatic:   "static",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	for c, n := range categoryNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return CategorySkip, fmt.Errorf("unknown category %q", s)
}

var (
	styleSuffixes  = []string{".css"}
	scriptSuffixes = []string{".js", ".mjs"}
	staticSuffixes = []string{
		".woff", ".woff2", ".ttf", ".otf", ".eot",
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
		".mp3", ".m4a", ".aac", ".ogg", ".oga", ".opus", ".wav", ".flac",
		".mp4", ".m4v", ".webm", ".ogv", ".mov",
	}
	staticDestinations = map[string]bool{
		"style":  true,
		"script": true,
		"image":  true,
		"font":   true,
		"audio":  true,
		"video":  true,
		"track":  true,
	}
)

// Classify decides how a request is handled relative to the controlling origin. The
// destination and navigation flag are read from the Sec-Fetch-Dest and Sec-Fetch-Mode
// request headers. The guards are ordered: a navigation always wins over a suffix match.
func Classify(r *http.Request, origin *url.URL) Category {
	u := r.URL
	if u == nil {
		return CategorySkip
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return CategorySkip
	}

	if !sameOrigin(u, origin) {
		return CategorySkip
	}

	dest := strings.ToLower(r.Header.Get(headerFetchDst))
	if dest == "document" ||
		strings.EqualFold(r.Header.Get(headerFetchMod), "navigate") ||
		strings.Contains(r.Header.Get(headerAccept), "text/html") {
		return CategoryNavigate
	}

	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case hasSuffix(ext, styleSuffixes):
		return CategoryStyle
	case hasSuffix(ext, scriptSuffixes):
		return CategoryScript
	case staticDestinations[dest] || hasSuffix(ext, staticSuffixes):
		return CategoryStatic
	}

	return CategorySkip
}

func hasSuffix(ext string, suffixes []string) bool {
	if ext == "" {
		return false
	}
	for _, s := range suffixes {
		if ext == s {
			return true
		}
	}
	return false
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) &&
		strings.EqualFold(u.Hostname(), origin.Hostname()) &&
		effectivePort(u) == effectivePort(origin)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
