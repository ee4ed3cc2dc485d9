package assetcache

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk form of the tunable parts of a Config. Zero fields leave the
// corresponding Config value untouched.
//
//	version: v1.0.2
//	prefix: static-
//	fallback: index.html
//	precache: [index.html, splash.css]
//	strategies:
//	  navigate: network-first
//	  script: network-first
//	  style: stale-while-revalidate
//	  static: cache-first
//	cross_origin_read_through: true
//	revalidate_timeout: 30s
type Policy struct {
	Version                string            `yaml:"version"`
	Prefix                 string            `yaml:"prefix"`
	Fallback               string            `yaml:"fallback"`
	Precache               []string          `yaml:"precache"`
	Strategies             map[string]string `yaml:"strategies"`
	CrossOriginReadThrough *bool             `yaml:"cross_origin_read_through"`
	RevalidateTimeout      string            `yaml:"revalidate_timeout"`
	MaxBackground          int               `yaml:"max_background"`
}

// LoadPolicy decodes a YAML policy. Unknown fields are rejected.
func LoadPolicy(r io.Reader) (Policy, error) {
	var p Policy

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}

	return p, nil
}

// Apply overlays the policy on c. The strategy table is replaced as a whole when the
// policy names any strategy.
func (p Policy) Apply(c Config) (Config, error) {
	if p.Version != "" {
		c.Version = p.Version
	}
	if p.Prefix != "" {
		c.Prefix = p.Prefix
	}
	if p.Fallback != "" {
		c.FallbackPath = p.Fallback
	}
	if p.Precache != nil {
		c.Precache = append([]string(nil), p.Precache...)
	}
	if p.CrossOriginReadThrough != nil {
		c.CrossOriginReadThrough = *p.CrossOriginReadThrough
	}
	if p.MaxBackground > 0 {
		c.MaxBackground = p.MaxBackground
	}

	if p.RevalidateTimeout != "" {
		d, err := time.ParseDuration(p.RevalidateTimeout)
		if err != nil {
			return c, fmt.Errorf("revalidate_timeout: %w", err)
		}
		c.RevalidateTimeout = d
	}

	if len(p.Strategies) > 0 {
		table := make(map[Category]Strategy, len(p.Strategies))
		for k, v := range p.Strategies {
			cat, err := ParseCategory(k)
			if err != nil {
				return c, err
			}
			if cat == CategorySkip {
				return c, fmt.Errorf("category %q cannot be given a strategy", k)
			}
			s, err := ParseStrategy(v)
			if err != nil {
				return c, fmt.Errorf("category %s: %w", k, err)
			}
			table[cat] = s
		}
		c.Strategies = table
	}

	return c, nil
}
