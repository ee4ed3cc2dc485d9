package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	assetcache "github.com/dgduncan/go-asset-cache"
)

type config struct {
	Listen   string `env:"ASSETCACHE_LISTEN" envDefault:":8080"`
	Upstream string `env:"ASSETCACHE_UPSTREAM,required"`

	Backend     string `env:"ASSETCACHE_BACKEND" envDefault:"sqlite"`
	SQLitePath  string `env:"ASSETCACHE_SQLITE_PATH" envDefault:"assetcache.sqlite3"`
	PostgresDSN string `env:"ASSETCACHE_POSTGRES_DSN"`
	DynamoTable string `env:"ASSETCACHE_DYNAMODB_TABLE" envDefault:"asset-cache"`

	Prefix     string `env:"ASSETCACHE_PREFIX" envDefault:"static-"`
	Version    string `env:"ASSETCACHE_VERSION" envDefault:"v1.0.1"`
	PolicyFile string `env:"ASSETCACHE_POLICY"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("assetcache exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("parse upstream: %w", err)
	}

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	reg := assetcache.NewRegistration(http.DefaultTransport, logger)
	defer reg.Close()

	register := func() error {
		wc, err := workerConfig(upstream, cfg)
		if err != nil {
			return err
		}
		w := assetcache.New(storage, &wc, nil, logger)(http.DefaultTransport)
		if err := reg.Register(ctx, w); err != nil && reg.Active() != w {
			return err
		}
		logger.InfoContext(ctx, "worker registered", "cache", wc.CacheName())
		return nil
	}

	if err := register(); err != nil {
		return err
	}

	if cfg.PolicyFile != "" {
		go func() {
			err := watchPolicy(ctx, cfg.PolicyFile, logger, func() {
				if err := register(); err != nil {
					logger.ErrorContext(ctx, "policy reload failed, keeping current worker", "error", err)
				}
			})
			if err != nil {
				logger.ErrorContext(ctx, "policy watch stopped", "error", err)
			}
		}()
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = reg

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", cfg.Listen, "upstream", upstream.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

// workerConfig builds the worker configuration from the environment and, when set,
// the policy file. It is re-run on every policy change.
func workerConfig(origin *url.URL, cfg config) (assetcache.Config, error) {
	c := assetcache.DefaultConfig(origin)
	c.Prefix = cfg.Prefix
	c.Version = cfg.Version

	if cfg.PolicyFile == "" {
		return c, nil
	}

	f, err := os.Open(cfg.PolicyFile)
	if err != nil {
		return c, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()

	p, err := assetcache.LoadPolicy(f)
	if err != nil {
		return c, err
	}
	return p.Apply(c)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
