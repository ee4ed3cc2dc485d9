package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches/dynamodb"
	"github.com/dgduncan/go-asset-cache/caches/local"
	"github.com/dgduncan/go-asset-cache/caches/postgres"
	"github.com/dgduncan/go-asset-cache/caches/sqlite"
)

// openStorage returns the configured backend and a function releasing it.
func openStorage(ctx context.Context, cfg config) (assetcache.Storage, func(), error) {
	noop := func() {}

	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return local.NewStorage(), noop, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, noop, fmt.Errorf("postgres backend needs ASSETCACHE_POSTGRES_DSN")
		}
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		s, err := postgres.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return s, func() { _ = db.Close() }, nil

	case "dynamodb":
		awscfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("load aws config: %w", err)
		}
		s, err := dynamodb.New(ctx, awsdynamodb.NewFromConfig(awscfg), &dynamodb.Config{Table: cfg.DynamoTable})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}

	return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
}
