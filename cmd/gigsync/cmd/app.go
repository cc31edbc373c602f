package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mfenderov/gigsync/internal/batch"
	"github.com/mfenderov/gigsync/internal/catalog"
	"github.com/mfenderov/gigsync/internal/classify"
	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/internal/db"
	"github.com/mfenderov/gigsync/internal/ingestion"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/mfenderov/gigsync/internal/provider"
	_ "github.com/mfenderov/gigsync/internal/provider/setlistfm"
	"github.com/mfenderov/gigsync/internal/ratelimit"
	"github.com/mfenderov/gigsync/internal/resolver"
	"github.com/mfenderov/gigsync/internal/search"
	"github.com/mfenderov/gigsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// app holds the components shared by the ingestion commands.
type app struct {
	cfg     config.Config
	metrics *metrics.Metrics
	errors  *classify.Tracker
	redis   redis.UniversalClient
	limiter *ratelimit.Limiter
	store   *db.Store
	catalog *catalog.Catalog
	search  *search.Client // nil when disabled
	engine  *ingestion.Engine
}

func newRedis(cfg config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func newLimiter(rdb redis.UniversalClient, cfg config.Redis, m *metrics.Metrics) *ratelimit.Limiter {
	return ratelimit.New(rdb,
		ratelimit.WithNamespace(cfg.Namespace),
		ratelimit.WithViolationLog(cfg.ViolationLogSize, cfg.ViolationLogTTL),
		ratelimit.WithMetrics(m),
	)
}

func newSearch(cfg config.Elasticsearch) (*search.Client, error) {
	return search.New(search.Config{
		Addresses: cfg.Addresses,
		Index:     cfg.Index,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
}

// newApp connects to every configured backend and builds the ingestion
// engine. Optional backends that are unreachable are logged and skipped.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	a.errors = classify.NewTracker(cfg.Errors.Capacity, a.metrics)

	a.redis = newRedis(cfg.Redis)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, rate limiter will fail open", "addr", cfg.Redis.Addr, "error", err)
	}
	a.limiter = newLimiter(a.redis, cfg.Redis, a.metrics)

	store, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		a.redis.Close()
		return nil, err
	}
	a.store = store
	a.catalog = catalog.New(store)

	var connectors []provider.Connector
	deps := provider.Deps{Gate: a.limiter, Errors: a.errors, Metrics: a.metrics}
	for _, p := range cfg.Providers {
		ctor, err := provider.Get(p.Name)
		if err != nil {
			a.Close()
			return nil, err
		}
		c, err := ctor(p, deps)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create %s connector: %w", p.Name, err)
		}
		connectors = append(connectors, c)
	}

	res := resolver.New(a.catalog, resolver.Config{
		GeoRadiusMeters: cfg.Resolver.GeoRadiusMeters,
		MaxNewAliases:   cfg.Resolver.MaxNewAliases,
	}, a.metrics)

	writer := batch.New(store, batch.Config{
		BatchSize:       cfg.Batch.BatchSize,
		MaxRetries:      cfg.Batch.MaxRetries,
		RetryDelay:      cfg.Batch.RetryDelay,
		ParallelBatches: cfg.Batch.ParallelBatches,
		Timeout:         cfg.Batch.Timeout,
	}, a.errors, a.metrics)

	opts := []ingestion.Option{ingestion.WithErrors(a.errors), ingestion.WithMetrics(a.metrics)}

	if cfg.Storage.Enabled {
		archive, err := storage.New(storage.Config{
			Endpoint:        cfg.Storage.Endpoint,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UseSSL:          cfg.Storage.UseSSL,
		})
		if err == nil {
			err = archive.EnsureBucket(ctx)
		}
		if err != nil {
			slog.Warn("raw page archive disabled", "endpoint", cfg.Storage.Endpoint, "error", err)
		} else {
			opts = append(opts, ingestion.WithArchive(archive))
		}
	}

	if cfg.Elasticsearch.Enabled {
		sc, err := newSearch(cfg.Elasticsearch)
		if err == nil && !sc.Ping(ctx) {
			err = errors.New("ping failed")
		}
		if err == nil {
			err = sc.CreateIndex(ctx)
		}
		if err != nil {
			slog.Warn("concert search index disabled", "index", cfg.Elasticsearch.Index, "error", err)
		} else {
			a.search = sc
			opts = append(opts, ingestion.WithIndexer(sc, a.catalog))
		}
	}

	a.engine = ingestion.New(connectors, res, writer, opts...)
	return a, nil
}

// Close drains the engine and releases connections.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
