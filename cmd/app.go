package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"referral-probe/pkg/analyzer"
	"referral-probe/pkg/config"
	"referral-probe/pkg/connectivity"
	"referral-probe/pkg/credentials"
	"referral-probe/pkg/database"
	"referral-probe/pkg/fetch"
	"referral-probe/pkg/metrics"
	"referral-probe/pkg/session"
)

// app holds everything a command needs, built once from the loaded config.
type app struct {
	cfg        *config.Config
	creds      *credentials.EnvStore
	factory    connectivity.ResolverFactory
	analyzer   *analyzer.Analyzer
	controller *session.Controller
	registry   *prometheus.Registry
	db         *database.DB
	redis      *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	a.creds, err = credentials.Load(cfg.Credentials.EnvFile, cfg.Website.Referer)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded credentials", "accounts", a.creds.Names())

	bootstrap := &http.Client{Timeout: cfg.Fetch.Timeout}
	fetchTransport, err := config.ResolveTransport(ctx, bootstrap, cfg.Fetch.Transport)
	if err != nil {
		return nil, fmt.Errorf("error resolving fetch transport: %v", err)
	}
	analyzerTransport, err := config.ResolveTransport(ctx, bootstrap, cfg.Analyzer.Transport)
	if err != nil {
		return nil, fmt.Errorf("error resolving analyzer transport: %v", err)
	}

	client, err := fetch.NewClient(fetch.Options{
		Transport:         fetchTransport,
		Timeout:           cfg.Fetch.Timeout,
		MaxRedirects:      cfg.Fetch.MaxRedirects,
		ChallengeAttempts: cfg.Fetch.ChallengeAttempts,
		ChallengeWait:     cfg.Fetch.ChallengeWait,
	})
	if err != nil {
		return nil, err
	}

	a.factory, err = connectivity.NewResolverFactory(analyzerTransport)
	if err != nil {
		return nil, err
	}
	prober, err := analyzer.NewHTTPProber(analyzerTransport, cfg.Analyzer.MaxRedirects)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Enabled {
		a.db, err = initDB(ctx, cfg.Database)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var store session.Store = session.NewMemoryStore()
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("error connecting to redis: %v", err)
		}
		store = session.NewRedisStore(a.redis, cfg.Redis.TTL)
	}

	analyzerOpts := []analyzer.Option{analyzer.WithMetrics(m)}
	var controllerOpts []session.Option
	if a.db != nil {
		analyzerOpts = append(analyzerOpts, analyzer.WithRecorder(a.db))
		controllerOpts = append(controllerOpts, session.WithRecorder(a.db))
	}

	a.analyzer = analyzer.New(analyzer.Options{
		TargetPool:      cfg.Analyzer.TargetPool,
		Pools:           cfg.Analyzer.Pools,
		OverallTimeout:  cfg.Analyzer.OverallTimeout,
		HTTPTimeout:     cfg.Analyzer.HTTPTimeout,
		BulkItemTimeout: cfg.Analyzer.BulkItemTimeout,
	}, a.factory, prober, analyzerOpts...)

	settings := fetch.Settings{
		BaseURL:        cfg.Website.BaseURL,
		ReferralPath:   cfg.Website.ReferralPath,
		DownlinePath:   cfg.Website.DownlinePath,
		RegisterPath:   cfg.Website.RegisterPath,
		DefaultReferer: cfg.Website.Referer,
		Headers:        cfg.Website.Headers,
		Retry: fetch.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	}
	newPipeline := func() *fetch.Pipeline {
		return fetch.NewPipeline(settings, client, fetch.WithMetrics(m))
	}

	a.controller = session.NewController(a.creds, newPipeline, a.analyzer, store, session.FishSettings{
		Iterations: cfg.Fish.Iterations,
		Interval:   cfg.Fish.Interval,
	}, controllerOpts...)

	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func initDB(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}
