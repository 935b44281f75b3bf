package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/cache"
	"github.com/mevdschee/tqbulk/config"
	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/metrics"
	"github.com/mevdschee/tqbulk/replica"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/writebatch"
)

// env holds everything a subcommand runs on
type env struct {
	cfg       *config.Config
	log       *zap.Logger
	pool      *replica.Pool
	session   *session.SQLSession
	exec      *executor.Executor
	collector *metrics.Collector
	cache     *cache.Cache
	server    *http.Server
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel())
	return zcfg.Build()
}

// setup loads the configuration and connects to the cluster
func setup(ctx context.Context, flags *globalFlags) (*env, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Cluster.Primary == "" {
		return nil, errors.New("cluster primary is required")
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating logger")
	}

	e := &env{cfg: cfg, log: log}
	e.pool = replica.NewPool(cfg.Cluster.Primary, cfg.Cluster.Replicas,
		replica.WithReplicationFactor(cfg.Cluster.ReplicationFactor),
		replica.WithLogger(log),
		replica.WithChecker(func(ctx context.Context, addr string) error {
			return e.session.Check(ctx, addr)
		}),
	)
	e.session, err = session.Open(cfg.Cluster.Driver, e.pool, session.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if len(cfg.Cluster.Replicas) > 0 {
		go e.pool.StartHealthChecks(ctx, cfg.Cluster.HealthInterval)
	}

	e.collector = metrics.New()
	e.exec = executor.New(e.session, cfg.ExecutorOptions(),
		executor.WithListener(e.collector),
		executor.WithLogger(log),
	)
	e.collector.WatchInFlight(e.exec.InFlight)
	if flags.metricsAddr != "" {
		e.serveMetrics(flags.metricsAddr)
	}

	log.Info("connected",
		zap.String("driver", cfg.Cluster.Driver),
		zap.Int("replicas", len(cfg.Cluster.Replicas)),
		zap.Int("max_in_flight", cfg.Executor.MaxInFlight))
	return e, nil
}

func (e *env) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.collector.Handler())
	e.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		e.log.Info("metrics endpoint", zap.String("url", "http://localhost"+addr+"/metrics"))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Warn("metrics server error", zap.Error(err))
		}
	}()
}

// batcher creates a statement batcher resolving replica sets through
// the pool
func (e *env) batcher() (*writebatch.Batcher, error) {
	bc, err := e.cfg.BatcherConfig()
	if err != nil {
		return nil, err
	}
	if e.cache == nil {
		e.cache, err = cache.New(10000)
		if err != nil {
			return nil, errors.Wrap(err, "creating replica set cache")
		}
	}
	resolver := writebatch.NewResolver(bc.Mode,
		writebatch.WithTopology(e.pool),
		writebatch.WithCache(e.cache, time.Minute),
		writebatch.WithLogger(e.log),
	)
	return writebatch.New(bc, resolver), nil
}

// Close logs the run summary and releases all resources
func (e *env) Close() {
	s := e.collector.Summary()
	e.log.Info("summary",
		zap.Int64("succeeded", s.Succeeded),
		zap.Int64("failed", s.Failed),
		zap.Int64("requests", s.Requests),
		zap.Int64("statements", s.Statements),
		zap.Int64("rows", s.Rows))

	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.server.Shutdown(ctx); err != nil {
			e.log.Warn("metrics server shutdown", zap.Error(err))
		}
		cancel()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if err := e.session.Close(); err != nil {
		e.log.Warn("closing session", zap.Error(err))
	}
	_ = e.log.Sync()
}
