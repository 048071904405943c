package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-compliance/internal/application"
	"github.com/bryanwahyu/automaton-compliance/internal/application/broadcast"
	"github.com/bryanwahyu/automaton-compliance/internal/application/orchestration"
	"github.com/bryanwahyu/automaton-compliance/internal/application/reaper"
	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/config"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/catalog"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/dispatch"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/executor/checker"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/metrics"
	minioStore "github.com/bryanwahyu/automaton-compliance/internal/infra/storage"
	"github.com/bryanwahyu/automaton-compliance/internal/logging"
	"github.com/bryanwahyu/automaton-compliance/internal/middleware"
)

// app holds every wired component of one process.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	db      *sql.DB
	redis   redis.UniversalClient
	store   *minioStore.Store
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	events  *broadcast.Broadcaster
	svc     *appscans.Service
	rt      *orchestration.Runtime
	reaper  *reaper.Reaper

	inproc    *dispatch.InProcess
	redisDisp *dispatch.Redis

	closers []io.Closer
}

func loadConfig(path string) (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config load error: %w", err)
	}
	log, closer := logging.New(cfg.Log)
	return cfg, log, closer, nil
}

func openDB(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*sql.DB, sqlstore.Dialect, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn := cfg.DSN()
	if dialect == sqlstore.SQLite {
		dsn = sqlstore.SQLiteDSN(cfg.Database.Path)
	}
	db, err := sqlstore.Connect(ctx, dialect, dsn, log)
	if err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	db, dialect, err := openDB(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.Database.Migrate || dialect == sqlstore.SQLite {
		if err := sqlstore.Migrate(db, dialect); err != nil {
			return nil, err
		}
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.catalog = cat

	var artifacts domain.ArtifactStore
	if cfg.Minio.Endpoint != "" {
		store, err := minioStore.New(ctx, minioStore.Config{
			Endpoint:  cfg.Minio.Endpoint,
			Region:    cfg.Minio.Region,
			Bucket:    cfg.Minio.BucketName,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Prefix:    cfg.Minio.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("minio init error: %w", err)
		}
		a.store = store
		artifacts = store
	}

	a.metrics = metrics.New(nil)
	a.events = broadcast.New(log.WithField("component", "broadcaster"), broadcast.Config{
		Buffer:  cfg.Stream.SubscriberBuffer,
		LogSize: cfg.Stream.EventLogSize,
	})

	a.svc = &appscans.Service{
		Repo:     sqlstore.NewScanRepository(db, dialect),
		Errors:   sqlstore.NewScanErrorRepository(db, dialect),
		Resolver: cat,
		Creds:    cat,
		Events:   a.events,
		Metrics:  a.metrics,
		Clock:    application.SystemClock{},
		Log:      log.WithField("component", "scans"),
	}

	runner := checker.NewRunner(log.WithField("component", "checker"), checker.Config{
		Binary:       cfg.Checker.Binary,
		Args:         cfg.Checker.Args,
		DockerImage:  cfg.Checker.DockerImage,
		CallbackBase: cfg.Checker.CallbackBase,
		WorkDir:      cfg.Checker.WorkDir,
	})

	a.inproc = dispatch.NewInProcess(log.WithField("component", "dispatch"), cfg.Dispatcher.Workers)
	var dispatcher domain.Dispatcher = a.inproc
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis)
	}
	if cfg.Dispatcher.Kind == "redis" {
		if a.redis == nil {
			return nil, fmt.Errorf("dispatcher kind redis needs redis.addr")
		}
		a.redisDisp = dispatch.NewRedis(log.WithField("component", "dispatch"), a.redis, dispatch.RedisConfig{
			Queue:   cfg.Dispatcher.Queue,
			Workers: cfg.Dispatcher.Workers,
		})
		dispatcher = a.redisDisp
	}

	a.rt = orchestration.New(log.WithField("component", "runtime"), orchestration.Config{
		Timeout: cfg.Checker.Timeout,
	}, orchestration.Deps{
		Service:    a.svc,
		Runner:     runner,
		Creds:      cat,
		Artifacts:  artifacts,
		Events:     a.events,
		Dispatcher: dispatcher,
		Local:      a.inproc,
	})
	a.inproc.Bind(a.rt.Run)
	if a.redisDisp != nil {
		a.redisDisp.Bind(a.rt.Run)
	}

	a.reaper = reaper.New(log.WithField("component", "reaper"), reaper.Config{
		Threshold: cfg.Reaper.Threshold,
		Schedule:  cfg.Reaper.Schedule,
	}, reaper.Deps{
		Service: a.svc,
		Live:    a.rt,
		Metrics: a.metrics,
	})

	a.metrics.Gauge("live_tasks", "Supervised scan tasks registered in this process", a.rt.LiveCount)
	a.metrics.Gauge("stream_subscribers", "Open progress stream subscriptions", a.events.Subscribers)

	ok = true
	return a, nil
}

func (a *app) healthCheckers() map[string]middleware.HealthChecker {
	checks := map[string]middleware.HealthChecker{
		"database": middleware.CheckFunc(a.db.PingContext),
	}
	if a.redis != nil {
		checks["redis"] = middleware.CheckFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	if a.store != nil {
		checks["minio"] = middleware.CheckFunc(a.store.Ping)
	}
	return checks
}

func (a *app) close() {
	if a.inproc != nil {
		a.inproc.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warnf("closing: %v", err)
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
