package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	migrations "mnemo/db"
	"mnemo/internal/app"
	"mnemo/internal/config"
	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
	"mnemo/internal/projector"
	"mnemo/internal/reconcile"
	"mnemo/internal/seed"
	"mnemo/internal/sink"
	"mnemo/internal/store"
)

// runtime is the wired service plus everything that must be closed with it.
type runtime struct {
	service   *app.Service
	projector *projector.Projector
	checks    map[string]app.Checker
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{checks: make(map[string]app.Checker)}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repos dir: %w", err)
	}
	docs := gitrepo.New(cfg.ReposDir)

	proposals, err := openProposalStore(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	target, err := openSink(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	catalog, err := seed.Load(cfg.SeedFile)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var reconciler reconcile.Reconciler
	if cfg.OpenAIKey != "" {
		reconciler = reconcile.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	}

	strategy, err := projector.ParseStrategy(cfg.SyncStrategy)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.projector = projector.New(target, reconciler, projector.Options{
		Strategy:      strategy,
		Timeout:       cfg.SyncTimeout,
		MaxAttempts:   cfg.SyncMaxAttempts,
		Backoff:       cfg.SyncBackoff,
		RatePerSecond: cfg.SyncRatePerSecond,
	}, logger)

	rt.service = app.New(docs, proposals, rt.projector, catalog, reconciler, logger)
	rt.projector.SetLoader(func(ctx context.Context, subjectID, documentName string) (format.Document, int, error) {
		view, err := rt.service.GetDocument(ctx, subjectID, documentName)
		if err != nil {
			return format.Document{}, 0, err
		}
		return view.Document, view.Version.Sequence, nil
	})
	return rt, nil
}

func openProposalStore(ctx context.Context, cfg config.Config, logger *slog.Logger, rt *runtime) (app.ProposalStore, error) {
	if cfg.DatabaseURL == "" {
		if cfg.ProposalsDB == store.SQLiteMemory {
			logger.Warn("proposals are kept in memory and lost on exit")
		}
		local, err := store.OpenSQLite(ctx, cfg.ProposalsDB)
		if err != nil {
			return nil, fmt.Errorf("proposal database failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = local.Close() })
		rt.checks["proposals"] = app.CheckerFunc(local.DB().PingContext)
		logger.Debug("proposals stored in sqlite", "path", cfg.ProposalsDB)
		return local, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	if err := applyMigrations(ctx, db, cfg, logger); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	rt.checks["proposals"] = app.CheckerFunc(db.PingContext)
	return store.NewPostgresStore(db), nil
}

func applyMigrations(ctx context.Context, db *sql.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.MigrationsDir != "" {
		return store.ApplyMigrationsDir(ctx, db, cfg.MigrationsDir, logger)
	}
	return store.ApplyMigrations(ctx, db, migrations.Migrations(), logger)
}

func openSink(ctx context.Context, cfg config.Config, logger *slog.Logger, rt *runtime) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkRedis:
		redisSink, err := sink.NewRedis(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisSink.Close() })
		rt.checks["sink"] = redisSink
		return redisSink, nil
	case config.SinkMeili:
		meiliSink := sink.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.MeiliIndex, logger)
		rt.closers = append(rt.closers, meiliSink.Close)
		rt.checks["sink"] = app.CheckerFunc(func(context.Context) error {
			if !meiliSink.Healthy() {
				return errors.New("meilisearch is unavailable")
			}
			return nil
		})
		return meiliSink, nil
	case config.SinkS3:
		s3Sink, err := sink.NewS3(ctx, sink.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 setup failed: %w", err)
		}
		return s3Sink, nil
	default:
		return sink.NewMemory(), nil
	}
}

// withRuntime builds the runtime for a one-shot command and closes it after.
func withRuntime(ctx context.Context, fn func(*runtime) error) error {
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := fn(rt); err != nil {
		return err
	}
	if rt.projector.Pending() > 0 {
		if left := rt.projector.Flush(ctx); left > 0 {
			logger.Warn("external sync still degraded; run `mnemo sync` later", "documents", left)
		}
	}
	return nil
}
