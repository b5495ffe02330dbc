package server

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/attachvault/internal/api"
	"github.com/dharsanguruparan/attachvault/internal/auth"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/contentstore"
	"github.com/dharsanguruparan/attachvault/internal/database"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/maintenance"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/processing"
	"github.com/dharsanguruparan/attachvault/internal/queue"
	"github.com/dharsanguruparan/attachvault/internal/repository"
	"github.com/dharsanguruparan/attachvault/internal/s3storage"
	"github.com/dharsanguruparan/attachvault/internal/signing"
	"github.com/dharsanguruparan/attachvault/internal/storage"
	"github.com/dharsanguruparan/attachvault/internal/stream"
	"github.com/dharsanguruparan/attachvault/internal/thumbnail"
	"github.com/dharsanguruparan/attachvault/internal/uploads"
)

const (
	metricsNamespace = "attachvault"
	sessionKeyPrefix = "attachvault:upload:"
)

// App is the assembled component graph shared by the server, the worker and
// the CLI.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Registry *prometheus.Registry
	Meta     storage.MetadataStore
	Content  *contentstore.Store
	Uploads  *uploads.Manager
	Thumbs   *thumbnail.Deriver
	Signer   *signing.Signer
	Tokens   *auth.Tokens
	Janitor  *maintenance.Janitor
	API      *api.Server

	// pool is set when background jobs run in process; queued is true when
	// they go through asynq instead.
	pool   *processing.Processor
	queued bool

	closers []func()
}

// Build connects every backing service named by cfg and wires the
// components together. Postgres, Redis and S3 are optional: without them the
// app falls back to in-memory metadata, file-backed sessions, an in-process
// job pool and no backups.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	if log == nil {
		log = logger.Nop()
	}
	app := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewPrometheusObserver(metricsNamespace, app.Registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	refs, err := app.openMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		app.closers = append(app.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	var notifier interface {
		contentstore.ReferenceNotifier
		contentstore.BackupRequester
	}
	if rdb != nil {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		app.closers = append(app.closers, func() { _ = client.Close() })
		notifier = queue.NewNotifier(client, log)
		app.queued = true
	} else {
		app.pool = processing.New(cfg.ProcessingPool, log)
		notifier = app.pool
	}

	storeOpts := []contentstore.Option{
		contentstore.WithNotifier(notifier),
		contentstore.WithLogger(log),
		contentstore.WithMetrics(observer),
	}
	var backup *s3storage.Backup
	if cfg.BackupEnabled() {
		backup, err = s3storage.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := backup.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, contentstore.WithBackup(notifier))
	}
	app.Content = contentstore.New(cfg, app.Meta, storeOpts...)

	var sessions uploads.SessionStore
	if rdb != nil {
		sessions = uploads.NewRedisSessionStore(rdb, sessionKeyPrefix, cfg.SessionTTL)
	} else {
		fileSessions, err := uploads.NewFileSessionStore(cfg.SessionDir())
		if err != nil {
			return nil, err
		}
		sessions = fileSessions
	}
	app.Uploads, err = uploads.NewManager(cfg, sessions, app.Content, uploads.WithLogger(log), uploads.WithMetrics(observer))
	if err != nil {
		return nil, err
	}

	app.Thumbs, err = thumbnail.New(app.Content, cfg.ThumbDir(), cfg.ThumbCacheSize, thumbnail.WithLogger(log), thumbnail.WithMetrics(observer))
	if err != nil {
		return nil, err
	}

	app.Signer = signing.NewSigner(cfg.SigningSecret, signing.WithDefaultTTL(cfg.SignedURLTTL))
	app.Tokens = auth.NewTokens(cfg.JWTSecret)

	janitorOpts := []maintenance.Option{
		maintenance.WithReferences(refs),
		maintenance.WithSessions(app.Uploads),
		maintenance.WithThumbnails(app.Thumbs),
		maintenance.WithLogger(log),
		maintenance.WithMetrics(observer),
	}
	if backup != nil {
		janitorOpts = append(janitorOpts, maintenance.WithBackup(backup))
	}
	app.Janitor = maintenance.New(cfg, app.Meta, app.Content, janitorOpts...)

	deps := api.Deps{
		Config:   cfg,
		Content:  app.Content,
		Uploads:  app.Uploads,
		Stream:   stream.New(app.Content, cfg.RangeEnabled, stream.WithMetrics(observer)),
		Thumbs:   app.Thumbs,
		Signer:   app.Signer,
		Tokens:   app.Tokens,
		Logger:   log,
		Metrics:  observer,
		Gatherer: app.Registry,
	}
	if backup != nil {
		deps.Restorer = app.Janitor
	}
	app.API = api.New(deps)
	return app, nil
}

// openMetadata picks Postgres when a DSN is configured and the in-memory
// store otherwise.
func (a *App) openMetadata(ctx context.Context) (storage.ReferenceCleaner, error) {
	if a.Config.DatabaseURL == "" {
		a.Log.Warn("no database configured, attachment metadata is kept in memory")
		a.Meta = storage.NewMemoryStore()
		return storage.NewMemoryReferences(), nil
	}
	pool, err := database.Connect(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.Meta = repository.NewAttachmentRepository(pool)
	return repository.NewReferenceRepository(pool), nil
}

// Queued reports whether background jobs are delivered through asynq.
func (a *App) Queued() bool { return a.queued }

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
