// Package upshift wires a complete migration runner from configuration: the
// database connection, the version-ledger engine, the distributed lock, the
// schema migrator and the runner itself.
//
// Usage:
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	cfg := config.MustLoad("upshift.yaml")
//	app, err := upshift.New(ctx, cfg,
//		upshift.WithMigrations(migrations),
//		upshift.WithSteps(&seedAccounts{}, &backfillDisplayNames{}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close(ctx)
//
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Hosts that need finer control wire the engine, lock and runner packages
// directly; this package only covers the common path.
package upshift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/upshift-db/upshift/config"
	"github.com/upshift-db/upshift/engine"
	"github.com/upshift-db/upshift/internal/database"
	"github.com/upshift-db/upshift/runner"
	"github.com/upshift-db/upshift/schema"
	"github.com/upshift-db/upshift/step"
)

// App is a fully wired migration runner and the resources behind it.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
	runner *runner.Runner

	closers []func(context.Context) error
}

type options struct {
	logger     *zap.Logger
	migrations fs.FS
	registry   *step.Registry
}

// Option configures New.
type Option func(*options)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMigrations supplies the schema-migration scripts, usually an embed.FS.
// Required when the schema phase is enabled.
func WithMigrations(src fs.FS) Option {
	return func(o *options) { o.migrations = src }
}

// WithSteps registers application-migration steps.
func WithSteps(steps ...step.Step) Option {
	return func(o *options) { o.registry.Register(steps...) }
}

// WithStepFactories registers step factories for steps with constructor
// dependencies.
func WithStepFactories(factories ...step.Factory) Option {
	return func(o *options) { o.registry.Add(factories...) }
}

// New builds an App from configuration. Resources opened here are released
// by Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{registry: step.NewRegistry()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	app := &App{cfg: cfg, logger: logger}

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	eng, err := app.buildEngine(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	eng, err = app.wrapLock(eng)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	migrator, err := app.buildMigrator(o.migrations)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	runnerOpts := []runner.Option{
		runner.WithDB(db),
		runner.WithLogger(logger),
	}
	if migrator != nil {
		runnerOpts = append(runnerOpts, runner.WithSchemaMigrator(migrator))
	}
	app.runner = runner.New(eng, o.registry, runnerOpts...)
	return app, nil
}

// Run executes the migration sequence. The enforce-latest switch comes from
// configuration; explicit options win.
func (a *App) Run(ctx context.Context, opts ...runner.RunOption) error {
	if a.cfg.Runner.EnforceLatest {
		opts = append([]runner.RunOption{runner.EnforceLatest()}, opts...)
	}
	return a.runner.Run(ctx, opts...)
}

// Runner exposes the wired runner for hosts that manage the run themselves.
func (a *App) Runner() *runner.Runner { return a.runner }

// DB exposes the relational connection the steps transact on.
func (a *App) DB() *gorm.DB { return a.db }

// Close releases every resource New opened, last-opened first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildEngine(ctx context.Context) (engine.Engine, error) {
	switch a.cfg.Ledger.Backend {
	case "gorm":
		eng := engine.NewGormEngine(a.db,
			engine.WithTable(a.cfg.Ledger.Table),
			engine.WithLogger(a.logger),
		)
		eng.SchemaTimeout = a.cfg.Schema.Timeout
		if err := eng.EnsureLedger(ctx); err != nil {
			return nil, fmt.Errorf("ensure version ledger: %w", err)
		}
		return eng, nil

	case "mongo":
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(a.cfg.Ledger.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo ledger: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		coll := client.Database(a.cfg.Ledger.MongoDatabase).Collection(a.cfg.Ledger.MongoCollection)
		eng := engine.NewMongoEngine(coll, a.logger)
		eng.SchemaTimeout = a.cfg.Schema.Timeout
		return eng, nil

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", a.cfg.Ledger.Backend)
	}
}

func (a *App) wrapLock(inner engine.Engine) (engine.Engine, error) {
	var backend engine.LockBackend
	switch a.cfg.Lock.Backend {
	case "", "none":
		return inner, nil

	case "mutex":
		backend = engine.NewMutexLock()

	case "postgres":
		sqlDB, err := a.db.DB()
		if err != nil {
			return nil, fmt.Errorf("access sql.DB for advisory lock: %w", err)
		}
		backend = engine.NewPostgresAdvisoryLock(sqlDB)

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Lock.RedisAddr,
			Password: a.cfg.Lock.RedisPassword,
			DB:       a.cfg.Lock.RedisDB,
		})
		a.closers = append(a.closers, func(context.Context) error {
			return client.Close()
		})
		backend = engine.NewRedisLock(client, engine.WithRedisLockTTL(a.cfg.Lock.RedisTTL))

	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
	}

	return engine.NewLockEngine(inner, backend,
		engine.WithLockName(a.cfg.Lock.Name),
		engine.WithLockTimeout(a.cfg.Lock.Timeout),
		engine.WithLockLogger(a.logger),
	), nil
}

func (a *App) buildMigrator(src fs.FS) (schema.Migrator, error) {
	if !a.cfg.Schema.Enabled {
		return nil, nil
	}
	if src == nil {
		return nil, errors.New("schema phase enabled but no migrations source; use WithMigrations")
	}

	dialectName := a.cfg.Schema.Dialect
	if dialectName == "" {
		dialectName = a.cfg.Database.Driver
	}
	dialect, err := schema.ParseDialect(dialectName)
	if err != nil {
		return nil, err
	}

	sqlDB, err := a.db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sql.DB for schema migrations: %w", err)
	}

	m, err := schema.New(&schema.Config{
		Dialect:  dialect,
		DB:       sqlDB,
		Source:   src,
		Path:     a.cfg.Schema.Path,
		Table:    a.cfg.Schema.Table,
		Attempts: uint(a.cfg.Schema.Attempts),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build schema migrator: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		return m.Close()
	})
	return m, nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
