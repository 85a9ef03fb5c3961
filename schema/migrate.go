package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	dbutil "github.com/upshift-db/upshift/internal/database"
)

// Dialect identifies the SQL dialect of the target database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// DefaultTable is the schema-migration bookkeeping table name.
const DefaultTable = "schema_migrations"

// DefaultAttempts is how many times a failed apply is retried.
const DefaultAttempts = 3

// ParseDialect parses a dialect string.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", s)
	}
}

// Config holds the configuration for the golang-migrate adapter.
type Config struct {
	// Dialect of the target database.
	Dialect Dialect

	// DB is an open connection to migrate. When nil, DatabaseURL is used to
	// open one owned by the adapter.
	DB *sql.DB

	// DatabaseURL is the connection string, consulted only when DB is nil.
	DatabaseURL string

	// Source contains the migration files, usually an embed.FS.
	Source fs.FS

	// Path is the directory inside Source holding the *.sql files.
	Path string

	// Table is the name of the schema-migrations bookkeeping table
	// (default: schema_migrations).
	Table string

	// Attempts bounds retries of a failed apply (default: 3). Only
	// transient errors are retried.
	Attempts uint
}

// GolangMigrate adapts golang-migrate to the Migrator interface.
type GolangMigrate struct {
	cfg     *Config
	db      *sql.DB
	ownsDB  bool
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// Status describes one migration file relative to the current version.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// New creates a golang-migrate backed Migrator.
func New(cfg *Config, logger *zap.Logger) (*GolangMigrate, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("migration source is required")
	}
	if cfg.DB == nil && cfg.DatabaseURL == "" {
		return nil, errors.New("either DB or DatabaseURL is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &GolangMigrate{
		cfg:    cfg,
		db:     cfg.DB,
		logger: logger.With(zap.String("component", "schema_migrator")),
	}

	if g.db == nil {
		db, err := sql.Open(driverName(cfg.Dialect), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		g.db = db
		g.ownsDB = true
	}

	dbDriver, err := g.databaseDriver()
	if err != nil {
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	srcDriver, err := iofs.New(cfg.Source, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create source driver: %w", err)
	}

	g.migrate, err = migrate.NewWithInstance("iofs", srcDriver, string(cfg.Dialect), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return g, nil
}

func driverName(d Dialect) string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

func (g *GolangMigrate) databaseDriver() (database.Driver, error) {
	switch g.cfg.Dialect {
	case DialectPostgres:
		return postgres.WithInstance(g.db, &postgres.Config{MigrationsTable: g.cfg.Table})
	case DialectMySQL:
		return mysql.WithInstance(g.db, &mysql.Config{MigrationsTable: g.cfg.Table})
	case DialectSQLite:
		return sqlite3.WithInstance(g.db, &sqlite3.Config{MigrationsTable: g.cfg.Table})
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", g.cfg.Dialect)
	}
}

// Pending returns the identifiers of migration files above the current
// database version, in application order.
func (g *GolangMigrate) Pending(ctx context.Context) ([]string, error) {
	current, _, err := g.Version(ctx)
	if err != nil {
		return nil, err
	}

	files, err := g.sourceMigrations()
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, f := range files {
		if f.version > current {
			pending = append(pending, f.identifier())
		}
	}
	return pending, nil
}

// Apply applies all pending schema changes, retrying transient failures with
// exponential backoff. A run with nothing to apply is a successful no-op.
func (g *GolangMigrate) Apply(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			if err := g.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(g.cfg.Attempts),
		retry.RetryIf(dbutil.RetryableError),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("schema migration failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}
	return nil
}

// Version returns the current schema version and whether the database is in
// a dirty (half-migrated) state. A database without any applied migration
// reports version 0.
func (g *GolangMigrate) Version(ctx context.Context) (uint, bool, error) {
	v, dirty, err := g.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

// StatusAll returns the status of every migration file in the source.
func (g *GolangMigrate) StatusAll(ctx context.Context) ([]Status, error) {
	current, dirty, err := g.Version(ctx)
	if err != nil {
		return nil, err
	}

	files, err := g.sourceMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Close releases the migrate instance and, when owned, the database
// connection.
func (g *GolangMigrate) Close() error {
	var errs []error

	if g.migrate != nil {
		srcErr, dbErr := g.migrate.Close()
		if srcErr != nil {
			errs = append(errs, srcErr)
		}
		// migrate.Close closes the database driver's connection; only
		// surface the error when the adapter owns it.
		if dbErr != nil && g.ownsDB {
			errs = append(errs, dbErr)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close schema migrator: %v", errs)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

func (f migrationFile) identifier() string {
	return fmt.Sprintf("%06d_%s", f.version, f.name)
}

// sourceMigrations lists the *.up.sql files in the source, sorted by
// version. File names follow golang-migrate's NNNNNN_name.up.sql layout.
func (g *GolangMigrate) sourceMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(g.cfg.Source, g.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		if seen[uint(v)] {
			continue
		}
		seen[uint(v)] = true

		files = append(files, migrationFile{
			version: uint(v),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
