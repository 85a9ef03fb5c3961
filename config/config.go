// Package config loads runner configuration from defaults, an optional YAML
// file and environment variable overrides, in that order.
package config

import (
	"fmt"
	"time"

	"github.com/upshift-db/upshift/engine"
	"github.com/upshift-db/upshift/internal/database"
	"github.com/upshift-db/upshift/schema"
)

// Config is the complete runner configuration.
type Config struct {
	// Database is the relational connection used for the version ledger and
	// the per-step transaction scope.
	Database database.Config `yaml:"database" env:"DATABASE"`

	// Ledger selects and tunes the version-ledger backend.
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Lock configures the distributed run lock.
	Lock LockConfig `yaml:"lock" env:"LOCK"`

	// Schema configures the schema-migration phase.
	Schema SchemaConfig `yaml:"schema" env:"SCHEMA"`

	// Runner holds run-level switches.
	Runner RunnerConfig `yaml:"runner" env:"RUNNER"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// LedgerConfig selects where applied versions are recorded.
type LedgerConfig struct {
	// Backend is gorm or mongo.
	Backend string `yaml:"backend" env:"BACKEND"`

	// Table is the ledger table name for the gorm backend.
	Table string `yaml:"table" env:"TABLE"`

	// Mongo settings, used only when Backend is mongo.
	MongoURI        string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase   string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
}

// LockConfig configures the distributed lock guarding the run.
type LockConfig struct {
	// Backend is none, mutex, postgres or redis.
	Backend string `yaml:"backend" env:"BACKEND"`

	// Name identifies the lock across instances.
	Name string `yaml:"name" env:"NAME"`

	// Timeout bounds acquisition. Zero fails fast, negative blocks.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// Redis settings, used only when Backend is redis.
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// SchemaConfig configures structural database migrations.
type SchemaConfig struct {
	// Enabled turns the schema phase on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Dialect is postgres, mysql or sqlite. Empty means the database driver.
	Dialect string `yaml:"dialect" env:"DIALECT"`

	// Path is the migration-script directory inside the source filesystem.
	Path string `yaml:"path" env:"PATH"`

	// Table is the schema-migration bookkeeping table.
	Table string `yaml:"table" env:"TABLE"`

	// Attempts is how many times a failed migration batch is retried.
	Attempts int `yaml:"attempts" env:"ATTEMPTS"`

	// Timeout bounds one schema-migration phase.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RunnerConfig holds run-level switches.
type RunnerConfig struct {
	// EnforceLatest re-runs the step matching the current version on every
	// startup, for steps that refresh derived data.
	EnforceLatest bool `yaml:"enforce_latest" env:"ENFORCE_LATEST"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns a configuration that runs against a local sqlite
// file with a process-local lock and no schema phase.
func DefaultConfig() *Config {
	return &Config{
		Database: database.DefaultConfig(),
		Ledger: LedgerConfig{
			Backend:         "gorm",
			Table:           engine.DefaultLedgerTable,
			MongoCollection: engine.DefaultLedgerCollection,
		},
		Lock: LockConfig{
			Backend:  "mutex",
			Name:     engine.DefaultLockName,
			Timeout:  engine.DefaultLockTimeout,
			RedisTTL: engine.DefaultRedisLockTTL,
		},
		Schema: SchemaConfig{
			Path:     "migrations",
			Table:    schema.DefaultTable,
			Attempts: schema.DefaultAttempts,
			Timeout:  engine.DefaultSchemaTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects combinations the runner cannot wire.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "gorm", "mongo":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Backend == "mongo" && c.Ledger.MongoURI == "" {
		return fmt.Errorf("mongo ledger requires ledger.mongo_uri")
	}

	switch c.Lock.Backend {
	case "", "none", "mutex", "postgres", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Lock.Backend == "redis" && c.Lock.RedisAddr == "" {
		return fmt.Errorf("redis lock requires lock.redis_addr")
	}

	if c.Schema.Enabled && c.Schema.Dialect != "" {
		if _, err := schema.ParseDialect(c.Schema.Dialect); err != nil {
			return err
		}
	}
	return nil
}
