package runner

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/upshift-db/upshift/schema"
)

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithSchemaMigrator wires the schema-migration collaborator. Without one
// the runner executes steps only, with no schema phase and no transactional
// scope unless WithDB is given.
func WithSchemaMigrator(m schema.Migrator) Option {
	return func(r *Runner) { r.migrator = m }
}

// WithDB sets the connection used to open a transaction around each step's
// Apply. Defaults to the engine's connection when the engine exposes one.
func WithDB(db *gorm.DB) Option {
	return func(r *Runner) { r.db = db }
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

type runConfig struct {
	enforceLatest bool
}

// RunOption configures a single Run invocation.
type RunOption func(*runConfig)

// EnforceLatest re-executes the step whose version equals the current
// ledger-recorded version, in addition to every newer step. Intended for
// development, where the newest step changes between deployments of the
// same version.
func EnforceLatest() RunOption {
	return func(cfg *runConfig) { cfg.enforceLatest = true }
}
