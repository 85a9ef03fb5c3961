package engine

import (
	"context"
	"fmt"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/upshift-db/upshift/schema"
)

// DefaultSchemaTimeout bounds the default schema-migration phase. Schema
// changes on large tables can be slow, so the default is generous.
const DefaultSchemaTimeout = 10 * time.Minute

// Engine supplies the runner with version-ledger access and lifecycle hooks
// around a migration run. Implementations embed Base for the hook defaults
// and add the two ledger operations for their storage backend.
type Engine interface {
	// ShouldRun decides whether this process performs the run at all. A
	// false result skips the run cleanly; it is not an error. Lock-guarded
	// engines acquire their lock here.
	ShouldRun(ctx context.Context) (bool, error)

	// AppliedVersions returns every version recorded in the ledger. A
	// ledger whose storage does not exist yet (fresh install before schema
	// migrations created it) reports no versions rather than an error.
	AppliedVersions(ctx context.Context) ([]*version.Version, error)

	// RegisterVersion records a version as applied. Must be idempotent:
	// registering the same version twice leaves a single ledger entry.
	RegisterVersion(ctx context.Context, v *version.Version) error

	// BeforeAll and AfterAll bracket the whole run.
	BeforeAll(ctx context.Context) error
	AfterAll(ctx context.Context) error

	// BeforeSchema runs only when schema changes are pending; AfterSchema
	// runs whenever a schema migrator is configured, pending or not.
	BeforeSchema(ctx context.Context) error
	AfterSchema(ctx context.Context) error

	// MigrateSchema applies pending schema changes through the given
	// migrator. The Base default queries pending changes and applies them
	// with a timeout and retry-capable execution strategy.
	MigrateSchema(ctx context.Context, m schema.Migrator) error
}

// Base provides the default engine behavior: always run, no-op hooks, and a
// pending-gated schema migration with a generous timeout. Embed it and
// override selectively.
type Base struct {
	// SchemaTimeout bounds MigrateSchema. Zero means DefaultSchemaTimeout.
	SchemaTimeout time.Duration
}

// ShouldRun always returns true.
func (Base) ShouldRun(context.Context) (bool, error) { return true, nil }

// BeforeAll is a no-op.
func (Base) BeforeAll(context.Context) error { return nil }

// AfterAll is a no-op.
func (Base) AfterAll(context.Context) error { return nil }

// BeforeSchema is a no-op.
func (Base) BeforeSchema(context.Context) error { return nil }

// AfterSchema is a no-op.
func (Base) AfterSchema(context.Context) error { return nil }

// MigrateSchema applies all pending schema changes, or does nothing when the
// migrator reports none.
func (b Base) MigrateSchema(ctx context.Context, m schema.Migrator) error {
	if m == nil {
		return nil
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		return fmt.Errorf("query pending schema migrations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	timeout := b.SchemaTimeout
	if timeout <= 0 {
		timeout = DefaultSchemaTimeout
	}
	return m.Apply(ctx, timeout)
}
