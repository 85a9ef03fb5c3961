package step

import (
	"context"

	version "github.com/hashicorp/go-version"
	"gorm.io/gorm"
)

// Step is one versioned unit of application-level migration work. Steps are
// discovered through a Registry, ordered by Version and executed at most once
// per deployment by the runner.
//
// Prepare runs before pending schema changes are applied and can snapshot
// data in its old shape into the step's cache. Apply runs after the schema
// phase and performs the actual transformation.
type Step interface {
	// Version identifies the step. Versions must be unique within a Registry.
	Version() *version.Version

	// Prepare is called before schema migrations run, and only when schema
	// changes are actually pending. Data captured here survives into Apply
	// via sc.Cache.
	Prepare(ctx context.Context, sc *Context) error

	// Apply performs the step's work. When a transactional scope is
	// configured, sc.Tx is the open transaction and a returned error rolls
	// it back.
	Apply(ctx context.Context, sc *Context) error
}

// Context carries per-run, per-step execution state. The runner creates a
// fresh Context for every pending step on every run; caches are never shared
// between steps or reused across runs.
type Context struct {
	// FirstExecution is true when the step's version has never been
	// registered in the version ledger before this run.
	FirstExecution bool

	// Cache is the step's private scratch space, populated in Prepare and
	// read in Apply.
	Cache map[string]any

	// Tx is the step's database handle: during Apply it is the open
	// transaction (a returned error rolls it back), during Prepare a plain
	// session for reading data in its pre-migration shape. Nil when no
	// database scope is configured.
	Tx *gorm.DB
}

// NewContext returns a Context with an empty cache.
func NewContext(firstExecution bool) *Context {
	return &Context{
		FirstExecution: firstExecution,
		Cache:          make(map[string]any),
	}
}

// NoPrepare can be embedded by steps that have no pre-schema phase.
type NoPrepare struct{}

// Prepare implements Step with a no-op.
func (NoPrepare) Prepare(context.Context, *Context) error { return nil }

// MustVersion parses a dotted version string (2 to 4 numeric components) and
// panics on invalid input. Intended for package-level step version values.
func MustVersion(s string) *version.Version {
	return version.Must(version.NewVersion(s))
}
