// Package schema defines the schema-migrator collaborator the runner
// sequences application steps against, and an adapter backed by
// golang-migrate. The runner only needs to know which structural changes are
// still pending and how to apply them; everything else (SQL files, dialects,
// version bookkeeping) stays behind this interface.
package schema

import (
	"context"
	"time"
)

// Migrator applies structural database changes. The runner calls Pending to
// decide whether step prepare hooks must run against the old schema, then
// delegates application to Apply.
type Migrator interface {
	// Pending returns identifiers of schema changes that have not been
	// applied yet, in application order.
	Pending(ctx context.Context) ([]string, error)

	// Apply applies all pending schema changes. The timeout bounds the
	// whole operation including retries.
	Apply(ctx context.Context, timeout time.Duration) error
}
