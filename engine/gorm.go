package engine

import (
	"context"
	"fmt"
	"time"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLedgerTable is the default name of the version-ledger table.
const DefaultLedgerTable = "applied_versions"

// AppliedVersion is one row of the version ledger.
type AppliedVersion struct {
	Version   string    `gorm:"primaryKey;size:64"`
	AppliedAt time.Time `gorm:"not null"`
}

// GormEngine is the relational ledger-backed engine. One row per applied
// version, registration deduplicated at the database level.
type GormEngine struct {
	Base

	db     *gorm.DB
	table  string
	logger *zap.Logger
}

// GormOption configures a GormEngine.
type GormOption func(*GormEngine)

// WithTable overrides the ledger table name.
func WithTable(name string) GormOption {
	return func(e *GormEngine) { e.table = name }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) GormOption {
	return func(e *GormEngine) { e.logger = logger }
}

// NewGormEngine creates a ledger-backed engine on an open gorm connection.
func NewGormEngine(db *gorm.DB, opts ...GormOption) *GormEngine {
	e := &GormEngine{
		db:     db,
		table:  DefaultLedgerTable,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "gorm_engine"))
	return e
}

// DB exposes the underlying connection so the runner can open per-step
// transaction scopes on it.
func (e *GormEngine) DB() *gorm.DB { return e.db }

// AppliedVersions reads the ledger. Query failures degrade to "nothing
// applied": on a fresh install the ledger table does not exist until schema
// migrations create it.
func (e *GormEngine) AppliedVersions(ctx context.Context) ([]*version.Version, error) {
	var rows []AppliedVersion
	if err := e.db.WithContext(ctx).Table(e.table).Find(&rows).Error; err != nil {
		e.logger.Warn("version ledger unavailable, assuming fresh install", zap.Error(err))
		return nil, nil
	}

	versions := make([]*version.Version, 0, len(rows))
	for _, row := range rows {
		v, err := version.NewVersion(row.Version)
		if err != nil {
			e.logger.Warn("skipping unparsable ledger entry",
				zap.String("version", row.Version),
				zap.Error(err),
			)
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// RegisterVersion records v in the ledger. Conflicting inserts are dropped,
// so registration is idempotent.
func (e *GormEngine) RegisterVersion(ctx context.Context, v *version.Version) error {
	row := AppliedVersion{
		Version:   v.Original(),
		AppliedAt: time.Now().UTC(),
	}
	err := e.db.WithContext(ctx).
		Table(e.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("register version %s: %w", v.Original(), err)
	}
	return nil
}

// EnsureLedger creates the ledger table when it does not exist. Normally the
// schema migrations own that table; this is for hosts running without a
// schema migrator.
func (e *GormEngine) EnsureLedger(ctx context.Context) error {
	if err := e.db.WithContext(ctx).Table(e.table).AutoMigrate(&AppliedVersion{}); err != nil {
		return fmt.Errorf("ensure ledger table %s: %w", e.table, err)
	}
	return nil
}
