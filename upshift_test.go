package upshift

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upshift-db/upshift/config"
	"github.com/upshift-db/upshift/engine"
	"github.com/upshift-db/upshift/step"
)

type countingStep struct {
	step.NoPrepare
	v       *version.Version
	applied *int
}

func (s *countingStep) Version() *version.Version { return s.v }

func (s *countingStep) Apply(_ context.Context, _ *step.Context) error {
	*s.applied++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestNew_RunRecordsVersions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	applied := 0
	app, err := New(ctx, cfg, WithSteps(
		&countingStep{v: step.MustVersion("1.0.0"), applied: &applied},
		&countingStep{v: step.MustVersion("1.1.0"), applied: &applied},
	))
	require.NoError(t, err)
	defer app.Close(ctx)

	require.NoError(t, app.Run(ctx))
	assert.Equal(t, 2, applied)
	assert.True(t, app.Runner().HasRun())

	var versions []string
	require.NoError(t, app.DB().Table(cfg.Ledger.Table).
		Order("version").Pluck("version", &versions).Error)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versions)
}

func TestNew_SchemaTimeoutReachesEngine(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Schema.Timeout = 42 * time.Second

	app, err := New(ctx, cfg)
	require.NoError(t, err)
	defer app.Close(ctx)

	eng, err := app.buildEngine(ctx)
	require.NoError(t, err)
	ge, ok := eng.(*engine.GormEngine)
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, ge.SchemaTimeout)
}

func TestNew_SecondBootSkipsAppliedSteps(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := 0
	app, err := New(ctx, cfg, WithSteps(
		&countingStep{v: step.MustVersion("1.0.0"), applied: &first},
	))
	require.NoError(t, err)
	require.NoError(t, app.Run(ctx))
	require.NoError(t, app.Close(ctx))

	// Same database, fresh process: the applied step stays applied, the new
	// one runs.
	second := 0
	app, err = New(ctx, cfg, WithSteps(
		&countingStep{v: step.MustVersion("1.0.0"), applied: &second},
		&countingStep{v: step.MustVersion("2.0.0"), applied: &second},
	))
	require.NoError(t, err)
	defer app.Close(ctx)

	require.NoError(t, app.Run(ctx))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestNew_SchemaPhase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Schema.Enabled = true
	cfg.Schema.Path = "migrations"

	app, err := New(ctx, cfg, WithMigrations(os.DirFS("schema/testdata")))
	require.NoError(t, err)
	defer app.Close(ctx)

	require.NoError(t, app.Run(ctx))

	// The migration scripts created their tables.
	var n int64
	require.NoError(t, app.DB().Table("accounts").Count(&n).Error)
	assert.Zero(t, n)
}

func TestNew_SchemaEnabledWithoutSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schema.Enabled = true

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithMigrations")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = "etcd"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	require.Error(t, err)
}

func TestNew_StepFactories(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	applied := 0
	app, err := New(ctx, cfg, WithStepFactories(func() (step.Step, error) {
		return &countingStep{v: step.MustVersion("1.0.0"), applied: &applied}, nil
	}))
	require.NoError(t, err)
	defer app.Close(ctx)

	require.NoError(t, app.Run(ctx))
	assert.Equal(t, 1, applied)
}
