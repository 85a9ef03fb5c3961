package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/upshift-db/upshift/engine"
	"github.com/upshift-db/upshift/schema"
	"github.com/upshift-db/upshift/step"
)

// State tracks a Runner's lifecycle.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Runner orchestrates one migration run: it asks the engine whether to run,
// discovers steps, computes the pending subset against the version ledger,
// sequences prepare hooks before the schema phase, applies each pending step
// in a transaction and registers its version.
//
// A Runner runs at most once. Completed is terminal: further Run calls
// return immediately without side effects. A failed run leaves the Runner
// ready to retry the whole sequence from scratch.
type Runner struct {
	engine   engine.Engine
	registry *step.Registry
	migrator schema.Migrator
	db       *gorm.DB
	logger   *zap.Logger
	tracer   trace.Tracer

	// sem serializes the transition out of StateNotStarted; state carries
	// the double-checked fast path.
	sem   *semaphore.Weighted
	state atomic.Int32
}

// New creates a Runner. The engine and registry are required; everything
// else is optional.
func New(e engine.Engine, registry *step.Registry, opts ...Option) *Runner {
	r := &Runner{
		engine:   e,
		registry: registry,
		logger:   zap.NewNop(),
		sem:      semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "runner"))
	r.tracer = otel.Tracer("github.com/upshift-db/upshift/runner")

	if r.db == nil {
		r.db = engineDB(e)
	}
	return r
}

// engineDB walks the engine (through lock wrappers) looking for a gorm
// connection to use as the per-step transaction scope.
func engineDB(e engine.Engine) *gorm.DB {
	for e != nil {
		if g, ok := e.(interface{ DB() *gorm.DB }); ok {
			return g.DB()
		}
		u, ok := e.(interface{ Unwrap() engine.Engine })
		if !ok {
			return nil
		}
		e = u.Unwrap()
	}
	return nil
}

// State returns the runner's lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// HasRun reports whether a run has completed (including clean skips).
func (r *Runner) HasRun() bool {
	return r.State() == StateCompleted
}

// Run executes the migration sequence, blocking until it finishes. Safe for
// concurrent use: exactly one caller performs the run, the rest block on the
// internal semaphore and return nil once it completed. After a failure the
// next call retries the full sequence against the ledger's current contents.
//
// Do not call from a goroutine that the steps themselves wait on; use
// RunAsync there.
func (r *Runner) Run(ctx context.Context, opts ...RunOption) error {
	if r.HasRun() {
		return nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for migration run: %w", err)
	}
	defer r.sem.Release(1)

	if r.HasRun() {
		return nil
	}

	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r.state.Store(int32(StateRunning))
	start := time.Now()

	outcome, err := r.run(ctx, cfg)
	if err != nil {
		r.state.Store(int32(StateNotStarted))
		observeRun(outcomeFailed, time.Since(start))
		return err
	}

	r.state.Store(int32(StateCompleted))
	observeRun(outcome, time.Since(start))
	return nil
}

// RunAsync starts Run in a goroutine and returns a channel delivering its
// result.
func (r *Runner) RunAsync(ctx context.Context, opts ...RunOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- r.Run(ctx, opts...)
	}()
	return ch
}

func (r *Runner) run(ctx context.Context, cfg runConfig) (outcome string, err error) {
	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID))

	ctx, span := r.tracer.Start(ctx, "upshift.run",
		trace.WithAttributes(attribute.Bool("upshift.enforce_latest", cfg.enforceLatest)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	shouldRun, err := r.engine.ShouldRun(ctx)
	if err != nil {
		return "", fmt.Errorf("engine should-run: %w", err)
	}
	if !shouldRun {
		log.Info("migration run skipped by engine")
		return outcomeSkipped, nil
	}

	steps, err := r.registry.Discover()
	if err != nil {
		return "", fmt.Errorf("discover migration steps: %w", err)
	}

	if err := r.engine.BeforeAll(ctx); err != nil {
		return "", fmt.Errorf("before-all hook: %w", err)
	}

	applied, err := r.engine.AppliedVersions(ctx)
	if err != nil {
		return "", fmt.Errorf("read applied versions: %w", err)
	}

	p := computePlan(steps, applied, cfg.enforceLatest)
	span.SetAttributes(
		attribute.String("upshift.current_version", p.current.Original()),
		attribute.String("upshift.target_version", p.target.Original()),
		attribute.Int("upshift.pending_steps", len(p.steps)),
	)
	log.Info("computed migration plan",
		zap.String("current", p.current.Original()),
		zap.String("target", p.target.Original()),
		zap.Int("discovered_steps", len(steps)),
		zap.Int("pending_steps", len(p.steps)),
	)

	// One isolated context per pending step, shared between its prepare and
	// apply phases, discarded with the run.
	contexts := make([]*step.Context, len(p.steps))
	for i, ps := range p.steps {
		contexts[i] = step.NewContext(ps.first)
	}

	if r.migrator != nil {
		if err := r.schemaPhase(ctx, log, p, contexts); err != nil {
			return "", err
		}
	}

	for i, ps := range p.steps {
		if err := r.applyStep(ctx, log, ps, contexts[i], p.current); err != nil {
			return "", err
		}
	}

	if err := r.engine.AfterAll(ctx); err != nil {
		return "", fmt.Errorf("after-all hook: %w", err)
	}

	log.Info("migration run completed", zap.Int("steps_applied", len(p.steps)))
	return outcomeCompleted, nil
}

// schemaPhase runs prepare hooks against the old schema, then delegates the
// structural changes to the engine. Prepare and the before-hook only fire
// when changes are actually pending; the after-hook fires regardless.
func (r *Runner) schemaPhase(ctx context.Context, log *zap.Logger, p plan, contexts []*step.Context) error {
	pending, err := r.migrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("query pending schema migrations: %w", err)
	}

	if len(pending) > 0 {
		log.Info("running pre-schema phase", zap.Int("pending_schema_migrations", len(pending)))

		if err := r.engine.BeforeSchema(ctx); err != nil {
			return fmt.Errorf("before-schema hook: %w", err)
		}
		for i, ps := range p.steps {
			// Prepare reads against the old schema; no transaction, the
			// snapshot lives in the step's cache.
			if r.db != nil {
				contexts[i].Tx = r.db.WithContext(ctx)
			}
			err := ps.step.Prepare(ctx, contexts[i])
			contexts[i].Tx = nil
			if err != nil {
				return fmt.Errorf("prepare step %s: %w", ps.step.Version().Original(), err)
			}
		}
	}

	if err := r.engine.MigrateSchema(ctx, r.migrator); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if err := r.engine.AfterSchema(ctx); err != nil {
		return fmt.Errorf("after-schema hook: %w", err)
	}
	return nil
}

// applyStep executes one step, inside a transaction when a scope is
// configured, and registers its version on success.
func (r *Runner) applyStep(ctx context.Context, log *zap.Logger, ps pendingStep, sc *step.Context, current *version.Version) error {
	v := ps.step.Version()
	log.Info("applying migration step",
		zap.String("version", v.Original()),
		zap.Bool("first_execution", sc.FirstExecution),
	)

	var err error
	if r.db != nil {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sc.Tx = tx
			defer func() { sc.Tx = nil }()
			return ps.step.Apply(ctx, sc)
		})
	} else {
		err = ps.step.Apply(ctx, sc)
	}
	if err != nil {
		return fmt.Errorf("apply step %s: %w", v.Original(), err)
	}

	// The step equal to current is already in the ledger; re-running it
	// under EnforceLatest only repeats its side effects. RegisterVersion is
	// idempotent regardless, so the check is an optimization.
	if !v.Equal(current) {
		if err := r.engine.RegisterVersion(ctx, v); err != nil {
			return fmt.Errorf("register version %s: %w", v.Original(), err)
		}
	}

	stepsAppliedTotal.Inc()
	return nil
}
