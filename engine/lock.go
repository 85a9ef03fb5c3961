package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultLockName is the lock name used when none is configured.
const DefaultLockName = "upshift_migration_run"

// DefaultLockTimeout bounds lock acquisition when none is configured.
const DefaultLockTimeout = 30 * time.Second

// LockBackend is a named exclusive lock shared by every instance of the
// application. Acquire reports false when the lock is held elsewhere and the
// timeout elapses; that is a normal outcome, not an error.
//
// Timeout semantics: zero fails fast after a single attempt, positive bounds
// the wait, negative waits until ctx is done (discouraged).
type LockBackend interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// LockEngine wraps another engine and gates the run on a distributed lock.
// When several replicas start simultaneously against the same backend, one
// acquires the lock and runs; the rest skip cleanly.
type LockEngine struct {
	Engine

	backend LockBackend
	name    string
	timeout time.Duration
	logger  *zap.Logger

	// held is only touched from within the runner's critical section.
	held bool
}

// LockOption configures a LockEngine.
type LockOption func(*LockEngine)

// WithLockName overrides the lock name.
func WithLockName(name string) LockOption {
	return func(e *LockEngine) { e.name = name }
}

// WithLockTimeout sets how long ShouldRun waits for the lock.
func WithLockTimeout(d time.Duration) LockOption {
	return func(e *LockEngine) { e.timeout = d }
}

// WithLockLogger sets the lock engine logger.
func WithLockLogger(logger *zap.Logger) LockOption {
	return func(e *LockEngine) { e.logger = logger }
}

// NewLockEngine wraps inner with distributed-lock guarding.
func NewLockEngine(inner Engine, backend LockBackend, opts ...LockOption) *LockEngine {
	e := &LockEngine{
		Engine:  inner,
		backend: backend,
		name:    DefaultLockName,
		timeout: DefaultLockTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "lock_engine"))
	return e
}

// Unwrap returns the wrapped engine.
func (e *LockEngine) Unwrap() Engine { return e.Engine }

// ShouldRun acquires the lock before delegating the decision to the wrapped
// engine. A denied lock skips the run. A lock still held from this process's
// own failed run is reused, so the retry proceeds instead of skipping.
func (e *LockEngine) ShouldRun(ctx context.Context) (bool, error) {
	ok, err := e.Engine.ShouldRun(ctx)
	if err != nil || !ok {
		return ok, err
	}

	// A failed run never reaches AfterAll and keeps the lock. The retry
	// re-enters here owning it already; acquiring again would read our own
	// lock as a concurrent run and skip.
	if e.held {
		return true, nil
	}

	granted, err := e.backend.Acquire(ctx, e.name, e.timeout)
	if err != nil {
		return false, fmt.Errorf("acquire migration lock %q: %w", e.name, err)
	}
	if !granted {
		e.logger.Info("migration lock held elsewhere, skipping run",
			zap.String("lock", e.name),
			zap.Duration("timeout", e.timeout),
		)
		return false, nil
	}

	e.held = true
	return true, nil
}

// AfterAll releases the lock best-effort after the wrapped engine's
// after-hook. A failed release is logged and swallowed: the lock is scoped
// to the backend session and falls away with the connection anyway.
func (e *LockEngine) AfterAll(ctx context.Context) error {
	defer e.release(ctx)
	return e.Engine.AfterAll(ctx)
}

func (e *LockEngine) release(ctx context.Context) {
	if !e.held {
		return
	}
	e.held = false
	if err := e.backend.Release(ctx, e.name); err != nil {
		e.logger.Warn("failed to release migration lock",
			zap.String("lock", e.name),
			zap.Error(err),
		)
	}
}

// MutexLock is a process-local LockBackend for single-instance deployments
// and tests. The capacity-1 channel makes acquisition timeout-aware.
type MutexLock struct {
	sem chan struct{}
}

// NewMutexLock creates a process-local lock backend.
func NewMutexLock() *MutexLock {
	return &MutexLock{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock within the timeout.
func (l *MutexLock) Acquire(ctx context.Context, _ string, timeout time.Duration) (bool, error) {
	if timeout == 0 {
		select {
		case l.sem <- struct{}{}:
			return true, nil
		default:
			return false, nil
		}
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case l.sem <- struct{}{}:
			return true, nil
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	select {
	case l.sem <- struct{}{}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release gives the lock back.
func (l *MutexLock) Release(context.Context, string) error {
	select {
	case <-l.sem:
		return nil
	default:
		return fmt.Errorf("release of unheld lock")
	}
}
