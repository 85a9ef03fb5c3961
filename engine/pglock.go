package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// PostgresAdvisoryLock implements LockBackend on PostgreSQL session advisory
// locks. Each acquired lock pins a dedicated connection so acquire and
// release happen on the same session; if the process dies, PostgreSQL drops
// the session and the lock with it.
type PostgresAdvisoryLock struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn

	// pollInterval between try-lock attempts when waiting with a timeout.
	pollInterval time.Duration
}

// NewPostgresAdvisoryLock creates an advisory-lock backend on db.
func NewPostgresAdvisoryLock(db *sql.DB) *PostgresAdvisoryLock {
	return &PostgresAdvisoryLock{
		db:           db,
		conns:        make(map[string]*sql.Conn),
		pollInterval: 250 * time.Millisecond,
	}
}

// Acquire obtains the advisory lock for name. Zero timeout tries once,
// positive polls until the deadline, negative blocks in the server until the
// lock is free or ctx is done.
func (l *PostgresAdvisoryLock) Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("obtain lock connection: %w", err)
	}

	key := hashLockKey(name)

	granted, err := l.acquireOn(ctx, conn, key, timeout)
	if err != nil || !granted {
		_ = conn.Close()
		return false, err
	}

	l.mu.Lock()
	l.conns[name] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *PostgresAdvisoryLock) acquireOn(ctx context.Context, conn *sql.Conn, key int64, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		// Blocking variant; held until unlocked or the session ends.
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
			return false, fmt.Errorf("pg_advisory_lock(%d): %w", key, err)
		}
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		var granted bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&granted); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
		}
		if granted {
			return true, nil
		}
		if timeout == 0 || time.Now().Add(l.pollInterval).After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release unlocks the advisory lock and returns its connection to the pool.
func (l *PostgresAdvisoryLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, ok := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("release of unheld lock %q", name)
	}
	defer conn.Close()

	key := hashLockKey(name)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", key, err)
	}
	return nil
}

// hashLockKey produces a stable non-negative int64 from a lock name for
// pg_advisory_lock. FNV-1a.
func hashLockKey(name string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF)
}
