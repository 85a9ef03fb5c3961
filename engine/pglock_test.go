package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAdvisoryLock_AcquireGranted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := hashLockKey("migrations")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	l := NewPostgresAdvisoryLock(db)
	ok, err := l.Acquire(context.Background(), "migrations", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Release(context.Background(), "migrations"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLock_FailFastDenied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(hashLockKey("migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewPostgresAdvisoryLock(db)
	ok, err := l.Acquire(context.Background(), "migrations", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLock_BoundedWaitPolls(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := hashLockKey("migrations")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	l := NewPostgresAdvisoryLock(db)
	l.pollInterval = 10 * time.Millisecond

	ok, err := l.Acquire(context.Background(), "migrations", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLock_ReleaseUnheld(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresAdvisoryLock(db)
	assert.Error(t, l.Release(context.Background(), "migrations"))
}

func TestHashLockKey_StableAndNonNegative(t *testing.T) {
	a := hashLockKey("upshift_migration_run")
	b := hashLockKey("upshift_migration_run")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))
	assert.NotEqual(t, a, hashLockKey("other"))
}
