package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen_SQLiteInMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = ":memory:"

	db, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.NoError(t, sqlDB.Ping())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "oracle"

	_, err := Open(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("Deadlock detected"), true},
		{"serialization", errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{"lock wait timeout", errors.New("Lock wait timeout exceeded"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"constraint violation", errors.New("UNIQUE constraint failed"), false},
		{"syntax error", errors.New("syntax error at or near"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, RetryableError(tt.err))
		})
	}
}
