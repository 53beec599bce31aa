package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/config"
)

func TestHealthCheckTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, HealthCheckTimeout)
}

func TestHealthStatus(t *testing.T) {
	t.Run("healthy only when status is healthy", func(t *testing.T) {
		assert.True(t, HealthStatus{Status: "healthy"}.Healthy())
		assert.False(t, HealthStatus{Status: "unhealthy"}.Healthy())
		assert.False(t, HealthStatus{}.Healthy())
	})

	t.Run("error is serialized when present", func(t *testing.T) {
		hs := HealthStatus{Status: "unhealthy", Error: "connection refused", MaxConns: 20}
		data, err := json.Marshal(hs)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"error":"connection refused"`)
		assert.Contains(t, string(data), `"max_conns":20`)
	})

	t.Run("empty error is omitted", func(t *testing.T) {
		data, err := json.Marshal(HealthStatus{Status: "healthy"})
		require.NoError(t, err)
		assert.NotContains(t, string(data), `"error"`)
	})
}

func TestAdvisoryKey(t *testing.T) {
	a := AdvisoryKey("book:6f1c")
	assert.Equal(t, a, AdvisoryKey("book:6f1c"), "keys must be stable across calls")
	assert.NotEqual(t, a, AdvisoryKey("book:6f1d"))
	assert.NotZero(t, AdvisoryKey(""))
}

func TestAdvisoryLock_ReleaseNil(t *testing.T) {
	var lock *AdvisoryLock
	assert.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, (&AdvisoryLock{}).Release(context.Background()))
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// 192.0.2.1 is TEST-NET-1 (RFC 5737), guaranteed unroutable.
	cfg := &config.DatabaseConfig{
		Host:              "192.0.2.1",
		Port:              5432,
		Name:              "bookgen",
		User:              "bookgen",
		Password:          "pass",
		SSLMode:           "disable",
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := New(ctx, cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, db)
}

func TestDB_Methods(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	t.Run("Ping verifies connection", func(t *testing.T) {
		assert.NoError(t, db.Ping(ctx))
	})

	t.Run("Health reports pool statistics", func(t *testing.T) {
		health := db.Health(ctx)
		assert.True(t, health.Healthy())
		assert.GreaterOrEqual(t, health.MaxConns, int32(1))
	})

	t.Run("DBTX query helpers", func(t *testing.T) {
		var dbtx DBTX = db
		var result int
		require.NoError(t, dbtx.QueryRow(ctx, "SELECT 42").Scan(&result))
		assert.Equal(t, 42, result)

		rows, err := dbtx.Query(ctx, "SELECT generate_series(1, 3)")
		require.NoError(t, err)
		defer rows.Close()
		var got []int
		for rows.Next() {
			var v int
			require.NoError(t, rows.Scan(&v))
			got = append(got, v)
		}
		assert.Equal(t, []int{1, 2, 3}, got)
	})
}

func TestRunInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE books").WithArgs("Harbour Lights").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		tx, err := mock.Begin(ctx)
		require.NoError(t, err)
		err = RunInTx(ctx, tx, zerolog.Nop(), func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "UPDATE books SET title = $1", "Harbour Lights")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back and returns the callback error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectRollback()

		tx, err := mock.Begin(ctx)
		require.NoError(t, err)
		cause := errors.New("chapter out of order")
		err = RunInTx(ctx, tx, zerolog.Nop(), func(pgx.Tx) error { return cause })
		assert.Same(t, cause, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback failure is reported with the cause", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectRollback().WillReturnError(errors.New("conn reset"))

		tx, err := mock.Begin(ctx)
		require.NoError(t, err)
		cause := errors.New("validation")
		err = RunInTx(ctx, tx, zerolog.Nop(), func(pgx.Tx) error { return cause })
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "conn reset")
	})

	t.Run("commit failure is not rolled back twice", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		tx, err := mock.Begin(ctx)
		require.NoError(t, err)
		err = RunInTx(ctx, tx, zerolog.Nop(), func(pgx.Tx) error { return nil })
		assert.ErrorContains(t, err, "commit: serialization failure")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("panic rolls back and re-panics", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectRollback()

		tx, err := mock.Begin(ctx)
		require.NoError(t, err)
		assert.PanicsWithValue(t, "boom", func() {
			_ = RunInTx(ctx, tx, zerolog.Nop(), func(pgx.Tx) error { panic("boom") })
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_AdvisoryLocks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	key := AdvisoryKey("book:advisory-test")

	t.Run("session lock is exclusive until released", func(t *testing.T) {
		first, ok, err := db.TryAdvisoryLock(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)

		second, ok, err := db.TryAdvisoryLock(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, second)

		require.NoError(t, first.Release(ctx))

		third, ok, err := db.TryAdvisoryLock(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, third.Release(ctx))
	})
}

func TestDB_CloseNilPool(t *testing.T) {
	assert.NotPanics(t, func() {
		(&DB{}).Close()
	})
}

// setupTestDB creates a test database connection or skips the test.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Host:              "localhost",
		Port:              5432,
		Name:              "bookgen",
		User:              "bookgen",
		Password:          "password",
		SSLMode:           "disable",
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    5 * time.Second,
	}

	db, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
	}

	return db
}
