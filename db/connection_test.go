package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/contentops/autopilot/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")
		_, err := os.Stat(dbPath)
		require.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("in-memory database keeps one connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE probe (x INTEGER)")
		require.NoError(t, err)
		// A second pooled connection would not see the table.
		_, err = db.Exec("INSERT INTO probe (x) VALUES (1)")
		require.NoError(t, err)
		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		assert.Error(t, err)
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dsn("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dsn("file:a.db?mode=rwc"))
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "update run")))
	assert.False(t, IsDatabaseClosed(errors.New("disk full")))
	assert.False(t, IsDatabaseClosed(nil))
}
