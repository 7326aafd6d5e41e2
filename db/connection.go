package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
)

// SQLiteBusyTimeoutMS is how long a writer waits for a competing lock.
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path.
// Write transactions start IMMEDIATE so the dispatch transaction cannot
// deadlock against a concurrent reader upgrading its lock.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		logger.AddDBSymbol(log).Debugw("Opening database", logger.FieldFile, path)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to %s", p.what)
		}
	}

	if log != nil {
		logger.AddDBSymbol(log).Infow("Database opened",
			logger.FieldFile, path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, log)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}
	return db, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// Per-connection settings go in the DSN so every pooled connection gets them.
	return path + sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}
