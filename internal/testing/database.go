package testing

import (
	"database/sql"
	"testing"

	"github.com/contentops/autopilot/db"
)

// CreateTestDB creates a migrated in-memory SQLite database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
