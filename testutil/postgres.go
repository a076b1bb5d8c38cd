// Package testutil holds shared test fixtures: a migrated Postgres database
// gated on TEST_PG_DSN and a mock Helix server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/tmsqd/modbot/db"
)

var dataTables = []string{
	"comments", "permalinks", "crossbans", "moderator_channels", "moderators",
	"timeouts", "bans", "chat_log", "twitch_users", "oauth_tokens",
}

// SetupTestDB connects to TEST_PG_DSN, runs the migrations and empties every
// data table. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, table := range dataTables {
		if _, err := database.ExecContext(ctx, "TRUNCATE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return database
}
