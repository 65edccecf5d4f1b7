// Package testutil provides shared helpers for integration tests. Postgres
// tests run only when TEST_PG_DSN points at a scratch database.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/liveroll/backend/db"
)

// SetupTestDB connects to TEST_PG_DSN and applies the embedded migration.
// The test is skipped when no test database is configured.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	if err := db.Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return dbx
}

// CreateTestUser inserts a throwaway user and registers cascade cleanup.
func CreateTestUser(t *testing.T, dbx *sql.DB) int64 {
	t.Helper()
	var id int64
	email := fmt.Sprintf("t-%d@example.com", time.Now().UnixNano())
	if err := dbx.QueryRow(`INSERT INTO users (email, password_hash) VALUES ($1,'x') RETURNING id`, email).Scan(&id); err != nil {
		t.Fatalf("insert test user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM users WHERE id=$1`, id)
	})
	return id
}

// CreateTestGiveaway inserts a giveaway owned by a fresh user. Cleanup
// cascades from the user row.
func CreateTestGiveaway(t *testing.T, dbx *sql.DB, command string) *db.Giveaway {
	t.Helper()
	userID := CreateTestUser(t, dbx)
	g, err := db.CreateGiveaway(context.Background(), dbx, userID, "test giveaway", command)
	if err != nil {
		t.Fatalf("create test giveaway: %v", err)
	}
	return g
}
