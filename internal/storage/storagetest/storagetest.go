// Package storagetest gives store tests a migrated, emptied PostgreSQL
// database. Tests using it are skipped unless TEST_DATABASE_URL is set.
package storagetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/eventhub/live/internal/storage"
)

// DB migrates the test database, truncates every table and returns a pool
// that is closed when the test ends.
func DB(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := storage.Migrate(url, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := storage.Open(context.Background(), url, storage.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	const truncate = `TRUNCATE event_reports, notifications, chat_messages, registrations, events, users RESTART IDENTITY CASCADE`
	if _, err := db.Exec(truncate); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

// User inserts a user row and returns its id.
func User(t *testing.T, db *sql.DB, username, role string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`INSERT INTO users (username, role) VALUES ($1, $2) RETURNING id`, username, role).Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

// Event inserts an event created by creatorID and returns its id.
func Event(t *testing.T, db *sql.DB, title string, creatorID int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`INSERT INTO events (title, created_by) VALUES ($1, $2) RETURNING id`, title, creatorID).Scan(&id)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return id
}

// Register records userID as registered for eventID.
func Register(t *testing.T, db *sql.DB, userID, eventID int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO registrations (user_id, event_id) VALUES ($1, $2)`, userID, eventID); err != nil {
		t.Fatalf("insert registration: %v", err)
	}
}
