// Package report provides PostgreSQL-backed storage for event reports. A
// report is written before moderators are woken up in the admin room.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eventhub/live/internal/errdef"
)

// MaxReasonChars bounds the free-text reason of a report.
const MaxReasonChars = 500

// Store manages event reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a user's flag against an event.
type Report struct {
	ID         int64
	ReporterID int64
	EventID    int64
	Reason     string
	Resolved   bool
	CreatedAt  time.Time
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report and fills in its id and timestamp. The reason is
// trimmed and must be non-empty.
func (s *Store) Create(ctx context.Context, r Report) (Report, error) {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return Report{}, errdef.NewBadRequest("report: reason is required")
	}
	if len([]rune(r.Reason)) > MaxReasonChars {
		return Report{}, errdef.NewBadRequest("report: reason exceeds %d characters", MaxReasonChars)
	}

	const query = `
		INSERT INTO event_reports (reporter_id, event_id, reason)
		VALUES ($1, $2, $3)
		RETURNING id, resolved, created_at`

	err := s.db.QueryRowContext(ctx, query, r.ReporterID, r.EventID, r.Reason).
		Scan(&r.ID, &r.Resolved, &r.CreatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("report: insert: %w", err)
	}
	return r, nil
}
