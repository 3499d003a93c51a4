// Package notification stores per-user notifications. Each record has exactly
// one recipient; the only mutation is flipping read to true.
package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/protocol"
)

// Notification is one durable notice addressed to a single user.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipientId"`
	Content     string    `json:"content"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Envelope converts the row to its notification.created push.
func (n Notification) Envelope() protocol.NotificationCreated {
	return protocol.NotificationCreated{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Content:     n.Content,
		CreatedAt:   n.CreatedAt,
		Read:        n.Read,
	}
}

// Store manages notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an unread notification for recipientID.
func (s *Store) Create(ctx context.Context, recipientID int64, content string) (Notification, error) {
	const query = `
		INSERT INTO notifications (recipient_id, content)
		VALUES ($1, $2)
		RETURNING id, recipient_id, content, read, created_at`

	var n Notification
	err := s.db.QueryRowContext(ctx, query, recipientID, content).
		Scan(&n.ID, &n.RecipientID, &n.Content, &n.Read, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("notification: insert: %w", err)
	}
	return n, nil
}

// ListForRecipient returns the user's notifications, newest first.
func (s *Store) ListForRecipient(ctx context.Context, recipientID int64) ([]Notification, error) {
	const query = `
		SELECT id, recipient_id, content, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Content, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: list rows: %w", err)
	}
	return out, nil
}

// MarkRead flips the read flag of notification id. A record that does not
// exist and one owned by another user both yield NotFound.
func (s *Store) MarkRead(ctx context.Context, id, recipientID int64) (Notification, error) {
	const query = `
		UPDATE notifications
		SET read = true
		WHERE id = $1 AND recipient_id = $2
		RETURNING id, recipient_id, content, read, created_at`

	var n Notification
	err := s.db.QueryRowContext(ctx, query, id, recipientID).
		Scan(&n.ID, &n.RecipientID, &n.Content, &n.Read, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, errdef.NewNotFound("notification %d not found", id)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("notification: mark read: %w", err)
	}
	return n, nil
}
