package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// Store is the PostgreSQL chat log. Rows are appended and read back, never
// updated; they disappear only when their event is deleted.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts m and returns it with the server assigned id and timestamp.
func (s *Store) Append(ctx context.Context, m Message) (Message, error) {
	const query = `
		INSERT INTO chat_messages (event_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	var author sql.NullInt64
	if m.AuthorID != nil {
		author = sql.NullInt64{Int64: *m.AuthorID, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, query, m.EventID, author, m.AuthorName, m.Body).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("chat: insert: %w", err)
	}
	return m, nil
}

// History returns every message of the event, oldest first. Rows written in
// the same instant keep their insertion order.
func (s *Store) History(ctx context.Context, eventID int64) ([]Message, error) {
	const query = `
		SELECT id, event_id, author_id, author_name, body, created_at
		FROM chat_messages
		WHERE event_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m      Message
			author sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.EventID, &author, &m.AuthorName, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan: %w", err)
		}
		if author.Valid {
			id := author.Int64
			m.AuthorID = &id
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: history rows: %w", err)
	}
	return out, nil
}
