// Package chat holds the durable, per-event chat log: the message model, body
// validation and the PostgreSQL store.
package chat

import (
	"time"

	"github.com/eventhub/live/internal/protocol"
)

// SystemAuthorName is the display name every system message carries.
const SystemAuthorName = "System"

// Message is one row of an event's chat log. AuthorID is nil for system
// messages. AuthorName is captured when the row is written and never
// refreshed.
type Message struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"eventId"`
	AuthorID   *int64    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsSystem reports whether the message was generated by the platform.
func (m Message) IsSystem() bool {
	return m.AuthorID == nil
}

// Envelope converts the row to its chat.message push.
func (m Message) Envelope() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		EventID:    m.EventID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}
