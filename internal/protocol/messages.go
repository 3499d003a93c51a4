// Package protocol defines the messages exchanged over the live socket. Every
// frame is a JSON object carrying a "type" discriminator next to its fields.
// Server pushes form a closed set of variants; anything else a consumer sees
// decodes to Unknown and is meant to be ignored.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinEvent    = "join_event"
	TypeLeaveEvent   = "leave_event"
	TypeJoinUser     = "join_user"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated      = "session_created"
	TypeAuthenticated       = "authenticated"
	TypeJoined              = "joined"
	TypeLeft                = "left"
	TypeChatMessage         = "chat.message"
	TypeChatTyping          = "chat.typing"
	TypeNotificationCreated = "notification.created"
	TypeReportCreated       = "report.created"
	TypeError               = "error"
	TypePong                = "pong"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed frame
// whose type this server does not handle.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the payload can be decoded later into its concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds a bearer credential to the current session.
type AuthenticateMsg struct {
	Token string `json:"token" validate:"required"`
}

// JoinEventMsg subscribes the session to an event's chat room.
type JoinEventMsg struct {
	EventID int64 `json:"eventId" validate:"required,gt=0"`
}

// LeaveEventMsg drops the session from an event's chat room.
type LeaveEventMsg struct {
	EventID int64 `json:"eventId" validate:"required,gt=0"`
}

// JoinUserMsg subscribes the session to a user's notification room.
type JoinUserMsg struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

// SendMessageMsg posts a chat message to an event.
type SendMessageMsg struct {
	EventID int64  `json:"eventId" validate:"required,gt=0"`
	Body    string `json:"body" validate:"required"`
}

// TypingMsg signals that the sender is composing a message in an event room.
type TypingMsg struct {
	EventID    int64  `json:"eventId" validate:"required,gt=0"`
	AuthorName string `json:"authorName" validate:"max=100"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client messages
// ---------------------------------------------------------------------------

// ServerMessage is implemented by every message the server pushes. The set is
// closed: only types in this package satisfy it.
type ServerMessage interface {
	Kind() string
	serverMessage()
}

// ChatMessage is pushed to an event room for every persisted chat row.
// AuthorID is nil for system messages.
type ChatMessage struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"eventId"`
	AuthorID   *int64    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatTyping is an ephemeral typing indicator. Receivers expire it on their
// own after about two seconds.
type ChatTyping struct {
	EventID    int64  `json:"eventId"`
	AuthorName string `json:"authorName"`
}

// NotificationCreated is pushed to a user room for every persisted
// notification.
type NotificationCreated struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipientId"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
}

// ReportCreated wakes connected moderators in the admin room.
type ReportCreated struct {
	ReportID     int64     `json:"reportId"`
	EventTitle   string    `json:"eventTitle"`
	ReporterName string    `json:"reporterName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionCreated is sent once after the upgrade.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

// Authenticated confirms an identity bound to the session.
type Authenticated struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Joined confirms a room subscription.
type Joined struct {
	Room string `json:"room"`
}

// Left confirms a room was dropped.
type Left struct {
	Room string `json:"room"`
}

// Error is sent by the server to communicate an error condition.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong is the server's response to a client ping.
type Pong struct{}

// Unknown is what DecodeServerMessage yields for a tag outside the closed set.
type Unknown struct {
	Type string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (ChatMessage) Kind() string         { return TypeChatMessage }
func (ChatTyping) Kind() string          { return TypeChatTyping }
func (NotificationCreated) Kind() string { return TypeNotificationCreated }
func (ReportCreated) Kind() string       { return TypeReportCreated }
func (SessionCreated) Kind() string      { return TypeSessionCreated }
func (Authenticated) Kind() string       { return TypeAuthenticated }
func (Joined) Kind() string              { return TypeJoined }
func (Left) Kind() string                { return TypeLeft }
func (Error) Kind() string               { return TypeError }
func (Pong) Kind() string                { return TypePong }
func (u Unknown) Kind() string           { return u.Type }

func (ChatMessage) serverMessage()         {}
func (ChatTyping) serverMessage()          {}
func (NotificationCreated) serverMessage() {}
func (ReportCreated) serverMessage()       {}
func (SessionCreated) serverMessage()      {}
func (Authenticated) serverMessage()       {}
func (Joined) serverMessage()              {}
func (Left) serverMessage()                {}
func (Error) serverMessage()               {}
func (Pong) serverMessage()                {}
func (Unknown) serverMessage()             {}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. A well-formed frame with an unhandled type
// yields ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinEvent:
		var m JoinEventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveEvent:
		var m LeaveEventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinUser:
		var m JoinUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode serializes a server message with its type tag injected.
func Encode(m ServerMessage) ([]byte, error) {
	if _, ok := m.(Unknown); ok {
		return nil, fmt.Errorf("protocol: refusing to encode unknown message %q", m.Kind())
	}
	return NewServerMessage(m.Kind(), m)
}

// NewServerMessage marshals payload, injects msgType under the "type" key and
// returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// DecodeServerMessage is the consumer side of Encode. Tags outside the closed
// set decode to Unknown without error.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var (
		msg ServerMessage
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessage
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatTyping:
		var m ChatTyping
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNotificationCreated:
		var m NotificationCreated
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportCreated:
		var m ReportCreated
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSessionCreated:
		var m SessionCreated
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthenticated:
		var m Authenticated
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoined:
		var m Joined
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeft:
		var m Left
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m Error
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		msg = Pong{}
	default:
		return Unknown{Type: env.Type, Raw: env.Raw}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msg, nil
}
