package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","eventId":42,"body":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.EventID != 42 {
		t.Errorf("expected eventId 42, got %d", sm.EventID)
	}
	if sm.Body != "hi" {
		t.Errorf("expected body %q, got %q", "hi", sm.Body)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing signal
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","eventId":7,"authorName":"anna"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.EventID != 7 || tm.AuthorName != "anna" {
		t.Errorf("unexpected typing payload: %+v", tm)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown client types are reported with ErrUnknownType
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	input := []byte(`{"type":"join_event","eventId":"not-a-number"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Fatal("decode error must not be reported as unknown type")
	}
}

// ---------------------------------------------------------------------------
// Test: Encoding a chat.message push
// ---------------------------------------------------------------------------

func TestEncode_ChatMessage(t *testing.T) {
	author := int64(7)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := Encode(ChatMessage{
		ID:         10,
		EventID:    42,
		AuthorID:   &author,
		AuthorName: "anna",
		Body:       "hi",
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeChatMessage {
		t.Errorf("expected type %q, got %v", TypeChatMessage, result["type"])
	}
	if result["authorId"] != float64(7) {
		t.Errorf("expected authorId 7, got %v", result["authorId"])
	}
	if result["createdAt"] != "2026-03-01T12:00:00Z" {
		t.Errorf("unexpected createdAt %v", result["createdAt"])
	}
}

func TestEncode_SystemMessageHasNullAuthor(t *testing.T) {
	data, err := Encode(ChatMessage{ID: 1, EventID: 42, AuthorName: "System", Body: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	v, present := result["authorId"]
	if !present {
		t.Fatal("authorId must be present for system messages")
	}
	if v != nil {
		t.Errorf("expected null authorId, got %v", v)
	}
}

func TestEncode_PongHasOnlyType(t *testing.T) {
	data, err := Encode(Pong{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong frame %s", data)
	}
}

func TestEncode_RejectsUnknown(t *testing.T) {
	if _, err := Encode(Unknown{Type: "x"}); err == nil {
		t.Fatal("expected error encoding Unknown")
	}
}

// ---------------------------------------------------------------------------
// Test: Decoding on the consumer side
// ---------------------------------------------------------------------------

func TestDecodeServerMessage_NotificationCreated(t *testing.T) {
	data, err := Encode(NotificationCreated{ID: 5, RecipientID: 3, Content: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := DecodeServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, ok := msg.(NotificationCreated)
	if !ok {
		t.Fatalf("expected NotificationCreated, got %T", msg)
	}
	if n.ID != 5 || n.RecipientID != 3 || n.Read {
		t.Errorf("unexpected notification: %+v", n)
	}
}

func TestDecodeServerMessage_UnknownTagIsIgnorable(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"poll.created","id":1}`))
	if err != nil {
		t.Fatalf("unknown tags must not fail decoding: %v", err)
	}
	u, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", msg)
	}
	if u.Kind() != "poll.created" {
		t.Errorf("expected kind %q, got %q", "poll.created", u.Kind())
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"authenticate", `{"type":"authenticate","token":"abc"}`, TypeAuthenticate},
		{"join_event", `{"type":"join_event","eventId":1}`, TypeJoinEvent},
		{"leave_event", `{"type":"leave_event","eventId":1}`, TypeLeaveEvent},
		{"join_user", `{"type":"join_user","userId":3}`, TypeJoinUser},
		{"send_message", `{"type":"send_message","eventId":1,"body":"hi"}`, TypeSendMessage},
		{"typing", `{"type":"typing","eventId":1,"authorName":"a"}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
