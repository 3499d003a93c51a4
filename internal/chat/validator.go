package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/eventhub/live/internal/errdef"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateBody checks that a chat body meets content requirements. Failures
// are BadRequest errors.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errdef.NewBadRequest("message body is empty")
	}
	if len(body) > MaxMessageBytes {
		return errdef.NewBadRequest("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(body) {
		return errdef.NewBadRequest("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(body) > MaxTextChars {
		return errdef.NewBadRequest("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
