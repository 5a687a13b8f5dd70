package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxChatMessageLength bounds a single chat message.
	MaxChatMessageLength = 500
)

// ParseStreamID parses a stream id received on the wire. Clients send
// it either as a JSON number or a numeric string; anything else is a
// validation error, which forcibly closes the connection upstream.
func ParseStreamID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("streamId is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("streamId must be numeric, got %q", raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("streamId must be positive, got %d", id)
	}
	return id, nil
}

// ValidateChatText validates a chat message body.
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	if utf8.RuneCountInString(text) > MaxChatMessageLength {
		return fmt.Errorf("text is too long (max %d characters)", MaxChatMessageLength)
	}
	return nil
}

// ValidateBearerToken rejects absent and placeholder tokens before any
// cryptographic work. Browsers serialize an unset auth field as the
// literal "null" or "undefined".
func ValidateBearerToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" || token == "null" || token == "undefined" {
		return fmt.Errorf("token not provided")
	}
	return nil
}

// OriginAllowed checks an Origin header against the configured
// allow-list. A single "*" entry allows every origin.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
