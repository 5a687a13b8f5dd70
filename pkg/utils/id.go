package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateSessionID generates a unique transport session ID.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateInstanceID generates a unique gateway instance ID, used by
// the broadcast bus to filter an instance's own events.
func GenerateInstanceID() string {
	return fmt.Sprintf("gw-%s", uuid.NewString()[:8])
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
