package domain

import "fmt"

type StreamID int64
type SessionID string
type SubjectID int64

// Stream is the gateway's read-only view of a stream owned by the
// platform's stream service. The gateway never mutates it.
type Stream struct {
	ID      StreamID  `json:"id"`
	OwnerID SubjectID `json:"userId"`
	Title   string    `json:"title"`
	Status  string    `json:"status"`
}

// Room returns the broadcast room identifier for the stream.
func (id StreamID) Room() string {
	return fmt.Sprintf("stream-%d", int64(id))
}
