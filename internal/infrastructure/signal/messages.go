package signal

import (
	"encoding/json"
	"strings"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/pkg/validation"
)

// Client-to-server events accepted on a signaling connection.
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventICE       = "ice"
	EventChat      = "chat-message"
	EventMyStreams = "my-streams"
)

// Server-to-client events.
const (
	EventJoined       = "joined"
	EventLeft         = "left"
	EventViewerJoined = "viewer-joined"
	EventViewerCount  = "viewer-count"
	EventError        = "error"
)

// Envelope is the wire frame for both directions. Data carries the
// event-specific payload untouched so relays stay verbatim.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wireStreamID accepts the stream id as a JSON number or a numeric
// string, the two encodings live clients actually send.
type wireStreamID int64

func (w *wireStreamID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	id, err := validation.ParseStreamID(raw)
	if err != nil {
		return err
	}
	*w = wireStreamID(id)
	return nil
}

func (w wireStreamID) StreamID() domain.StreamID {
	return domain.StreamID(w)
}

type joinPayload struct {
	StreamID wireStreamID `json:"streamId"`
}

type relayPayload struct {
	StreamID  wireStreamID    `json:"streamId"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type chatPayload struct {
	StreamID wireStreamID `json:"streamId"`
	Text     string       `json:"text"`
}

type joinedPayload struct {
	StreamID int64 `json:"streamId"`
}

type viewerJoinedPayload struct {
	StreamID int64 `json:"streamId"`
	ViewerID int64 `json:"viewerId"`
}

// relayBroadcast tags a relayed signaling payload with the sender's
// subject id so the receiving peer can address its reply.
type relayBroadcast struct {
	From      int64           `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type chatBroadcast struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type errorPayload struct {
	Message string `json:"message"`
}
