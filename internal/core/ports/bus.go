package ports

import (
	"context"
	"encoding/json"
	"time"
)

// RoomEvent is the envelope carried by the broadcast bus between
// gateway instances.
type RoomEvent struct {
	InstanceID string          `json:"instance_id"`
	Room       string          `json:"room"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BroadcastBus fans room events out to every gateway instance
// subscribed to the fabric. Delivery is at-least-once; consumers must
// tolerate duplicates.
type BroadcastBus interface {
	Publish(ctx context.Context, room, event string, payload interface{}) error

	// Subscribe establishes the subscription before returning, then
	// invokes handler on a background goroutine for every event
	// published by another instance until ctx is cancelled. It is
	// established once at startup per instance; an error is fatal to
	// startup.
	Subscribe(ctx context.Context, handler func(*RoomEvent)) error

	Close() error
}
