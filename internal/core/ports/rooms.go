package ports

import (
	"streamgate/internal/core/domain"
)

// Subscriber is a transport session attached to this instance that can
// receive room events. The signal server's sessions implement it.
type Subscriber interface {
	ID() domain.SessionID
	Send(event string, payload interface{}) error
}

// RoomRegistry maps room ids to the subscribers physically attached to
// this instance. Cross-instance delivery is the BroadcastBus's job.
type RoomRegistry interface {
	// Join is idempotent for the same subscriber and room.
	Join(room string, sub Subscriber)

	// Leave is a no-op when the subscriber never joined. Empty rooms
	// are pruned.
	Leave(room string, session domain.SessionID)

	// BroadcastLocal delivers to every local member except exclude
	// (exclude may be empty).
	BroadcastLocal(room, event string, payload interface{}, exclude domain.SessionID)

	MembersOf(room string) []domain.SessionID

	// RoomCount reports the live rooms on this instance.
	RoomCount() int
}
