package rooms

import (
	"sync"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"go.uber.org/zap"
)

// Registry is the in-process room registry: room id to the set of
// transport sessions attached to this instance. Cross-instance
// delivery is handled by the broadcast bus, not here.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[domain.SessionID]ports.Subscriber
	logger *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[domain.SessionID]ports.Subscriber),
		logger: logger,
	}
}

// Join adds the subscriber to the room. Joining the same room twice is
// idempotent.
func (r *Registry) Join(room string, sub ports.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.SessionID]ports.Subscriber)
		r.rooms[room] = members
	}
	members[sub.ID()] = sub
}

// Leave removes the session from the room. Leaving a room the session
// never joined is a no-op. The room entry is pruned when its local
// membership reaches zero.
func (r *Registry) Leave(room string, session domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, session)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// BroadcastLocal delivers the event to every member physically attached
// to this instance, except exclude. Send failures are logged and do not
// stop delivery to the remaining members.
func (r *Registry) BroadcastLocal(room, event string, payload interface{}, exclude domain.SessionID) {
	r.mu.RLock()
	targets := make([]ports.Subscriber, 0, len(r.rooms[room]))
	for id, sub := range r.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Send(event, payload); err != nil {
			r.logger.Warnw("failed to deliver room event",
				"room", room,
				"event", event,
				"session_id", sub.ID(),
				"error", err,
			)
		}
	}
}

// MembersOf returns the session ids of the room's local members.
func (r *Registry) MembersOf(room string) []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]domain.SessionID, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		members = append(members, id)
	}
	return members
}

// RoomCount returns the number of live rooms on this instance.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
