package memory

import (
	"context"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

type slot struct {
	session   domain.SessionID
	expiresAt time.Time
}

type streamPresence struct {
	viewers map[domain.SessionID]struct{}
	slots   map[domain.SubjectID]slot
}

// MemoryPresenceRepository mirrors the redis presence semantics in
// process memory. Used by tests and single-node development; it cannot
// deduplicate viewers across instances.
type MemoryPresenceRepository struct {
	mu      sync.Mutex
	ttl     time.Duration
	streams map[domain.StreamID]*streamPresence
	now     func() time.Time
}

func NewMemoryPresenceRepository() *MemoryPresenceRepository {
	return &MemoryPresenceRepository{
		ttl:     time.Hour,
		streams: make(map[domain.StreamID]*streamPresence),
		now:     time.Now,
	}
}

var _ ports.PresenceStore = (*MemoryPresenceRepository)(nil)

func (r *MemoryPresenceRepository) stream(id domain.StreamID) *streamPresence {
	sp, ok := r.streams[id]
	if !ok {
		sp = &streamPresence{
			viewers: make(map[domain.SessionID]struct{}),
			slots:   make(map[domain.SubjectID]slot),
		}
		r.streams[id] = sp
	}
	return sp
}

func (r *MemoryPresenceRepository) AddViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp := r.stream(stream)
	if old, ok := sp.slots[subject]; ok && old.session != session {
		delete(sp.viewers, old.session)
	}
	sp.slots[subject] = slot{session: session, expiresAt: r.now().Add(r.ttl)}
	sp.viewers[session] = struct{}{}

	return r.countLocked(stream), nil
}

func (r *MemoryPresenceRepository) RemoveViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp := r.stream(stream)
	current, held := sp.slots[subject]
	expired := held && r.now().After(current.expiresAt)

	if held && current.session == session && !expired {
		delete(sp.slots, subject)
		delete(sp.viewers, session)
	} else if !held || expired {
		if expired {
			delete(sp.slots, subject)
		}
		delete(sp.viewers, session)
	}

	return r.countLocked(stream), nil
}

func (r *MemoryPresenceRepository) Count(ctx context.Context, stream domain.StreamID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(stream), nil
}

func (r *MemoryPresenceRepository) countLocked(stream domain.StreamID) int64 {
	sp, ok := r.streams[stream]
	if !ok {
		return 0
	}
	return int64(len(sp.viewers))
}
