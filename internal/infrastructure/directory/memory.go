package directory

import (
	"context"
	"sync"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

// MemoryDirectory is a seedable in-process StreamDirectory used in
// tests and local development.
type MemoryDirectory struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*domain.Stream
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{streams: make(map[domain.StreamID]*domain.Stream)}
}

var _ ports.StreamDirectory = (*MemoryDirectory)(nil)

func (d *MemoryDirectory) Add(stream *domain.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *stream
	d.streams[stream.ID] = &copied
}

func (d *MemoryDirectory) Remove(id domain.StreamID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
}

func (d *MemoryDirectory) FindByID(_ context.Context, id domain.StreamID) (*domain.Stream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stream, ok := d.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	copied := *stream
	return &copied, nil
}

func (d *MemoryDirectory) FindByOwner(_ context.Context, owner domain.SubjectID) ([]*domain.Stream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]*domain.Stream, 0)
	for _, stream := range d.streams {
		if stream.OwnerID == owner {
			copied := *stream
			result = append(result, &copied)
		}
	}
	return result, nil
}
