package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// PresenceStore tracks viewer slots per stream across all gateway
// instances. A viewer slot is keyed by session id; a secondary mapping
// from subject id to its currently-active session id deduplicates a
// viewer connected through multiple sockets. The count is always the
// live cardinality of the slot set, never a maintained counter.
type PresenceStore interface {
	// AddViewer migrates any existing slot for the subject on this
	// stream to the new session (evicting the old slot first), inserts
	// the new slot with a refreshed TTL and returns the updated count.
	AddViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error)

	// RemoveViewer removes the slot only if it is still mapped to the
	// given session, then returns the updated count. Removing a slot a
	// newer session already took over is a no-op.
	RemoveViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error)

	Count(ctx context.Context, stream domain.StreamID) (int64, error)
}
