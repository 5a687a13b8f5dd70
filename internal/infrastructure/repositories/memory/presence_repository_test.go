package memory

import (
	"context"
	"fmt"
	"testing"

	"streamgate/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stream7 = domain.StreamID(7)

func TestPresence_CountMatchesDistinctSubjects(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		n, err := r.AddViewer(ctx, stream7, domain.SessionID(fmt.Sprintf("sock-%d", i)), domain.SubjectID(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	for i := 1; i <= 5; i++ {
		n, err := r.RemoveViewer(ctx, stream7, domain.SessionID(fmt.Sprintf("sock-%d", i)), domain.SubjectID(i))
		require.NoError(t, err)
		assert.Equal(t, int64(5-i), n)
	}
}

func TestPresence_SecondSocketDoesNotDoubleCount(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	n, err := r.AddViewer(ctx, stream7, "sock-a", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same subject joins again from a second socket: the old slot is
	// evicted, not added to.
	n, err = r.AddViewer(ctx, stream7, "sock-b", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_RejoinThenOldSocketDisconnects(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	// Subject 42 joins stream 7, then rejoins from a second socket,
	// then the first socket disconnects, then the second leaves.
	_, err := r.AddViewer(ctx, stream7, "sock-old", 42)
	require.NoError(t, err)

	n, err := r.AddViewer(ctx, stream7, "sock-new", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The old socket's disconnect must not remove the slot now owned
	// by the new socket.
	n, err = r.RemoveViewer(ctx, stream7, "sock-old", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.RemoveViewer(ctx, stream7, "sock-new", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPresence_RemoveNeverAddedIsNoop(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	_, err := r.AddViewer(ctx, stream7, "sock-a", 1)
	require.NoError(t, err)

	// Removing a viewer that was never added (an owner session, for
	// example) leaves the count untouched.
	n, err := r.RemoveViewer(ctx, stream7, "sock-owner", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_DoubleRemoveIsIdempotent(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	_, err := r.AddViewer(ctx, stream7, "sock-a", 42)
	require.NoError(t, err)

	n, err := r.RemoveViewer(ctx, stream7, "sock-a", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = r.RemoveViewer(ctx, stream7, "sock-a", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPresence_StreamsAreIndependent(t *testing.T) {
	r := NewMemoryPresenceRepository()
	ctx := context.Background()

	_, err := r.AddViewer(ctx, 7, "sock-a", 42)
	require.NoError(t, err)
	_, err = r.AddViewer(ctx, 8, "sock-a", 42)
	require.NoError(t, err)

	n, err := r.Count(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = r.RemoveViewer(ctx, 7, "sock-a", 42)
	require.NoError(t, err)

	n, err = r.Count(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "removal on stream 7 must not touch stream 8")
}

func TestPresence_CountOfUnknownStreamIsZero(t *testing.T) {
	r := NewMemoryPresenceRepository()

	n, err := r.Count(context.Background(), 12345)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
