package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"streamgate/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []*ports.RoomEvent
}

func (c *collector) handle(ev *ports.RoomEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []*ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ports.RoomEvent(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLocalBus_FansOutToOtherInstances(t *testing.T) {
	fabric := NewLocalBus()
	defer fabric.Close()

	a := fabric.ForInstance("gw-a")
	b := fabric.ForInstance("gw-b")
	c := fabric.ForInstance("gw-c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var colB, colC collector
	require.NoError(t, b.Subscribe(ctx, colB.handle))
	require.NoError(t, c.Subscribe(ctx, colC.handle))

	require.NoError(t, a.Publish(ctx, "stream-7", "viewer-count", 3))

	waitFor(t, func() bool { return len(colB.snapshot()) == 1 && len(colC.snapshot()) == 1 })

	ev := colB.snapshot()[0]
	assert.Equal(t, "gw-a", ev.InstanceID)
	assert.Equal(t, "stream-7", ev.Room)
	assert.Equal(t, "viewer-count", ev.Event)

	var count int
	require.NoError(t, json.Unmarshal(ev.Payload, &count))
	assert.Equal(t, 3, count)
}

// Subscribe must register the instance before it returns, so an event
// published immediately afterwards is never missed.
func TestLocalBus_SubscriptionActiveOnReturn(t *testing.T) {
	fabric := NewLocalBus()
	defer fabric.Close()

	a := fabric.ForInstance("gw-a")
	b := fabric.ForInstance("gw-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var colB collector
	require.NoError(t, b.Subscribe(ctx, colB.handle))
	require.NoError(t, a.Publish(ctx, "stream-9", "viewer-count", 1))

	waitFor(t, func() bool { return len(colB.snapshot()) == 1 })
}

func TestLocalBus_PublisherDoesNotReceiveOwnEvents(t *testing.T) {
	fabric := NewLocalBus()
	defer fabric.Close()

	a := fabric.ForInstance("gw-a")
	b := fabric.ForInstance("gw-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var colA, colB collector
	require.NoError(t, a.Subscribe(ctx, colA.handle))
	require.NoError(t, b.Subscribe(ctx, colB.handle))

	require.NoError(t, a.Publish(ctx, "stream-7", "offer", map[string]string{"sdp": "v=0"}))

	waitFor(t, func() bool { return len(colB.snapshot()) == 1 })
	assert.Empty(t, colA.snapshot(), "publisher must not receive its own event")
}

func TestLocalBus_PerPublisherOrdering(t *testing.T) {
	fabric := NewLocalBus()
	defer fabric.Close()

	a := fabric.ForInstance("gw-a")
	b := fabric.ForInstance("gw-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var colB collector
	require.NoError(t, b.Subscribe(ctx, colB.handle))

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Publish(ctx, "stream-7", "ice", i))
	}

	waitFor(t, func() bool { return len(colB.snapshot()) == 20 })

	for i, ev := range colB.snapshot() {
		var got int
		require.NoError(t, json.Unmarshal(ev.Payload, &got))
		assert.Equal(t, i, got, "events must arrive in publish order")
	}
}

func TestLocalBus_DoubleSubscribeRejected(t *testing.T) {
	fabric := NewLocalBus()
	defer fabric.Close()

	a := fabric.ForInstance("gw-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Subscribe(ctx, func(*ports.RoomEvent) {}))

	err := a.Subscribe(ctx, func(*ports.RoomEvent) {})
	assert.Error(t, err)
}
