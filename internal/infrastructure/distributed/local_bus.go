package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamgate/internal/core/ports"
)

// LocalBus is an in-process broadcast fabric with the same contract as
// the redis bus: every subscriber except the publishing instance
// receives each event. Tests wire several registries to one LocalBus to
// exercise cross-instance delivery without redis.
type LocalBus struct {
	mu          sync.Mutex
	subscribers map[string]chan *ports.RoomEvent
	closed      bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]chan *ports.RoomEvent),
	}
}

// InstanceBus binds a LocalBus to one logical instance, giving each
// instance its own ports.BroadcastBus view of the shared fabric.
type InstanceBus struct {
	bus        *LocalBus
	instanceID string
}

func (b *LocalBus) ForInstance(instanceID string) *InstanceBus {
	return &InstanceBus{bus: b, instanceID: instanceID}
}

var _ ports.BroadcastBus = (*InstanceBus)(nil)

func (ib *InstanceBus) Publish(ctx context.Context, room, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal room event payload: %w", err)
	}

	ev := &ports.RoomEvent{
		InstanceID: ib.instanceID,
		Room:       room,
		Event:      event,
		Payload:    raw,
		Timestamp:  time.Now(),
	}

	ib.bus.mu.Lock()
	defer ib.bus.mu.Unlock()
	if ib.bus.closed {
		return fmt.Errorf("bus is closed")
	}
	for id, ch := range ib.bus.subscribers {
		if id == ib.instanceID {
			continue
		}
		ch <- ev
	}
	return nil
}

// Subscribe registers the instance on the fabric before returning and
// drains its events on a background goroutine until ctx is cancelled.
func (ib *InstanceBus) Subscribe(ctx context.Context, handler func(*ports.RoomEvent)) error {
	ch := make(chan *ports.RoomEvent, 64)

	ib.bus.mu.Lock()
	if ib.bus.closed {
		ib.bus.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	if _, exists := ib.bus.subscribers[ib.instanceID]; exists {
		ib.bus.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	ib.bus.subscribers[ib.instanceID] = ch
	ib.bus.mu.Unlock()

	go func() {
		defer func() {
			ib.bus.mu.Lock()
			delete(ib.bus.subscribers, ib.instanceID)
			ib.bus.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handler(ev)
			}
		}
	}()

	return nil
}

func (ib *InstanceBus) Close() error {
	return nil
}

// Close shuts the fabric down for every instance.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
