package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamgate/internal/core/ports"
	apperrors "streamgate/pkg/errors"
	"streamgate/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const busChannel = "streamgate:rooms"

// RedisEventBus fans room events out to every gateway instance through
// redis Pub/Sub. Events published by this instance are filtered out on
// receive; local delivery is the room registry's job.
type RedisEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewRedisEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RedisEventBus {
	return &RedisEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

var _ ports.BroadcastBus = (*RedisEventBus)(nil)

// Publish sends a room event to every instance subscribed to the
// fabric, including the publisher (which filters itself out).
func (b *RedisEventBus) Publish(ctx context.Context, room, event string, payload interface{}) error {
	ctx, span := tracing.TraceBusPublish(ctx, room, event)
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal room event payload: %w", err)
	}

	ev := ports.RoomEvent{
		InstanceID: b.instanceID,
		Room:       room,
		Event:      event,
		Payload:    raw,
		Timestamp:  time.Now(),
	}

	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}

	if err := b.client.Publish(ctx, busChannel, data).Err(); err != nil {
		wrapped := apperrors.NewStoreUnavailableError(err)
		tracing.RecordError(ctx, wrapped)
		return wrapped
	}

	b.logger.Debugw("published room event",
		"room", room,
		"event", event,
	)

	return nil
}

// Subscribe establishes and confirms the instance's bus subscription
// before returning, then consumes events from other instances on a
// background goroutine until ctx is cancelled. The gateway must not
// serve before Subscribe has returned nil, or it would silently run in
// single-instance mode.
func (b *RedisEventBus) Subscribe(ctx context.Context, handler func(*ports.RoomEvent)) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	pubsub := b.client.Subscribe(ctx, busChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to broadcast bus: %w", err)
	}
	b.pubsub = pubsub

	go b.consume(ctx, pubsub.Channel(), handler)
	return nil
}

func (b *RedisEventBus) consume(ctx context.Context, ch <-chan *redis.Message, handler func(*ports.RoomEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					b.logger.Errorw("broadcast bus subscription closed")
				}
				return
			}

			var ev ports.RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warnw("failed to unmarshal room event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events published by this instance; they were
			// already delivered locally.
			if ev.InstanceID == b.instanceID {
				continue
			}

			handler(&ev)
		}
	}
}

// Close closes the bus subscription.
func (b *RedisEventBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
