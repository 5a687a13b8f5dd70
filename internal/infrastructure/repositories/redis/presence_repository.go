package redis

import (
	"context"
	"fmt"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	apperrors "streamgate/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// presenceSlotTTL bounds every presence entry so the store self-heals
// when disconnect cleanup never fires.
const presenceSlotTTL = time.Hour

// RedisPresenceRepository is the shared presence store. Per stream it
// keeps a set of viewer slots keyed by session id and a per-subject
// mapping to the subject's currently-active session id. The viewer
// count is always the live cardinality of the slot set.
type RedisPresenceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceStore {
	return &RedisPresenceRepository{
		client: client,
		prefix: "streamgate:",
	}
}

func (r *RedisPresenceRepository) viewersKey(stream domain.StreamID) string {
	return fmt.Sprintf("%sstream:%d:viewers", r.prefix, int64(stream))
}

func (r *RedisPresenceRepository) slotKey(stream domain.StreamID, subject domain.SubjectID) string {
	return fmt.Sprintf("%sstream:%d:viewer:%d", r.prefix, int64(stream), int64(subject))
}

// AddViewer migrates any existing slot for the subject to the new
// session before inserting it. The evict-then-insert sequence is not
// atomic across instances but converges to exactly one active slot per
// subject.
func (r *RedisPresenceRepository) AddViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error) {
	slotKey := r.slotKey(stream, subject)
	viewersKey := r.viewersKey(stream)

	old, err := r.client.Get(ctx, slotKey).Result()
	if err != nil && err != redis.Nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}
	if old != "" && old != string(session) {
		if err := r.client.SRem(ctx, viewersKey, old).Err(); err != nil {
			return 0, apperrors.NewStoreUnavailableError(err)
		}
	}

	if err := r.client.Set(ctx, slotKey, string(session), presenceSlotTTL).Err(); err != nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}
	if err := r.client.SAdd(ctx, viewersKey, string(session)).Err(); err != nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}
	if err := r.client.Expire(ctx, viewersKey, presenceSlotTTL).Err(); err != nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}

	return r.Count(ctx, stream)
}

// RemoveViewer removes the slot only if it is still mapped to the given
// session. A newer session for the same subject may already have taken
// over the slot; in that case the set membership stays untouched.
func (r *RedisPresenceRepository) RemoveViewer(ctx context.Context, stream domain.StreamID, session domain.SessionID, subject domain.SubjectID) (int64, error) {
	slotKey := r.slotKey(stream, subject)
	viewersKey := r.viewersKey(stream)

	current, err := r.client.Get(ctx, slotKey).Result()
	if err != nil && err != redis.Nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}

	if current == string(session) {
		if err := r.client.Del(ctx, slotKey).Err(); err != nil {
			return 0, apperrors.NewStoreUnavailableError(err)
		}
	}
	if current == string(session) || current == "" {
		if err := r.client.SRem(ctx, viewersKey, string(session)).Err(); err != nil {
			return 0, apperrors.NewStoreUnavailableError(err)
		}
	}

	return r.Count(ctx, stream)
}

// Count returns the live cardinality of the viewer-slot set.
func (r *RedisPresenceRepository) Count(ctx context.Context, stream domain.StreamID) (int64, error) {
	n, err := r.client.SCard(ctx, r.viewersKey(stream)).Result()
	if err != nil {
		return 0, apperrors.NewStoreUnavailableError(err)
	}
	return n, nil
}
