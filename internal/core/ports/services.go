package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// TokenVerifier validates a bearer credential and extracts the subject
// identity. All verification failures surface as *apperrors.AppError
// with code Unauthorized; the wire response stays uniform.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// StreamDirectory is the external stream-lookup collaborator. The
// gateway only reads stream existence and ownership from it.
type StreamDirectory interface {
	FindByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	FindByOwner(ctx context.Context, owner domain.SubjectID) ([]*domain.Stream, error)
}

// MetricsSink is the injected observability side channel. Implementations
// must be safe for concurrent use.
type MetricsSink interface {
	Incr(name string, labels map[string]string)
	Observe(name string, value float64, labels map[string]string)
}
