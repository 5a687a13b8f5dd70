package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/circuitbreaker"
	apperrors "streamgate/pkg/errors"

	"go.uber.org/zap"
)

// HTTPDirectory looks streams up in the platform's stream service. The
// gateway only reads existence and ownership; it never mutates streams.
// Lookups go through a circuit breaker so a dead stream service fails
// fast instead of stalling every join.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.SugaredLogger
}

// lookupResult distinguishes "stream does not exist" (a successful
// lookup) from a transport failure, so missing streams never trip the
// breaker.
type lookupResult struct {
	stream   *domain.Stream
	streams  []*domain.Stream
	notFound bool
}

func NewHTTPDirectory(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPDirectory {
	d := &HTTPDirectory{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("stream directory circuit state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return d
}

var _ ports.StreamDirectory = (*HTTPDirectory)(nil)

// FindByID returns the stream or domain.ErrStreamNotFound.
func (d *HTTPDirectory) FindByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	url := fmt.Sprintf("%s/streams/%d", d.baseURL, int64(id))

	res, err := circuitbreaker.Do(d.breaker, func() (*lookupResult, error) {
		var stream domain.Stream
		found, err := d.getJSON(ctx, url, &stream)
		if err != nil {
			return nil, err
		}
		return &lookupResult{stream: &stream, notFound: !found}, nil
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}

	if res.notFound {
		return nil, domain.ErrStreamNotFound
	}
	return res.stream, nil
}

// FindByOwner returns every stream owned by the subject.
func (d *HTTPDirectory) FindByOwner(ctx context.Context, owner domain.SubjectID) ([]*domain.Stream, error) {
	url := fmt.Sprintf("%s/users/%d/streams", d.baseURL, int64(owner))

	res, err := circuitbreaker.Do(d.breaker, func() (*lookupResult, error) {
		var streams []*domain.Stream
		found, err := d.getJSON(ctx, url, &streams)
		if err != nil {
			return nil, err
		}
		return &lookupResult{streams: streams, notFound: !found}, nil
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}

	if res.notFound {
		return []*domain.Stream{}, nil
	}
	return res.streams, nil
}

// getJSON reports found=false for a 404 and errors only on transport
// or protocol failures.
func (d *HTTPDirectory) getJSON(ctx context.Context, url string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return true, nil
}
