package monitoring

import (
	"context"
	"sync"
	"time"
)

// HealthChecker aggregates liveness checks over the gateway's external
// collaborators (shared store, bus, stream directory).
type HealthChecker struct {
	instanceID string
	startedAt  time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status     string            `json:"status"`
	InstanceID string            `json:"instance_id"`
	UptimeSec  int64             `json:"uptime_sec"`
	Timestamp  time.Time         `json:"timestamp"`
	Checks     map[string]string `json:"checks"`
}

func NewHealthChecker(instanceID string) *HealthChecker {
	return &HealthChecker{
		instanceID: instanceID,
		startedAt:  time.Now(),
	}
}

func (h *HealthChecker) AddCheck(name string, timeout time.Duration, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// CheckAll runs every registered check. A single failing collaborator
// marks the whole instance unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:     "healthy",
		InstanceID: h.instanceID,
		UptimeSec:  int64(time.Since(h.startedAt).Seconds()),
		Timestamp:  time.Now(),
		Checks:     make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		err := check.Check(checkCtx)
		cancel()
		if err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = "healthy"
	}

	return status
}
