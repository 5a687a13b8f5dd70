package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"streamgate/internal/core/ports"
)

// RecordingSink captures metric calls for assertions in tests.
type RecordingSink struct {
	mu           sync.Mutex
	counts       map[string]int64
	observations map[string][]float64
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		counts:       make(map[string]int64),
		observations: make(map[string][]float64),
	}
}

var _ ports.MetricsSink = (*RecordingSink)(nil)

func (s *RecordingSink) Incr(name string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[seriesKey(name, labels)]++
}

func (s *RecordingSink) Observe(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seriesKey(name, labels)
	s.observations[key] = append(s.observations[key], value)
}

// Count returns the recorded total for a name+labels series.
func (s *RecordingSink) Count(name string, labels map[string]string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[seriesKey(name, labels)]
}

// Observations returns every recorded value for a name+labels series.
func (s *RecordingSink) Observations(name string, labels map[string]string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.observations[seriesKey(name, labels)]...)
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
