package observability

import (
	"sync"
	"time"
)

// InMemoryMetricsClient accumulates metrics in process memory. It is the
// default client for single-process deployments and for tests that need
// to assert on recorded values.
type InMemoryMetricsClient struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &InMemoryMetricsClient{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// RecordCounter adds value to the named counter
func (m *InMemoryMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[labeledName(name, labels)] += value
}

// RecordGauge sets the named gauge
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[labeledName(name, labels)] = value
}

// RecordHistogram appends an observation to the named histogram
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := labeledName(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
}

// RecordTimer records a duration observation in seconds
func (m *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation outcome
func (m *InMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	m.RecordOperation("cache", operation, success, durationSeconds, nil)
}

// RecordOperation records a component operation outcome
func (m *InMemoryMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	status := "success"
	if !success {
		status = "failure"
	}
	merged := map[string]string{"component": component, "operation": operation, "status": status}
	for k, v := range labels {
		merged[k] = v
	}
	m.RecordCounter("operations_total", 1, merged)
	m.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

// StartTimer returns a func that records the elapsed time when called
func (m *InMemoryMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a counter without labels
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.RecordCounter(name, value, labels)
}

// Close releases resources held by the client
func (m *InMemoryMetricsClient) Close() error { return nil }

// CounterValue returns the current value of a counter (test helper)
func (m *InMemoryMetricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[labeledName(name, labels)]
}

func labeledName(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	// Deterministic label ordering matters only for lookups, not export;
	// tests use the same label map so a simple stable append suffices.
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := name
	for _, k := range keys {
		out += "{" + k + "=" + labels[k] + "}"
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (n *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}
func (n *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (n *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (n *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (n *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (n *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (n *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *NoopMetricsClient) Close() error { return nil }
