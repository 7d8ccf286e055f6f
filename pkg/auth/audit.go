package auth

import (
	"context"
	"sync"
	"time"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// AuditEvent is one security-relevant occurrence
type AuditEvent struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"event_type"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	IP        string    `json:"ip,omitempty" db:"ip"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`
	Endpoint  string    `json:"endpoint,omitempty" db:"endpoint"`
	RequestID string    `json:"request_id,omitempty" db:"request_id"`
	Success   bool      `json:"success" db:"success"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// AuditStore persists flushed audit events
type AuditStore interface {
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
}

// maxBufferedEvents bounds sink memory; the oldest events are dropped
// on overflow and the drop is counted.
const maxBufferedEvents = 1000

// AuditSink buffers audit events in memory and flushes them to
// persistence in batches. Record never blocks the request path.
type AuditSink struct {
	store   AuditStore
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	buffer  []AuditEvent
	dropped int64

	now func() time.Time
}

// NewAuditSink creates a sink; store may be nil for log-only operation
func NewAuditSink(store AuditStore, logger observability.Logger, metrics observability.MetricsClient) *AuditSink {
	if logger == nil {
		logger = observability.NewLogger("auth.audit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &AuditSink{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// Record buffers an event, dropping the oldest on overflow
func (s *AuditSink) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	if len(s.buffer) >= maxBufferedEvents {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	s.buffer = append(s.buffer, event)
	s.mu.Unlock()

	s.logger.Info("AUDIT", map[string]interface{}{
		"type":       event.Type,
		"user_id":    event.UserID,
		"ip":         event.IP,
		"endpoint":   event.Endpoint,
		"request_id": event.RequestID,
		"success":    event.Success,
	})
}

// Flush writes buffered events to the store. On failure the events are
// requeued ahead of newer ones.
func (s *AuditSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(events) == 0 || s.store == nil {
		return nil
	}
	if err := s.store.InsertAuditEvents(ctx, events); err != nil {
		s.mu.Lock()
		s.buffer = append(events, s.buffer...)
		if len(s.buffer) > maxBufferedEvents {
			over := len(s.buffer) - maxBufferedEvents
			s.buffer = s.buffer[over:]
			s.dropped += int64(over)
		}
		s.mu.Unlock()
		return err
	}
	s.metrics.IncrementCounter("audit.flushed", float64(len(events)))
	return nil
}

// Pending returns the buffered event count
func (s *AuditSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Dropped returns how many events were lost to overflow
func (s *AuditSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
