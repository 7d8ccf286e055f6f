package budget

import (
	"sync"
	"time"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// qualityWindow is the number of recent measurements averaged
const qualityWindow = 5

// qualityRollbackThreshold triggers the rollback when the running
// average falls below it.
const qualityRollbackThreshold = 0.70

// predictiveCooldown is how long predictive precomputation stays off
// after a rollback.
const predictiveCooldown = time.Hour

// QualityState is the published monitor state
type QualityState struct {
	Average                 float64   `json:"average"`
	Samples                 int       `json:"samples"`
	PredictiveEnabled       bool      `json:"predictive_enabled"`
	PredictiveDisabledUntil time.Time `json:"predictive_disabled_until,omitempty"`
}

// PurgeFunc removes low-quality derived cache entries below the given
// score; invoked on rollback.
type PurgeFunc func(belowScore float64)

// QualityMonitor tracks a ring of recent answer quality scores and
// disables predictive precomputation when the average degrades.
type QualityMonitor struct {
	mu            sync.Mutex
	ring          [qualityWindow]float64
	count         int
	next          int
	disabledUntil time.Time
	purge         PurgeFunc
	logger        observability.Logger

	now func() time.Time
}

// NewQualityMonitor creates a monitor. purge may be nil.
func NewQualityMonitor(purge PurgeFunc) *QualityMonitor {
	return &QualityMonitor{
		purge:  purge,
		logger: observability.NewLogger("budget.quality"),
		now:    time.Now,
	}
}

// SetPurge installs the purge hook after construction, breaking the
// construction-order dependency between the monitor and the cache.
func (q *QualityMonitor) SetPurge(purge PurgeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purge = purge
}

// Record adds a quality measurement and runs the rollback check once
// the window is full.
func (q *QualityMonitor) Record(score float64) {
	q.mu.Lock()
	q.ring[q.next] = score
	q.next = (q.next + 1) % qualityWindow
	if q.count < qualityWindow {
		q.count++
	}
	avg := q.averageLocked()
	shouldRollback := q.count == qualityWindow &&
		avg < qualityRollbackThreshold &&
		q.now().After(q.disabledUntil)
	var purge PurgeFunc
	if shouldRollback {
		q.disabledUntil = q.now().Add(predictiveCooldown)
		purge = q.purge
	}
	q.mu.Unlock()

	if shouldRollback {
		q.logger.Warn("Quality degraded, disabling predictive precomputation", map[string]interface{}{
			"average":  avg,
			"cooldown": predictiveCooldown.String(),
		})
		if purge != nil {
			purge(qualityRollbackThreshold)
		}
	}
}

// Average returns the mean of the recorded window, 1.0 when empty
func (q *QualityMonitor) Average() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.averageLocked()
}

func (q *QualityMonitor) averageLocked() float64 {
	if q.count == 0 {
		return 1.0
	}
	sum := 0.0
	for i := 0; i < q.count; i++ {
		sum += q.ring[i]
	}
	return sum / float64(q.count)
}

// PredictiveEnabled reports whether predictive precomputation may run
func (q *QualityMonitor) PredictiveEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now().After(q.disabledUntil)
}

// State returns the published monitor state
func (q *QualityMonitor) State() QualityState {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := QualityState{
		Average:           q.averageLocked(),
		Samples:           q.count,
		PredictiveEnabled: q.now().After(q.disabledUntil),
	}
	if !state.PredictiveEnabled {
		state.PredictiveDisabledUntil = q.disabledUntil
	}
	return state
}
