// Package progress tracks per-job completion and estimates time remaining.
// Estimates are advisory UI state only; nothing in the core depends on their
// accuracy.
package progress

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/pkg/models"
)

// TimeEstimator learns per-item durations from completed jobs, keyed by
// operation. It is constructed once at process start and injected into every
// Tracker; losing its state on restart only degrades ETA quality. Safe for
// concurrent use.
type TimeEstimator struct {
	mu       sync.Mutex
	history  map[models.Operation][]float64 // seconds per item, bounded ring
	maxSize  int
	defaults map[models.Operation]float64
}

// NewTimeEstimator creates an estimator with the configured history bound and
// per-operation defaults.
func NewTimeEstimator(cfg config.ProgressConfig) *TimeEstimator {
	size := cfg.HistorySize
	if size <= 0 {
		size = 20
	}
	return &TimeEstimator{
		history: make(map[models.Operation][]float64),
		maxSize: size,
		defaults: map[models.Operation]float64{
			models.OpAttributeAnalysis: cfg.DefaultAttributeSecs,
			models.OpEmbeddingAnalysis: cfg.DefaultEmbeddingSecs,
			models.OpDrift:             cfg.DefaultDriftSecs,
		},
	}
}

// Record appends duration/itemCount to the operation's history, evicting the
// oldest sample beyond the bound. No-op when itemCount is zero.
func (e *TimeEstimator) Record(op models.Operation, itemCount int, durationSeconds float64) {
	if itemCount <= 0 {
		return
	}
	perItem := durationSeconds / float64(itemCount)

	e.mu.Lock()
	defer e.mu.Unlock()

	h := append(e.history[op], perItem)
	if len(h) > e.maxSize {
		h = h[len(h)-e.maxSize:]
	}
	e.history[op] = h
}

// Estimate returns the expected duration in seconds for itemCount items.
// Median of history resists outlier runs; with no history the per-operation
// default applies.
func (e *TimeEstimator) Estimate(op models.Operation, itemCount int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	perItem, ok := e.medianLocked(op)
	if !ok {
		perItem = e.defaults[op]
		if perItem == 0 {
			perItem = 1.0
		}
	}
	return perItem * float64(itemCount)
}

// HasHistory reports whether any completed job has been recorded for op.
func (e *TimeEstimator) HasHistory(op models.Operation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history[op]) > 0
}

func (e *TimeEstimator) medianLocked(op models.Operation) (float64, bool) {
	h := e.history[op]
	if len(h) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(h))
	copy(sorted, h)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}

// FormatETA renders seconds as a human-readable remaining time. A nil input
// means "still computing", not zero.
func FormatETA(seconds *float64) string {
	if seconds == nil {
		return "calculating"
	}
	s := *seconds
	if s < 0 {
		s = 0
	}
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", int(s))
	case s < 3600:
		m := int(s) / 60
		sec := int(s) % 60
		if sec == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		h := int(s) / 3600
		m := (int(s) % 3600) / 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}
