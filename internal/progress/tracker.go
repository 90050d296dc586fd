package progress

import (
	"sync"
	"time"

	"github.com/jparkml/driftwatch/pkg/models"
)

// rollingWindow is the number of recent per-item timings used for local speed
// estimation. Local signal reflects the current machine and dataset, so it
// takes priority over global history once available.
const rollingWindow = 20

// Tracker counts processed items for one job and derives progress and ETA.
// Safe for concurrent use; progress is monotonically non-decreasing as seen
// by any single poller.
type Tracker struct {
	mu        sync.Mutex
	total     int
	op        models.Operation
	est       *TimeEstimator
	processed int
	startTime time.Time
	lastItem  time.Time
	itemTimes []float64 // seconds per item, recent window

	now func() time.Time // test hook
}

// NewTracker creates a tracker for totalItems of the given operation. The
// estimator provides the ETA before any local samples exist and receives the
// final timing on Finish.
func NewTracker(totalItems int, op models.Operation, est *TimeEstimator) *Tracker {
	if totalItems < 1 {
		totalItems = 1
	}
	now := time.Now()
	return &Tracker{
		total:     totalItems,
		op:        op,
		est:       est,
		startTime: now,
		lastItem:  now,
		now:       time.Now,
	}
}

// Update advances the processed count by n and records the wall-clock delta
// since the previous update into the rolling window.
func (t *Tracker) Update(n int) models.ProgressSnapshot {
	if n < 1 {
		n = 1
	}

	t.mu.Lock()
	now := t.now()
	if t.processed > 0 {
		perItem := now.Sub(t.lastItem).Seconds() / float64(n)
		t.itemTimes = append(t.itemTimes, perItem)
		if len(t.itemTimes) > rollingWindow {
			t.itemTimes = t.itemTimes[len(t.itemTimes)-rollingWindow:]
		}
	}
	t.lastItem = now
	t.processed += n
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	return snap
}

// Progress returns the completed fraction in [0, 1].
func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

// Elapsed returns seconds since the tracker was created.
func (t *Tracker) Elapsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.startTime).Seconds()
}

// ETASeconds returns the estimated seconds remaining, or nil when no item has
// been processed and the estimator has no history for this operation.
func (t *Tracker) ETASeconds() *float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked(t.now())
}

// Snapshot returns the current poller-facing state.
func (t *Tracker) Snapshot() models.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.now())
}

// Finish marks the job complete and reports its timing to the estimator so
// future jobs of the same operation benefit. Returns the terminal snapshot.
func (t *Tracker) Finish() models.ProgressSnapshot {
	t.mu.Lock()
	elapsed := t.now().Sub(t.startTime).Seconds()
	processed := t.processed
	t.processed = t.total
	t.mu.Unlock()

	if t.est != nil {
		t.est.Record(t.op, processed, elapsed)
	}

	zero := 0.0
	return models.ProgressSnapshot{
		Progress:       1.0,
		Processed:      processed,
		Total:          t.total,
		ElapsedSeconds: round1(elapsed),
		ETASeconds:     &zero,
		ETAFormatted:   "done",
	}
}

func (t *Tracker) progressLocked() float64 {
	p := float64(t.processed) / float64(t.total)
	if p > 1.0 {
		return 1.0
	}
	return p
}

func (t *Tracker) etaLocked(now time.Time) *float64 {
	if t.processed == 0 {
		// Nothing local yet; lean on history, or admit we don't know.
		if t.est == nil || !t.est.HasHistory(t.op) {
			return nil
		}
		eta := t.est.Estimate(t.op, t.total)
		return &eta
	}

	remaining := t.total - t.processed
	if remaining <= 0 {
		zero := 0.0
		return &zero
	}

	var perItem float64
	if len(t.itemTimes) > 0 {
		var sum float64
		for _, v := range t.itemTimes {
			sum += v
		}
		perItem = sum / float64(len(t.itemTimes))
	} else {
		perItem = now.Sub(t.startTime).Seconds() / float64(t.processed)
	}

	eta := perItem * float64(remaining)
	return &eta
}

func (t *Tracker) snapshotLocked(now time.Time) models.ProgressSnapshot {
	eta := t.etaLocked(now)
	snap := models.ProgressSnapshot{
		Progress:       round4(t.progressLocked()),
		Processed:      t.processed,
		Total:          t.total,
		ElapsedSeconds: round1(now.Sub(t.startTime).Seconds()),
		ETAFormatted:   FormatETA(eta),
	}
	if eta != nil {
		r := round1(*eta)
		snap.ETASeconds = &r
	}
	return snap
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}
