package progress

import (
	"testing"

	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
)

func newTestEstimator() *TimeEstimator {
	return NewTimeEstimator(config.DefaultProgress())
}

func TestEstimate_NoHistoryUsesDefault(t *testing.T) {
	est := newTestEstimator()

	// drift default is 1.5s per item
	assert.InDelta(t, 15.0, est.Estimate(models.OpDrift, 10), 1e-9)
	// attribute default is 0.5s per item
	assert.InDelta(t, 5.0, est.Estimate(models.OpAttributeAnalysis, 10), 1e-9)
}

func TestEstimate_UnknownOperationFallsBackToOneSecond(t *testing.T) {
	est := newTestEstimator()
	assert.InDelta(t, 10.0, est.Estimate(models.Operation("clustering"), 10), 1e-9)
}

func TestRecord_ZeroItemsIsNoOp(t *testing.T) {
	est := newTestEstimator()
	est.Record(models.OpDrift, 0, 100)
	assert.False(t, est.HasHistory(models.OpDrift))
}

func TestEstimate_UsesMedianOfHistory(t *testing.T) {
	est := newTestEstimator()
	// per-item times: 1.0, 2.0, 100.0 — median 2.0 resists the outlier run
	est.Record(models.OpDrift, 10, 10)
	est.Record(models.OpDrift, 10, 20)
	est.Record(models.OpDrift, 10, 1000)

	assert.InDelta(t, 2.0*5, est.Estimate(models.OpDrift, 5), 1e-9)
}

func TestEstimate_EvenHistoryAveragesMiddlePair(t *testing.T) {
	est := newTestEstimator()
	est.Record(models.OpDrift, 1, 1)
	est.Record(models.OpDrift, 1, 3)

	assert.InDelta(t, 2.0, est.Estimate(models.OpDrift, 1), 1e-9)
}

func TestRecord_BoundedHistoryEvictsOldest(t *testing.T) {
	est := newTestEstimator()
	// Fill with slow samples, then push 20 fast ones; the slow ones must age out.
	for i := 0; i < 5; i++ {
		est.Record(models.OpDrift, 1, 100)
	}
	for i := 0; i < 20; i++ {
		est.Record(models.OpDrift, 1, 1)
	}

	assert.InDelta(t, 1.0, est.Estimate(models.OpDrift, 1), 1e-9)
}

func TestFormatETA(t *testing.T) {
	secs := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		input    *float64
		expected string
	}{
		{"nil means still computing", nil, "calculating"},
		{"seconds", secs(42), "42s"},
		{"negative clamps to zero", secs(-5), "0s"},
		{"exact minutes", secs(120), "2m"},
		{"minutes and seconds", secs(150), "2m 30s"},
		{"exact hours", secs(7200), "2h"},
		{"hours and minutes", secs(3900), "1h 5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatETA(tt.input))
		})
	}
}
