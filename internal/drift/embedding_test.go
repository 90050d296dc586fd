package drift

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jparkml/driftwatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(r *rand.Rand, n, d int, offset float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, d)
		for j := range v {
			v[j] = r.NormFloat64() + offset
		}
		out[i] = v
	}
	return out
}

func constantVectors(n, d int, value float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, d)
		for j := range v {
			v[j] = value
		}
		out[i] = v
	}
	return out
}

func TestCompareEmbeddings_TooFewVectors(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	enough := randomVectors(r, 10, 4, 0)
	few := randomVectors(r, 4, 4, 0)

	s := NewScorer(config.DefaultDrift())
	assert.Nil(t, s.CompareEmbeddings(few, enough))
	assert.Nil(t, s.CompareEmbeddings(enough, few))
}

func TestCompareEmbeddings_ConfiguredMinimum(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	three := randomVectors(r, 3, 4, 0)

	cfg := config.DefaultDrift()
	cfg.MinEmbeddings = 3
	assert.NotNil(t, NewScorer(cfg).CompareEmbeddings(three, three))
	assert.Nil(t, NewScorer(config.DefaultDrift()).CompareEmbeddings(three, three))
}

func TestCompareEmbeddings_DimensionMismatch(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	s := NewScorer(config.DefaultDrift())
	assert.Nil(t, s.CompareEmbeddings(randomVectors(r, 10, 4, 0), randomVectors(r, 10, 8, 0)))
}

func TestCompareEmbeddings_IdenticalDistributions(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	vecs := randomVectors(r, 50, 8, 0)

	result := NewScorer(config.DefaultDrift()).CompareEmbeddings(vecs, vecs)
	require.NotNil(t, result)

	assert.InDelta(t, 0.0, result.MMD, 1e-6)
	assert.InDelta(t, 0.0, result.MeanShift, 1e-9)
	assert.InDelta(t, 0.0, result.Wasserstein, 1e-9)
	assert.InDelta(t, 0.0, result.PSI, 1e-6)
	assert.InDelta(t, 0.0, result.CosineDistance, 1e-9)
}

func TestCompareEmbeddings_ShiftedDistributions(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	base := randomVectors(r, 60, 6, 0)
	target := randomVectors(r, 60, 6, 3.0)

	result := NewScorer(config.DefaultDrift()).CompareEmbeddings(base, target)
	require.NotNil(t, result)

	assert.Greater(t, result.MMD, 0.0)
	// Per-dimension shift of 3 survives the √d normalization.
	assert.InDelta(t, 3.0, result.MeanShift, 0.5)
	assert.Greater(t, result.Wasserstein, 1.0)
	assert.Greater(t, result.PSI, 0.0)
	assert.GreaterOrEqual(t, result.PSIMax, result.PSI)
}

func TestMMD_NonNegative(t *testing.T) {
	r := rand.New(rand.NewSource(5))

	cases := []struct {
		name         string
		base, target [][]float64
	}{
		{"random vs random", randomVectors(r, 40, 4, 0), randomVectors(r, 40, 4, 0)},
		{"shifted", randomVectors(r, 40, 4, 0), randomVectors(r, 40, 4, 2)},
		{"near-zero variance", constantVectors(20, 4, 1.0), constantVectors(20, 4, 1.0)},
		{"constant vs constant offset", constantVectors(20, 4, 0.0), constantVectors(20, 4, 100.0)},
		{"large sample subsampled", randomVectors(r, 1200, 3, 0), randomVectors(r, 1200, 3, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mmd(tc.base, tc.target)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.False(t, math.IsNaN(got))
			assert.False(t, math.IsInf(got, 0))
		})
	}
}

func TestWasserstein1D(t *testing.T) {
	// Shifting every value by a constant moves the distribution by exactly
	// that constant.
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{3, 4, 5, 6, 7}
	assert.InDelta(t, 2.0, wasserstein1D(a, b), 1e-9)

	assert.InDelta(t, 0.0, wasserstein1D(a, a), 1e-9)
}

func TestPSI_IdenticalNearZero(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	vecs := randomVectors(r, 100, 5, 0)

	avg, max := psiOnComponents(vecs, vecs)
	assert.InDelta(t, 0.0, avg, 1e-6)
	assert.InDelta(t, 0.0, max, 1e-6)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0.0, cosineDistance([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 1.0, cosineDistance([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, 2.0, cosineDistance([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Zero vector has no direction; distance degrades to 0.
	assert.Equal(t, 0.0, cosineDistance([]float64{0, 0}, []float64{1, 1}))
}

func TestSubsample_StrideKeepsBound(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	vecs := randomVectors(r, 1337, 2, 0)

	got := subsample(vecs, mmdMaxSamples)
	assert.LessOrEqual(t, len(got), mmdMaxSamples)
	assert.Equal(t, vecs[0], got[0])

	small := randomVectors(r, 12, 2, 0)
	assert.Len(t, subsample(small, mmdMaxSamples), 12)
}

func TestFitPCA_RecoversDominantAxis(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	data := make([][]float64, 200)
	for i := range data {
		// Variance concentrated on the first axis.
		data[i] = []float64{r.NormFloat64() * 10, r.NormFloat64() * 0.1, r.NormFloat64() * 0.1}
	}

	m := fitPCA(data, 1)
	require.NotNil(t, m)
	require.Len(t, m.components, 1)

	first := math.Abs(m.components[0][0])
	assert.Greater(t, first, 0.99)
}
