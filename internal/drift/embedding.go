package drift

import (
	"math"
	"sort"

	"github.com/jparkml/driftwatch/pkg/models"
)

const (
	mmdGamma      = 1.0
	mmdMaxSamples = 500
	zscoreEpsilon = 1e-8
	psiBins       = 10
	psiComponents = 5
)

// CompareEmbeddings computes distributional distances between two sets of
// equal-dimensional vectors. Fewer than MinEmbeddings vectors on either side
// returns nil: not enough samples for any of these statistics to be
// meaningful. Every metric degrades to 0.0 in isolation on numeric failure;
// one bad metric never aborts the analysis.
func (s *Scorer) CompareEmbeddings(base, target [][]float64) *models.EmbeddingDrift {
	if len(base) < s.cfg.MinEmbeddings || len(target) < s.cfg.MinEmbeddings {
		return nil
	}
	if len(base[0]) == 0 || len(base[0]) != len(target[0]) {
		return nil
	}

	psi, psiMax := safeMetric2(func() (float64, float64) { return psiOnComponents(base, target) })

	return &models.EmbeddingDrift{
		MMD:            safeMetric(func() float64 { return mmd(base, target) }),
		MeanShift:      safeMetric(func() float64 { return meanShift(base, target) }),
		Wasserstein:    safeMetric(func() float64 { return wasserstein1D(projectToMeans(base), projectToMeans(target)) }),
		PSI:            psi,
		PSIMax:         psiMax,
		CosineDistance: safeMetric(func() float64 { return cosineDistance(columnMeans(base), columnMeans(target)) }),
	}
}

// safeMetric reports 0.0 for any metric that panics; numeric instability in
// one statistic must not poison the rest.
func safeMetric(fn func() float64) (out float64) {
	defer func() {
		if recover() != nil {
			out = 0.0
		}
	}()
	return fn()
}

func safeMetric2(fn func() (float64, float64)) (a, b float64) {
	defer func() {
		if recover() != nil {
			a, b = 0.0, 0.0
		}
	}()
	return fn()
}

// meanShift is the Euclidean distance between the two mean vectors divided by
// √d, normalizing away the effect of dimensionality on raw distance.
func meanShift(base, target [][]float64) float64 {
	bm := columnMeans(base)
	tm := columnMeans(target)

	var ss float64
	for i := range bm {
		d := bm[i] - tm[i]
		ss += d * d
	}
	return round4(math.Sqrt(ss) / math.Sqrt(float64(len(bm))))
}

// mmd computes the RBF-kernel maximum mean discrepancy between the two
// samples. Each side is subsampled for tractability and z-scored
// independently before the kernels, so pure scale differences (already
// captured by mean shift) do not dominate: what remains is shape difference.
func mmd(base, target [][]float64) float64 {
	x := zscore(subsample(base, mmdMaxSamples))
	y := zscore(subsample(target, mmdMaxSamples))

	xx := kernelMeanOffDiagonal(x, x)
	yy := kernelMeanOffDiagonal(y, y)
	xy := kernelMeanCross(x, y)

	// Clamp before the root: the unbiased estimate can dip below zero from
	// numerical noise.
	return round4(math.Sqrt(math.Max(xx+yy-2*xy, 0)))
}

func rbfKernel(a, b []float64) float64 {
	var ss float64
	for i := range a {
		d := a[i] - b[i]
		ss += d * d
	}
	return math.Exp(-mmdGamma * ss)
}

// kernelMeanOffDiagonal averages k(x_i, x_j) over i != j, the unbiased
// same-sample term of the U-statistic.
func kernelMeanOffDiagonal(x, y [][]float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += rbfKernel(x[i], y[j])
		}
	}
	return sum / float64(n*(n-1))
}

func kernelMeanCross(x, y [][]float64) float64 {
	var sum float64
	for i := range x {
		for j := range y {
			sum += rbfKernel(x[i], y[j])
		}
	}
	return sum / float64(len(x)*len(y))
}

// subsample takes an evenly strided subset of at most max vectors.
func subsample(vecs [][]float64, max int) [][]float64 {
	if len(vecs) <= max {
		return vecs
	}
	out := make([][]float64, 0, max)
	step := float64(len(vecs)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, vecs[int(float64(i)*step)])
	}
	return out
}

// zscore normalizes each dimension to zero mean, unit variance.
func zscore(vecs [][]float64) [][]float64 {
	d := len(vecs[0])
	means := columnMeans(vecs)

	stds := make([]float64, d)
	for _, v := range vecs {
		for j := 0; j < d; j++ {
			diff := v[j] - means[j]
			stds[j] += diff * diff
		}
	}
	for j := 0; j < d; j++ {
		stds[j] = math.Sqrt(stds[j]/float64(len(vecs))) + zscoreEpsilon
	}

	out := make([][]float64, len(vecs))
	for i, v := range vecs {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			row[j] = (v[j] - means[j]) / stds[j]
		}
		out[i] = row
	}
	return out
}

// projectToMeans reduces each vector to its per-vector mean, a deliberately
// cheap 1-D summary for the Wasserstein comparison.
func projectToMeans(vecs [][]float64) []float64 {
	out := make([]float64, len(vecs))
	for i, v := range vecs {
		out[i] = mean(v)
	}
	return out
}

// wasserstein1D computes the classical 1-D Wasserstein distance between two
// scalar samples: the integral of the absolute CDF difference over the
// merged support.
func wasserstein1D(a, b []float64) float64 {
	as := append([]float64(nil), a...)
	bs := append([]float64(nil), b...)
	sort.Float64s(as)
	sort.Float64s(bs)

	all := make([]float64, 0, len(as)+len(bs))
	all = append(all, as...)
	all = append(all, bs...)
	sort.Float64s(all)

	var dist float64
	for i := 0; i < len(all)-1; i++ {
		delta := all[i+1] - all[i]
		if delta == 0 {
			continue
		}
		cdfA := float64(sort.SearchFloat64s(as, all[i]+delta/2)) / float64(len(as))
		cdfB := float64(sort.SearchFloat64s(bs, all[i]+delta/2)) / float64(len(bs))
		dist += math.Abs(cdfA-cdfB) * delta
	}
	return round4(dist)
}

// psiOnComponents projects both sides through a PCA fit on the base sample
// and computes the Population Stability Index per retained component over
// shared-range bins with Laplace smoothing. Returns mean and max across
// components; max surfaces a single badly-drifted component that a mean
// would dilute.
func psiOnComponents(base, target [][]float64) (float64, float64) {
	d := len(base[0])
	k := psiComponents
	for _, limit := range []int{d, len(base), len(target)} {
		if limit < k {
			k = limit
		}
	}
	if k < 1 {
		return 0, 0
	}

	pca := fitPCA(base, k)

	var sum, max float64
	count := 0
	for c := 0; c < k; c++ {
		baseProj := pca.projectComponent(base, c)
		targetProj := pca.projectComponent(target, c)

		psi := psiScore(baseProj, targetProj)
		sum += psi
		if psi > max {
			max = psi
		}
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return round4(sum / float64(count)), round4(max)
}

// psiScore buckets both samples into shared-range bins and accumulates
// (p-q)·ln(p/q) with (count+1)/(total+bins) smoothing per bucket.
func psiScore(base, target []float64) float64 {
	lo := math.Min(minOf(base), minOf(target))
	hi := math.Max(maxOf(base), maxOf(target))

	baseCounts := histogram(base, lo, hi, psiBins)
	targetCounts := histogram(target, lo, hi, psiBins)

	var psi float64
	for i := 0; i < psiBins; i++ {
		p := float64(baseCounts[i]+1) / float64(len(base)+psiBins)
		q := float64(targetCounts[i]+1) / float64(len(target)+psiBins)
		psi += (p - q) * math.Log(p/q)
	}
	return psi
}

// cosineDistance is max(0, 1 - cosine similarity) of the two vectors;
// undefined (0.0) when either has zero norm.
func cosineDistance(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0.0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return round4(math.Max(0, 1-sim))
}

func columnMeans(vecs [][]float64) []float64 {
	d := len(vecs[0])
	out := make([]float64, d)
	for _, v := range vecs {
		for j := 0; j < d; j++ {
			out[j] += v[j]
		}
	}
	for j := 0; j < d; j++ {
		out[j] /= float64(len(vecs))
	}
	return out
}
