// Package drift computes distributional distances between two versions of a
// dataset: attribute-level divergence, embedding-space distances, and the
// ensemble verdict that combines them.
package drift

import (
	"math"

	"github.com/jparkml/driftwatch/pkg/models"
)

const (
	attributeBins = 20
	klSmoothing   = 1e-10
)

// attributeFields are the numeric fields compared between two collections.
var attributeFields = []string{"size", "noise_level", "sharpness"}

// CompareAttributes computes per-field KL divergence between two attribute
// collections. Fields where either side has no samples are omitted entirely:
// omission signals "no evidence", a zero would falsely signal "no drift".
// Returns nil when no field could be compared.
func CompareAttributes(base, target map[string]models.AttributeRecord) *models.AttributeDrift {
	result := &models.AttributeDrift{
		Fields:     make(map[string]models.FieldDrift),
		Histograms: make(map[string]models.FieldHistogram),
	}

	for _, field := range attributeFields {
		baseVals := fieldValues(base, field)
		targetVals := fieldValues(target, field)
		if len(baseVals) == 0 || len(targetVals) == 0 {
			continue
		}

		kl, hist := klDivergence(baseVals, targetVals)
		result.Fields[field] = models.FieldDrift{
			KLDivergence: kl,
			BaseMean:     round4(mean(baseVals)),
			TargetMean:   round4(mean(targetVals)),
			BaseStd:      round4(std(baseVals)),
			TargetStd:    round4(std(targetVals)),
		}
		result.Histograms[field] = hist
	}

	if len(result.Fields) == 0 {
		return nil
	}
	return result
}

// klDivergence estimates KL(base ‖ target) over equal-width shared-range bins
// with additive smoothing. The absolute value is reported: which sample is
// the reference is a modeling choice, not drift evidence.
func klDivergence(base, target []float64) (float64, models.FieldHistogram) {
	lo := math.Min(minOf(base), minOf(target))
	hi := math.Max(maxOf(base), maxOf(target))

	baseCounts := histogram(base, lo, hi, attributeBins)
	targetCounts := histogram(target, lo, hi, attributeBins)

	p := smoothed(baseCounts, len(base))
	q := smoothed(targetCounts, len(target))

	var kl float64
	for i := range p {
		kl += p[i] * math.Log(p[i]/q[i])
	}

	edges := make([]float64, attributeBins+1)
	width := (hi - lo) / attributeBins
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}

	return round4(math.Abs(kl)), models.FieldHistogram{
		Bins:         edges,
		BaseCounts:   baseCounts,
		TargetCounts: targetCounts,
	}
}

// histogram bins values into n equal-width buckets over [lo, hi]. A
// degenerate range drops everything into the first bucket.
func histogram(values []float64, lo, hi float64, n int) []int {
	counts := make([]int, n)
	width := hi - lo
	for _, v := range values {
		idx := 0
		if width > 0 {
			idx = int((v - lo) / width * float64(n))
			if idx >= n {
				idx = n - 1
			}
			if idx < 0 {
				idx = 0
			}
		}
		counts[idx]++
	}
	return counts
}

// smoothed converts counts to a probability distribution with additive
// smoothing, renormalized to sum to 1, so no bin is exactly zero.
func smoothed(counts []int, total int) []float64 {
	out := make([]float64, len(counts))
	var sum float64
	for i, c := range counts {
		out[i] = float64(c)/float64(total) + klSmoothing
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func fieldValues(records map[string]models.AttributeRecord, field string) []float64 {
	vals := make([]float64, 0, len(records))
	for _, r := range records {
		switch field {
		case "size":
			vals = append(vals, r.Size)
		case "noise_level":
			vals = append(vals, r.NoiseLevel)
		case "sharpness":
			vals = append(vals, r.Sharpness)
		}
	}
	return vals
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func std(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
