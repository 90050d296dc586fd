package drift

import "math"

const (
	powerIterations = 100
	powerTolerance  = 1e-9
)

// pcaModel holds principal components fit on one sample (the base side), so
// both sides can be projected into the same space.
type pcaModel struct {
	means      []float64
	components [][]float64 // row per component, unit length
}

// fitPCA extracts up to k principal components via power iteration with
// deflation. Good enough for the handful of components PSI needs without
// pulling in a numeric library.
func fitPCA(data [][]float64, k int) *pcaModel {
	d := len(data[0])
	means := columnMeans(data)

	centered := make([][]float64, len(data))
	for i, row := range data {
		c := make([]float64, d)
		for j := 0; j < d; j++ {
			c[j] = row[j] - means[j]
		}
		centered[i] = c
	}

	model := &pcaModel{means: means}
	for c := 0; c < k; c++ {
		comp, ok := dominantDirection(centered)
		if !ok {
			break
		}
		model.components = append(model.components, comp)
		deflate(centered, comp)
	}
	return model
}

// dominantDirection finds the leading eigenvector of the sample covariance by
// power iteration. Fails (ok=false) when the data has no remaining variance.
func dominantDirection(centered [][]float64) ([]float64, bool) {
	d := len(centered[0])
	n := float64(len(centered))

	// Deterministic start keeps results reproducible.
	v := make([]float64, d)
	for j := range v {
		v[j] = 1 / math.Sqrt(float64(d))
	}

	for iter := 0; iter < powerIterations; iter++ {
		// w = Covariance * v, computed as Xᵀ(Xv)/n without materializing
		// the d×d matrix.
		xv := make([]float64, len(centered))
		for i, row := range centered {
			var dot float64
			for j := 0; j < d; j++ {
				dot += row[j] * v[j]
			}
			xv[i] = dot
		}
		w := make([]float64, d)
		for i, row := range centered {
			for j := 0; j < d; j++ {
				w[j] += row[j] * xv[i]
			}
		}
		var norm float64
		for j := 0; j < d; j++ {
			w[j] /= n
			norm += w[j] * w[j]
		}
		norm = math.Sqrt(norm)
		if norm < powerTolerance {
			return nil, false
		}

		var diff float64
		for j := 0; j < d; j++ {
			w[j] /= norm
			diff += math.Abs(w[j] - v[j])
		}
		v = w
		if diff < powerTolerance {
			break
		}
	}
	return v, true
}

// deflate removes the component's contribution from each row so the next
// power iteration finds the following direction.
func deflate(centered [][]float64, comp []float64) {
	for _, row := range centered {
		var proj float64
		for j := range row {
			proj += row[j] * comp[j]
		}
		for j := range row {
			row[j] -= proj * comp[j]
		}
	}
}

// projectComponent maps each vector onto one fitted component, centered by
// the fit-time means.
func (m *pcaModel) projectComponent(data [][]float64, c int) []float64 {
	if c >= len(m.components) {
		// Fewer real components than requested: a constant projection
		// contributes zero PSI.
		return make([]float64, len(data))
	}
	comp := m.components[c]
	out := make([]float64, len(data))
	for i, row := range data {
		var proj float64
		for j := range row {
			proj += (row[j] - m.means[j]) * comp[j]
		}
		out[i] = proj
	}
	return out
}
