package drift

import (
	"math"

	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/pkg/models"
)

// Scorer combines analyzer outputs into one normalized verdict. The caps,
// weights and thresholds come from configuration: they are empirically tuned
// so 1.0 severity roughly means a visibly different dataset.
type Scorer struct {
	cfg config.DriftConfig
}

// NewScorer creates a scorer with the given tunables.
func NewScorer(cfg config.DriftConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score maps each available raw metric to a [0,1] severity via its linear
// cap, then takes the weighted average over the metrics actually present.
// Missing inputs drop their weight from the denominator rather than being
// imputed as zero, so the score is always a true average over present
// evidence. The component severities and weights used are part of the
// output: the verdict must be auditable by a human reviewer.
func (s *Scorer) Score(attr *models.AttributeDrift, emb *models.EmbeddingDrift) models.EnsembleResult {
	scores := make(map[string]float64)
	weights := make(map[string]float64)

	if attr != nil {
		for field, fd := range attr.Fields {
			scores[field+"_kl"] = severity(fd.KLDivergence, s.cfg.KLCap)
			weights[field+"_kl"] = s.cfg.AttributeWeight
		}
	}

	if emb != nil {
		scores["mmd"] = severity(emb.MMD, s.cfg.MMDCap)
		weights["mmd"] = s.cfg.MMDWeight
		scores["mean_shift"] = severity(emb.MeanShift, s.cfg.MeanShiftCap)
		weights["mean_shift"] = s.cfg.MeanShiftWeight
		scores["wasserstein"] = severity(emb.Wasserstein, s.cfg.WassersteinCap)
		weights["wasserstein"] = s.cfg.WassersteinWeight
		scores["psi"] = severity(emb.PSI, s.cfg.PSICap)
		weights["psi"] = s.cfg.PSIWeight
	}

	var num, den float64
	for name, sev := range scores {
		num += sev * weights[name]
		den += weights[name]
	}

	overall := 0.0
	if den > 0 {
		overall = round4(num / den)
	}

	return models.EnsembleResult{
		OverallScore:    overall,
		Status:          s.status(overall),
		ComponentScores: scores,
		Weights:         weights,
		Thresholds: models.DriftThresholds{
			Warning:  s.cfg.WarningThreshold,
			Critical: s.cfg.CriticalThreshold,
		},
	}
}

func (s *Scorer) status(score float64) string {
	switch {
	case score >= s.cfg.CriticalThreshold:
		return models.DriftStatusCritical
	case score >= s.cfg.WarningThreshold:
		return models.DriftStatusWarning
	default:
		return models.DriftStatusNormal
	}
}

// severity maps a raw metric to [0,1] via its linear cap.
func severity(raw, cap float64) float64 {
	return round4(math.Min(math.Abs(raw)/cap, 1.0))
}
