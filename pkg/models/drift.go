package models

import "time"

// Drift status levels, ordered by severity.
const (
	DriftStatusNormal   = "NORMAL"
	DriftStatusWarning  = "WARNING"
	DriftStatusCritical = "CRITICAL"
)

// FieldDrift is the attribute-level divergence for one numeric field.
type FieldDrift struct {
	KLDivergence float64 `json:"kl_divergence"`
	BaseMean     float64 `json:"base_mean"`
	TargetMean   float64 `json:"target_mean"`
	BaseStd      float64 `json:"base_std"`
	TargetStd    float64 `json:"target_std"`
}

// FieldHistogram is the paired shared-range histogram kept for visualization.
// Bins holds the bin edges (len = buckets+1).
type FieldHistogram struct {
	Bins         []float64 `json:"bins"`
	BaseCounts   []int     `json:"base_counts"`
	TargetCounts []int     `json:"target_counts"`
}

// AttributeDrift maps field name to its divergence result. Fields where
// either sample was empty are omitted entirely: omission means "no evidence",
// a zero would falsely claim "no drift".
type AttributeDrift struct {
	Fields     map[string]FieldDrift     `json:"fields"`
	Histograms map[string]FieldHistogram `json:"histograms,omitempty"`
}

// EmbeddingDrift holds the distributional distances between two embedding
// sets. Any metric that failed numerically is reported as 0.0.
type EmbeddingDrift struct {
	MMD            float64 `json:"mmd"`
	MeanShift      float64 `json:"mean_shift"`
	Wasserstein    float64 `json:"wasserstein"`
	PSI            float64 `json:"psi"`
	PSIMax         float64 `json:"psi_max"`
	CosineDistance float64 `json:"cosine_distance"`
}

// EnsembleResult is the combined verdict. ComponentScores and Weights list
// exactly the metrics that contributed, so a reviewer can audit how
// OverallScore was reached.
type EnsembleResult struct {
	OverallScore    float64            `json:"overall_score"`
	Status          string             `json:"status"`
	ComponentScores map[string]float64 `json:"component_scores"`
	Weights         map[string]float64 `json:"weights"`
	Thresholds      DriftThresholds    `json:"thresholds"`
}

// DriftThresholds are the score cut-offs for the tri-level status.
type DriftThresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// CacheUsage reports which of the four drift inputs were served from a prior
// analysis instead of recomputed.
type CacheUsage struct {
	BaseAttributes   bool `json:"base_attributes"`
	TargetAttributes bool `json:"target_attributes"`
	BaseEmbeddings   bool `json:"base_embeddings"`
	TargetEmbeddings bool `json:"target_embeddings"`
}

// DriftVerdict is the full result of one drift comparison. Immutable once
// returned. AttributeDrift or EmbeddingDrift may be nil when that side had no
// usable input; the ensemble block is always present.
type DriftVerdict struct {
	SubjectID      string          `json:"subject_id"`
	CounterpartID  string          `json:"counterpart_id"`
	AttributeDrift *AttributeDrift `json:"attribute_drift,omitempty"`
	EmbeddingDrift *EmbeddingDrift `json:"embedding_drift,omitempty"`
	Ensemble       EnsembleResult  `json:"ensemble"`
	CacheUsed      CacheUsage      `json:"cache_used"`
	ComputedAt     time.Time       `json:"computed_at"`
}
