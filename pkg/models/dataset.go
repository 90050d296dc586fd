package models

import "time"

// AttributeRecord holds the per-item attributes supplied by the attribute
// collaborator. The drift core only compares the numeric fields; the rest is
// carried through for display.
type AttributeRecord struct {
	Size       float64 `json:"size"`
	NoiseLevel float64 `json:"noise_level"`
	Sharpness  float64 `json:"sharpness"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Format     string  `json:"format,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
}

// DatasetAnalysis is the per-subject record written through to the external
// store: extracted attributes keyed by item, and the embedding matrix.
// Writes are partial merges — filling in embeddings must not erase a
// previously stored attribute analysis for the same subject.
type DatasetAnalysis struct {
	SubjectID  string                     `json:"subject_id"`
	Attributes map[string]AttributeRecord `json:"attributes,omitempty"`
	Embeddings [][]float64                `json:"embeddings,omitempty"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}
