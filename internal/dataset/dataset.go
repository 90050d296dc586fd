package dataset

import (
	"context"

	"github.com/jparkml/driftwatch/pkg/models"
)

// Source enumerates the items of a subject dataset. Implementations wrap
// whatever holds the raw data (object storage, a local directory, an
// ingestion service); the drift core only needs stable item identifiers.
type Source interface {
	ListItems(ctx context.Context, subjectID string) ([]string, error)
}

// AttributeAnalyzer extracts the per-item attribute record for one item.
// A per-item error excludes that item from the analysis; it does not fail
// the whole run.
type AttributeAnalyzer interface {
	Analyze(ctx context.Context, subjectID, item string) (models.AttributeRecord, error)
}

// EmbeddingExtractor produces the embedding vector for one item. All vectors
// for a subject must share one dimensionality; the caller discards items
// whose extraction fails.
type EmbeddingExtractor interface {
	Extract(ctx context.Context, subjectID, item string) ([]float64, error)
}
