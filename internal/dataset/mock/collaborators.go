package mock

import (
	"context"
	"fmt"

	"github.com/jparkml/driftwatch/pkg/models"
)

// MockSource satisfies dataset.Source for testing.
type MockSource struct {
	ListItemsFunc func(ctx context.Context, subjectID string) ([]string, error)
}

func (m *MockSource) ListItems(ctx context.Context, subjectID string) ([]string, error) {
	if m.ListItemsFunc != nil {
		return m.ListItemsFunc(ctx, subjectID)
	}
	return nil, nil
}

// MockAnalyzer satisfies dataset.AttributeAnalyzer for testing.
type MockAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, subjectID, item string) (models.AttributeRecord, error)
}

func (m *MockAnalyzer) Analyze(ctx context.Context, subjectID, item string) (models.AttributeRecord, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, subjectID, item)
	}
	return models.AttributeRecord{}, nil
}

// MockExtractor satisfies dataset.EmbeddingExtractor for testing.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, subjectID, item string) ([]float64, error)
}

func (m *MockExtractor) Extract(ctx context.Context, subjectID, item string) ([]float64, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, subjectID, item)
	}
	return nil, nil
}

// NewFixedSource returns a MockSource that lists the given items for any subject.
func NewFixedSource(items ...string) *MockSource {
	return &MockSource{
		ListItemsFunc: func(context.Context, string) ([]string, error) {
			return items, nil
		},
	}
}

// NewConstantAnalyzer returns a MockAnalyzer producing the same record for
// every item.
func NewConstantAnalyzer(record models.AttributeRecord) *MockAnalyzer {
	return &MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			return record, nil
		},
	}
}

// NewConstantExtractor returns a MockExtractor producing the same vector for
// every item.
func NewConstantExtractor(vector []float64) *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(context.Context, string, string) ([]float64, error) {
			return append([]float64(nil), vector...), nil
		},
	}
}

// NewFailingExtractor returns a MockExtractor that fails for the named items
// and produces vector for the rest.
func NewFailingExtractor(vector []float64, failing ...string) *MockExtractor {
	bad := make(map[string]bool, len(failing))
	for _, item := range failing {
		bad[item] = true
	}
	return &MockExtractor{
		ExtractFunc: func(_ context.Context, _ string, item string) ([]float64, error) {
			if bad[item] {
				return nil, fmt.Errorf("extract %s: corrupt input", item)
			}
			return append([]float64(nil), vector...), nil
		},
	}
}
