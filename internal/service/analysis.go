package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/internal/cache"
	"github.com/jparkml/driftwatch/internal/progress"
	"github.com/jparkml/driftwatch/internal/store"
	"github.com/jparkml/driftwatch/pkg/models"
)

// runAnalysis executes a single-subject attribute or embedding analysis in a
// worker goroutine. It recovers from panics and always releases the task key
// and reaches a terminal status.
func (s *DriftService) runAnalysis(task *models.AnalysisTask) {
	taskID := task.ID
	key := task.Key()
	ctx := s.queue.Context(taskID)
	bg := context.Background()

	defer s.queue.Finish(key)
	defer s.dropTracker(taskID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in analysis worker", "task_id", taskID, "error", r)
			s.markFailed(bg, taskID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := s.markInProgress(bg, taskID); err != nil {
		s.logger.Error("marking task in progress", "task_id", taskID, "error", err)
		return
	}

	items, err := s.source.ListItems(ctx, task.SubjectID)
	if err != nil {
		s.markFailed(bg, taskID, fmt.Sprintf("listing items: %v", err))
		return
	}

	tracker := progress.NewTracker(len(items), task.Operation, s.estimator)
	s.registerTracker(taskID, tracker)

	update := &models.DatasetAnalysis{SubjectID: task.SubjectID}
	switch task.Operation {
	case models.OpAttributeAnalysis:
		attrs, err := s.collectAttributes(ctx, taskID, task.SubjectID, items, tracker)
		if err != nil {
			s.markFailed(bg, taskID, err.Error())
			return
		}
		update.Attributes = attrs
	case models.OpEmbeddingAnalysis:
		embeds, err := s.collectEmbeddings(ctx, taskID, task.SubjectID, items, tracker)
		if err != nil {
			s.markFailed(bg, taskID, err.Error())
			return
		}
		update.Embeddings = embeds
	}

	merged, err := s.persistAnalysis(bg, update)
	if err != nil {
		s.markFailed(bg, taskID, fmt.Sprintf("storing analysis: %v", err))
		return
	}

	s.finishTracker(taskID, tracker)
	s.markCompleted(bg, taskID, map[string]any{
		"items_listed":    len(items),
		"attribute_count": len(merged.Attributes),
		"embedding_count": len(merged.Embeddings),
	})
}

// collectAttributes runs the attribute collaborator per item. Item failures
// are logged and excluded; only listing-level errors or cancellation abort
// the run.
func (s *DriftService) collectAttributes(ctx context.Context, taskID uuid.UUID, subjectID string, items []string, tracker *progress.Tracker) (map[string]models.AttributeRecord, error) {
	attrs := make(map[string]models.AttributeRecord, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.New("cancelled")
		}
		record, err := s.analyzer.Analyze(ctx, subjectID, item)
		if err != nil {
			s.logger.Warn("attribute analysis skipped item",
				"subject_id", subjectID, "item", item, "error", err)
		} else {
			attrs[item] = record
		}
		s.advance(ctx, taskID, tracker, 1)
	}
	return attrs, nil
}

// collectEmbeddings runs the embedding collaborator per item. Failed items
// and vectors that disagree with the first vector's dimensionality are
// excluded.
func (s *DriftService) collectEmbeddings(ctx context.Context, taskID uuid.UUID, subjectID string, items []string, tracker *progress.Tracker) ([][]float64, error) {
	embeds := make([][]float64, 0, len(items))
	dim := -1
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.New("cancelled")
		}
		vec, err := s.extractor.Extract(ctx, subjectID, item)
		switch {
		case err != nil:
			s.logger.Warn("embedding extraction skipped item",
				"subject_id", subjectID, "item", item, "error", err)
		case len(vec) == 0:
			s.logger.Warn("embedding extraction returned empty vector",
				"subject_id", subjectID, "item", item)
		case dim != -1 && len(vec) != dim:
			s.logger.Warn("embedding dimension mismatch, item excluded",
				"subject_id", subjectID, "item", item, "want", dim, "got", len(vec))
		default:
			if dim == -1 {
				dim = len(vec)
			}
			embeds = append(embeds, vec)
		}
		s.advance(ctx, taskID, tracker, 1)
	}
	return embeds, nil
}

// persistAnalysis merges the update into the store and writes the merged
// record through to the cache.
func (s *DriftService) persistAnalysis(ctx context.Context, update *models.DatasetAnalysis) (*models.DatasetAnalysis, error) {
	merged, err := s.store.UpsertDatasetAnalysis(ctx, update)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(merged)
	if err == nil {
		if cerr := s.cache.Set(ctx, cache.AnalysisKey(merged.SubjectID), payload, analysisTTL); cerr != nil {
			s.logger.Warn("analysis cache write failed", "subject_id", merged.SubjectID, "error", cerr)
		}
	}
	return merged, nil
}

// loadAnalysis resolves a subject's stored analysis, cache first, then the
// store (re-warming the cache on a store hit). Returns nil without error
// when the subject has never been analyzed.
func (s *DriftService) loadAnalysis(ctx context.Context, subjectID string) (*models.DatasetAnalysis, error) {
	raw, found, err := s.cache.Get(ctx, cache.AnalysisKey(subjectID))
	if err != nil {
		s.logger.Warn("analysis cache read failed", "subject_id", subjectID, "error", err)
	}
	if found {
		var a models.DatasetAnalysis
		if err := json.Unmarshal(raw, &a); err == nil {
			return &a, nil
		}
		s.logger.Warn("corrupt cached analysis dropped", "subject_id", subjectID)
		_ = s.cache.Delete(ctx, cache.AnalysisKey(subjectID))
	}

	a, err := s.store.GetDatasetAnalysis(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(a); err == nil {
		_ = s.cache.Set(ctx, cache.AnalysisKey(subjectID), payload, analysisTTL)
	}
	return a, nil
}
