package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/internal/cache"
	"github.com/jparkml/driftwatch/internal/drift"
	"github.com/jparkml/driftwatch/internal/progress"
	"github.com/jparkml/driftwatch/pkg/models"
)

// analysisPlan is one side of a drift comparison: what is already cached and
// what still has to be computed. items is populated only when at least one
// side of the analysis is missing.
type analysisPlan struct {
	subjectID  string
	cached     *models.DatasetAnalysis
	items      []string
	needAttrs  bool
	needEmbeds bool
}

// workUnits is the number of per-item steps this plan will cost.
func (p *analysisPlan) workUnits() int {
	units := 0
	if p.needAttrs {
		units += len(p.items)
	}
	if p.needEmbeds {
		units += len(p.items)
	}
	return units
}

// runDrift executes a drift comparison in a worker goroutine.
func (s *DriftService) runDrift(task *models.AnalysisTask, force bool) {
	taskID := task.ID
	key := task.Key()
	ctx := s.queue.Context(taskID)
	bg := context.Background()

	defer s.queue.Finish(key)
	defer s.dropTracker(taskID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in drift worker", "task_id", taskID, "error", r)
			s.markFailed(bg, taskID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := s.markInProgress(bg, taskID); err != nil {
		s.logger.Error("marking task in progress", "task_id", taskID, "error", err)
		return
	}

	counterpartID := *task.CounterpartID
	basePlan, err := s.planAnalysis(ctx, task.SubjectID, force)
	if err != nil {
		s.markFailed(bg, taskID, fmt.Sprintf("planning %s: %v", task.SubjectID, err))
		return
	}
	targetPlan, err := s.planAnalysis(ctx, counterpartID, force)
	if err != nil {
		s.markFailed(bg, taskID, fmt.Sprintf("planning %s: %v", counterpartID, err))
		return
	}

	// +1 for the comparison step itself.
	tracker := progress.NewTracker(basePlan.workUnits()+targetPlan.workUnits()+1, models.OpDrift, s.estimator)
	s.registerTracker(taskID, tracker)

	verdict, err := s.executeDrift(ctx, taskID, basePlan, targetPlan, tracker)
	if err != nil {
		s.markFailed(bg, taskID, err.Error())
		return
	}

	if err := s.saveVerdict(bg, verdict); err != nil {
		s.markFailed(bg, taskID, fmt.Sprintf("storing verdict: %v", err))
		return
	}

	s.finishTracker(taskID, tracker)
	s.markCompleted(bg, taskID, map[string]any{
		"overall_score": verdict.Ensemble.OverallScore,
		"status":        verdict.Ensemble.Status,
	})
}

// ComputeDrift performs the comparison synchronously, outside the task queue.
// The same cache-reuse rules apply; force bypasses every cached input.
func (s *DriftService) ComputeDrift(ctx context.Context, subjectID, counterpartID string, force bool) (*models.DriftVerdict, error) {
	if subjectID == "" || counterpartID == "" {
		return nil, fmt.Errorf("subject and counterpart IDs are required")
	}
	if subjectID == counterpartID {
		return nil, fmt.Errorf("cannot compare %q against itself", subjectID)
	}

	basePlan, err := s.planAnalysis(ctx, subjectID, force)
	if err != nil {
		return nil, fmt.Errorf("planning %s: %w", subjectID, err)
	}
	targetPlan, err := s.planAnalysis(ctx, counterpartID, force)
	if err != nil {
		return nil, fmt.Errorf("planning %s: %w", counterpartID, err)
	}

	verdict, err := s.executeDrift(ctx, uuid.Nil, basePlan, targetPlan, nil)
	if err != nil {
		return nil, err
	}
	if err := s.saveVerdict(ctx, verdict); err != nil {
		return nil, fmt.Errorf("storing verdict: %w", err)
	}
	return verdict, nil
}

// GetVerdict returns the most recent stored verdict for the ordered pair,
// cache first.
func (s *DriftService) GetVerdict(ctx context.Context, subjectID, counterpartID string) (*models.DriftVerdict, error) {
	raw, found, err := s.cache.Get(ctx, cache.VerdictKey(subjectID, counterpartID))
	if err != nil {
		s.logger.Warn("verdict cache read failed", "subject_id", subjectID, "error", err)
	}
	if found {
		var v models.DriftVerdict
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v, nil
		}
		_ = s.cache.Delete(ctx, cache.VerdictKey(subjectID, counterpartID))
	}
	return s.store.GetDriftVerdict(ctx, subjectID, counterpartID)
}

// planAnalysis decides, per input side, whether the stored analysis can be
// reused. force discards everything; otherwise a side is reused exactly when
// it is present in the stored record. Items are listed only when something
// has to be computed.
func (s *DriftService) planAnalysis(ctx context.Context, subjectID string, force bool) (*analysisPlan, error) {
	plan := &analysisPlan{subjectID: subjectID, needAttrs: true, needEmbeds: true}

	if !force {
		cached, err := s.loadAnalysis(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			plan.cached = cached
			plan.needAttrs = len(cached.Attributes) == 0
			plan.needEmbeds = len(cached.Embeddings) == 0
		}
	}

	if plan.needAttrs || plan.needEmbeds {
		items, err := s.source.ListItems(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("listing items: %w", err)
		}
		plan.items = items
	}
	return plan, nil
}

// materialize turns a plan into a complete analysis, computing whatever the
// plan says is missing and persisting the merge. Returns the analysis plus
// which sides came from cache.
func (s *DriftService) materialize(ctx context.Context, taskID uuid.UUID, plan *analysisPlan, tracker *progress.Tracker) (*models.DatasetAnalysis, bool, bool, error) {
	attrsCached := !plan.needAttrs
	embedsCached := !plan.needEmbeds

	if attrsCached && embedsCached {
		return plan.cached, true, true, nil
	}

	update := &models.DatasetAnalysis{SubjectID: plan.subjectID}
	if plan.needAttrs {
		attrs, err := s.collectAttributes(ctx, taskID, plan.subjectID, plan.items, tracker)
		if err != nil {
			return nil, false, false, err
		}
		update.Attributes = attrs
	}
	if plan.needEmbeds {
		embeds, err := s.collectEmbeddings(ctx, taskID, plan.subjectID, plan.items, tracker)
		if err != nil {
			return nil, false, false, err
		}
		update.Embeddings = embeds
	}

	merged, err := s.persistAnalysis(ctx, update)
	if err != nil {
		return nil, false, false, fmt.Errorf("storing analysis for %s: %w", plan.subjectID, err)
	}
	return merged, attrsCached, embedsCached, nil
}

// executeDrift materializes both sides and scores the comparison. tracker is
// nil on the synchronous path.
func (s *DriftService) executeDrift(ctx context.Context, taskID uuid.UUID, basePlan, targetPlan *analysisPlan, tracker *progress.Tracker) (*models.DriftVerdict, error) {
	base, baseAttrsCached, baseEmbedsCached, err := s.materialize(ctx, taskID, basePlan, tracker)
	if err != nil {
		return nil, err
	}
	target, targetAttrsCached, targetEmbedsCached, err := s.materialize(ctx, taskID, targetPlan, tracker)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.New("cancelled")
	}

	attrDrift := drift.CompareAttributes(base.Attributes, target.Attributes)
	embDrift := s.scorer.CompareEmbeddings(base.Embeddings, target.Embeddings)
	ensemble := s.scorer.Score(attrDrift, embDrift)

	s.advance(ctx, taskID, tracker, 1)

	return &models.DriftVerdict{
		SubjectID:      basePlan.subjectID,
		CounterpartID:  targetPlan.subjectID,
		AttributeDrift: attrDrift,
		EmbeddingDrift: embDrift,
		Ensemble:       ensemble,
		CacheUsed: models.CacheUsage{
			BaseAttributes:   baseAttrsCached,
			TargetAttributes: targetAttrsCached,
			BaseEmbeddings:   baseEmbedsCached,
			TargetEmbeddings: targetEmbedsCached,
		},
		ComputedAt: time.Now().UTC(),
	}, nil
}

// saveVerdict writes the verdict to the store and through to the cache.
func (s *DriftService) saveVerdict(ctx context.Context, verdict *models.DriftVerdict) error {
	if err := s.store.SaveDriftVerdict(ctx, verdict); err != nil {
		return err
	}
	if payload, err := json.Marshal(verdict); err == nil {
		if cerr := s.cache.Set(ctx, cache.VerdictKey(verdict.SubjectID, verdict.CounterpartID), payload, verdictTTL); cerr != nil {
			s.logger.Warn("verdict cache write failed", "subject_id", verdict.SubjectID, "error", cerr)
		}
	}
	return nil
}
