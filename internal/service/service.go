package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/internal/cache"
	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/internal/dataset"
	"github.com/jparkml/driftwatch/internal/drift"
	"github.com/jparkml/driftwatch/internal/progress"
	"github.com/jparkml/driftwatch/internal/store"
	"github.com/jparkml/driftwatch/internal/taskqueue"
	"github.com/jparkml/driftwatch/pkg/models"
)

const (
	statusTTL   = 30 * time.Minute
	analysisTTL = 24 * time.Hour
	verdictTTL  = 24 * time.Hour

	submitRateWindow = time.Minute

	// A submitter that loses the key race may look up the winner's row before
	// the winner's insert commits, so the lookup retries briefly.
	claimRowWait  = 500 * time.Millisecond
	claimRowRetry = 10 * time.Millisecond
)

// ErrRateLimited is returned when a subject exceeds its submission budget.
var ErrRateLimited = errors.New("submission rate limit exceeded")

// SubmitStatus reports the outcome of a drift submission.
type SubmitStatus string

const (
	SubmitQueued         SubmitStatus = "queued"
	SubmitAlreadyRunning SubmitStatus = "already_running"
	SubmitCompleted      SubmitStatus = "completed"
)

// SubmitResult is the outcome of SubmitDrift. Task is set for queued and
// already_running; Verdict is set when a stored verdict satisfied the request
// without spawning a job.
type SubmitResult struct {
	Status  SubmitStatus
	Task    *models.AnalysisTask
	Verdict *models.DriftVerdict
}

// DriftService orchestrates dataset analysis and drift comparison. Submission
// is asynchronous: callers get a task ID back immediately and poll (or
// subscribe) for progress. At most one task runs per task key.
type DriftService struct {
	store     store.Store
	cache     cache.Cache
	queue     *taskqueue.TaskQueue
	estimator *progress.TimeEstimator
	notifier  *progress.Notifier
	scorer    *drift.Scorer
	source    dataset.Source
	analyzer  dataset.AttributeAnalyzer
	extractor dataset.EmbeddingExtractor
	logger    *slog.Logger

	// submitLimit caps submissions per subject per minute; 0 disables it.
	submitLimit int

	mu       sync.RWMutex
	trackers map[uuid.UUID]*progress.Tracker
}

// NewDriftService wires the service from its collaborators.
func NewDriftService(
	st store.Store,
	ca cache.Cache,
	cfg config.Config,
	src dataset.Source,
	analyzer dataset.AttributeAnalyzer,
	extractor dataset.EmbeddingExtractor,
	logger *slog.Logger,
) *DriftService {
	return &DriftService{
		store:       st,
		cache:       ca,
		queue:       taskqueue.New(cfg.Queue.Workers, logger),
		estimator:   progress.NewTimeEstimator(cfg.Progress),
		notifier:    progress.NewNotifier(cfg.Progress.PushMinGap),
		scorer:      drift.NewScorer(cfg.Drift),
		source:      src,
		analyzer:    analyzer,
		extractor:   extractor,
		logger:      logger,
		submitLimit: cfg.Queue.SubmitRateLimit,
		trackers:    make(map[uuid.UUID]*progress.Tracker),
	}
}

// Subscribe registers a push subscriber for progress snapshots.
func (s *DriftService) Subscribe(sub progress.Subscriber) {
	s.notifier.Subscribe(sub)
}

// SubmitAnalysis starts an attribute or embedding analysis for a subject. If
// an identical task is already live, the existing task is returned and the
// bool is false; no second worker is started.
func (s *DriftService) SubmitAnalysis(ctx context.Context, subjectID string, op models.Operation) (*models.AnalysisTask, bool, error) {
	if subjectID == "" {
		return nil, false, fmt.Errorf("subject ID is required")
	}
	if op != models.OpAttributeAnalysis && op != models.OpEmbeddingAnalysis {
		return nil, false, fmt.Errorf("unsupported analysis operation: %s", op)
	}

	task := &models.AnalysisTask{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Operation: op,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	return s.submit(ctx, task, false)
}

// SubmitDrift starts an asynchronous drift comparison between subject and
// counterpart. A stored verdict for the pair satisfies the request without
// spawning a job unless force is set; force also bypasses every cached input.
func (s *DriftService) SubmitDrift(ctx context.Context, subjectID, counterpartID string, force bool) (*SubmitResult, error) {
	if subjectID == "" || counterpartID == "" {
		return nil, fmt.Errorf("subject and counterpart IDs are required")
	}
	if subjectID == counterpartID {
		return nil, fmt.Errorf("cannot compare %q against itself", subjectID)
	}

	if !force {
		if verdict, err := s.GetVerdict(ctx, subjectID, counterpartID); err == nil {
			return &SubmitResult{Status: SubmitCompleted, Verdict: verdict}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("verdict lookup failed, queuing anyway",
				"subject_id", subjectID, "counterpart_id", counterpartID, "error", err)
		}
	}

	task := &models.AnalysisTask{
		ID:            uuid.New(),
		SubjectID:     subjectID,
		CounterpartID: &counterpartID,
		Operation:     models.OpDrift,
		Status:        models.TaskStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	task, created, err := s.submit(ctx, task, force)
	if err != nil {
		return nil, err
	}
	result := &SubmitResult{Status: SubmitQueued, Task: task}
	if !created {
		result.Status = SubmitAlreadyRunning
	}
	return result, nil
}

// submit claims the task key, persists the pending task, and dispatches the
// worker. Claim first: losing the race must not leave an orphan row behind.
func (s *DriftService) submit(ctx context.Context, task *models.AnalysisTask, force bool) (*models.AnalysisTask, bool, error) {
	key := task.Key()

	if s.submitLimit > 0 {
		n, err := s.cache.IncrWithExpiry(ctx, cache.RateLimitKey("submit:"+task.SubjectID), submitRateWindow)
		if err != nil {
			s.logger.Warn("rate limit counter unavailable", "subject_id", task.SubjectID, "error", err)
		} else if n > int64(s.submitLimit) {
			return nil, false, ErrRateLimited
		}
	}

	if !s.queue.Start(task.ID, key) {
		runningID, ok := s.queue.IsRunning(key)
		if ok {
			existing, err := s.waitForTask(ctx, runningID)
			if err == nil {
				return existing, false, nil
			}
			s.logger.Warn("live task missing from store", "task_id", runningID, "key", key.String())
		}
		return nil, false, fmt.Errorf("task for %s is already running", key.String())
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		s.queue.Finish(key)
		return nil, false, fmt.Errorf("creating task: %w", err)
	}
	_ = s.cache.SetTaskStatus(ctx, task.ID, models.TaskStatusPending, statusTTL)

	if task.Operation == models.OpDrift {
		s.queue.Submit(func() { s.runDrift(task, force) })
	} else {
		s.queue.Submit(func() { s.runAnalysis(task) })
	}

	return task, true, nil
}

// waitForTask fetches a task row, retrying on ErrNotFound for a short grace
// period. The row is written by whichever submitter won the key race, and
// that insert may still be in flight when a loser looks it up.
func (s *DriftService) waitForTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error) {
	deadline := time.Now().Add(claimRowWait)
	for {
		task, err := s.store.GetTask(ctx, id)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return task, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimRowRetry):
		}
	}
}

// GetTask returns the stored task plus a live progress snapshot when its
// worker is still running. The snapshot is derived on every call, never
// persisted.
func (s *DriftService) GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, *models.ProgressSnapshot, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	tracker := s.trackers[id]
	s.mu.RUnlock()
	if tracker == nil {
		return task, nil, nil
	}

	snap := tracker.Snapshot()
	return task, &snap, nil
}

// RunningOperations reports the live operations for a subject, keyed by
// operation, with the owning task ID.
func (s *DriftService) RunningOperations(subjectID string) map[models.Operation]uuid.UUID {
	return s.queue.RunningForSubject(subjectID)
}

// CancelTask requests cooperative cancellation of a running task. The worker
// observes the cancelled context at its next item boundary and marks the task
// failed; this call only delivers the request.
func (s *DriftService) CancelTask(ctx context.Context, id uuid.UUID) error {
	if s.queue.Cancel(id) {
		return nil
	}

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is not running (status %s)", id, task.Status)
}

// Shutdown waits for in-flight workers to drain, up to the context deadline.
func (s *DriftService) Shutdown(ctx context.Context) error {
	return s.queue.Shutdown(ctx)
}

// --- worker plumbing shared by both task kinds ---

func (s *DriftService) registerTracker(id uuid.UUID, t *progress.Tracker) {
	s.mu.Lock()
	s.trackers[id] = t
	s.mu.Unlock()
}

func (s *DriftService) dropTracker(id uuid.UUID) {
	s.mu.Lock()
	delete(s.trackers, id)
	s.mu.Unlock()
}

// advance moves the tracker by n items and pushes the snapshot through the
// rate-limited notifier. Store writes ride on accepted pushes so the poll
// row stays roughly as fresh as the push stream.
func (s *DriftService) advance(ctx context.Context, taskID uuid.UUID, tracker *progress.Tracker, n int) {
	if tracker == nil {
		return
	}
	snap := tracker.Update(n)
	if s.notifier.Publish(taskID, snap) {
		msg := fmt.Sprintf("%d/%d items", snap.Processed, snap.Total)
		if err := s.store.UpdateTaskProgress(ctx, taskID, snap.Progress, msg); err != nil {
			s.logger.Warn("progress write failed", "task_id", taskID, "error", err)
		}
	}
}

func (s *DriftService) markInProgress(ctx context.Context, taskID uuid.UUID) error {
	if err := s.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusInProgress); err != nil {
		return err
	}
	_ = s.cache.SetTaskStatus(ctx, taskID, models.TaskStatusInProgress, statusTTL)
	return nil
}

func (s *DriftService) markCompleted(ctx context.Context, taskID uuid.UUID, meta map[string]any) {
	opts := []store.TaskUpdateOption{}
	if meta != nil {
		opts = append(opts, store.WithMetadata(meta))
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusCompleted, opts...); err != nil {
		s.logger.Error("marking task completed", "task_id", taskID, "error", err)
	}
	_ = s.cache.SetTaskStatus(ctx, taskID, models.TaskStatusCompleted, statusTTL)
}

func (s *DriftService) markFailed(ctx context.Context, taskID uuid.UUID, reason string) {
	if err := s.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusFailed, store.WithErrorMessage(reason)); err != nil {
		s.logger.Error("marking task failed", "task_id", taskID, "error", err)
	}
	_ = s.cache.SetTaskStatus(ctx, taskID, models.TaskStatusFailed, statusTTL)
}

// finishTracker records the run into timing history and pushes the terminal
// snapshot, which the notifier always delivers.
func (s *DriftService) finishTracker(taskID uuid.UUID, tracker *progress.Tracker) {
	if tracker == nil {
		return
	}
	snap := tracker.Finish()
	s.notifier.Publish(taskID, snap)
}
