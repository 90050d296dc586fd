package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/pkg/models"
)

// MemoryStore is an in-process Store used in tests. It mirrors the
// PostgresStore semantics, including status transition validation and
// partial-merge upserts.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*models.AnalysisTask
	analyses map[string]*models.DatasetAnalysis
	verdicts map[string]*models.DriftVerdict
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[uuid.UUID]*models.AnalysisTask),
		analyses: make(map[string]*models.DatasetAnalysis),
		verdicts: make(map[string]*models.DriftVerdict),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateTask(_ context.Context, task *models.AnalysisTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrDuplicateKey
	}
	copy := *task
	s.tasks[task.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*models.AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *task
	return &copy, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	valid := false
	for _, a := range validTransitions[task.Status] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid task status transition: %s -> %s", task.Status, status)
	}

	now := time.Now().UTC()
	task.Status = status
	switch status {
	case models.TaskStatusInProgress:
		task.StartedAt = &now
	case models.TaskStatusCompleted:
		task.CompletedAt = &now
		task.Progress = 1.0
	case models.TaskStatusFailed:
		task.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		task.Error = params.ErrorMessage
	}
	if params.Metadata != nil {
		task.Metadata = params.Metadata
	}
	return nil
}

func (s *MemoryStore) UpdateTaskProgress(_ context.Context, id uuid.UUID, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskStatusInProgress {
		return ErrNotFound
	}
	task.Progress = progress
	task.Message = message
	return nil
}

func (s *MemoryStore) ListTasksForSubject(_ context.Context, subjectID string) ([]*models.AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*models.AnalysisTask
	for _, task := range s.tasks {
		if task.SubjectID == subjectID {
			copy := *task
			tasks = append(tasks, &copy)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *MemoryStore) GetDatasetAnalysis(_ context.Context, subjectID string) (*models.DatasetAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analysis, ok := s.analyses[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAnalysis(analysis), nil
}

func (s *MemoryStore) UpsertDatasetAnalysis(_ context.Context, analysis *models.DatasetAnalysis) (*models.DatasetAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.analyses[analysis.SubjectID]
	if !ok {
		current = &models.DatasetAnalysis{SubjectID: analysis.SubjectID}
		s.analyses[analysis.SubjectID] = current
	}
	if analysis.Attributes != nil {
		current.Attributes = analysis.Attributes
	}
	if analysis.Embeddings != nil {
		current.Embeddings = analysis.Embeddings
	}
	current.UpdatedAt = time.Now().UTC()
	return cloneAnalysis(current), nil
}

func (s *MemoryStore) SaveDriftVerdict(_ context.Context, verdict *models.DriftVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *verdict
	s.verdicts[verdict.SubjectID+"\x00"+verdict.CounterpartID] = &copy
	return nil
}

func (s *MemoryStore) GetDriftVerdict(_ context.Context, subjectID, counterpartID string) (*models.DriftVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	verdict, ok := s.verdicts[subjectID+"\x00"+counterpartID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *verdict
	return &copy, nil
}

func cloneAnalysis(a *models.DatasetAnalysis) *models.DatasetAnalysis {
	out := &models.DatasetAnalysis{SubjectID: a.SubjectID, UpdatedAt: a.UpdatedAt}
	if a.Attributes != nil {
		out.Attributes = make(map[string]models.AttributeRecord, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	if a.Embeddings != nil {
		out.Embeddings = make([][]float64, len(a.Embeddings))
		for i, v := range a.Embeddings {
			out.Embeddings[i] = append([]float64(nil), v...)
		}
	}
	return out
}
