package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateTask(ctx context.Context, task *models.AnalysisTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error
	UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress float64, message string) error
	ListTasksForSubject(ctx context.Context, subjectID string) ([]*models.AnalysisTask, error)

	GetDatasetAnalysis(ctx context.Context, subjectID string) (*models.DatasetAnalysis, error)
	UpsertDatasetAnalysis(ctx context.Context, analysis *models.DatasetAnalysis) (*models.DatasetAnalysis, error)

	SaveDriftVerdict(ctx context.Context, verdict *models.DriftVerdict) error
	GetDriftVerdict(ctx context.Context, subjectID, counterpartID string) (*models.DriftVerdict, error)
}

type taskUpdateParams struct {
	ErrorMessage *string
	Metadata     map[string]any
}

type TaskUpdateOption func(*taskUpdateParams)

func WithErrorMessage(msg string) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithMetadata(meta map[string]any) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.Metadata = meta
	}
}
