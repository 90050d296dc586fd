package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jparkml/driftwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Analysis Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	meta, err := marshalMeta(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_tasks (id, subject_id, counterpart_id, operation, status, progress, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.SubjectID, task.CounterpartID, task.Operation, task.Status,
		task.Progress, task.Message, meta, task.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error) {
	var t models.AnalysisTask
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, counterpart_id, operation, status, progress, message, error, metadata, created_at, started_at, completed_at
		 FROM analysis_tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.SubjectID, &t.CounterpartID, &t.Operation, &t.Status,
		&t.Progress, &t.Message, &t.Error, &meta, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := unmarshalMeta(meta, &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	return &t, nil
}

var validTransitions = map[string][]string{
	models.TaskStatusPending:    {models.TaskStatusInProgress, models.TaskStatusFailed},
	models.TaskStatusInProgress: {models.TaskStatusCompleted, models.TaskStatusFailed},
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM analysis_tasks WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}

	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid task status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE analysis_tasks SET status = $2`
	args := []any{id, status}
	argIdx := 3

	if status == models.TaskStatusInProgress {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.TaskStatusCompleted || status == models.TaskStatusFailed {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.TaskStatusCompleted {
		query += ", progress = 1.0"
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Metadata != nil {
		meta, err := marshalMeta(params.Metadata)
		if err != nil {
			return fmt.Errorf("marshal task metadata: %w", err)
		}
		query += fmt.Sprintf(", metadata = $%d", argIdx)
		args = append(args, meta)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err = s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress float64, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET progress = $2, message = $3 WHERE id = $1 AND status = $4`,
		id, progress, message, models.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasksForSubject(ctx context.Context, subjectID string) ([]*models.AnalysisTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, counterpart_id, operation, status, progress, message, error, metadata, created_at, started_at, completed_at
		 FROM analysis_tasks WHERE subject_id = $1 ORDER BY created_at DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for subject: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AnalysisTask
	for rows.Next() {
		var t models.AnalysisTask
		var meta []byte
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.CounterpartID, &t.Operation, &t.Status,
			&t.Progress, &t.Message, &t.Error, &meta, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := unmarshalMeta(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal task metadata: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// --- Dataset Analyses ---

func (s *PostgresStore) GetDatasetAnalysis(ctx context.Context, subjectID string) (*models.DatasetAnalysis, error) {
	a := models.DatasetAnalysis{SubjectID: subjectID}
	var attrs, embeds []byte
	err := s.pool.QueryRow(ctx,
		`SELECT attributes, embeddings, updated_at FROM dataset_analyses WHERE subject_id = $1`, subjectID,
	).Scan(&attrs, &embeds, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset analysis: %w", err)
	}
	if attrs != nil {
		if err := json.Unmarshal(attrs, &a.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if embeds != nil {
		if err := json.Unmarshal(embeds, &a.Embeddings); err != nil {
			return nil, fmt.Errorf("unmarshal embeddings: %w", err)
		}
	}
	return &a, nil
}

// UpsertDatasetAnalysis merges the given analysis into the stored record.
// A nil Attributes or Embeddings side leaves the stored side untouched, so
// writing an embedding result never erases a prior attribute result.
func (s *PostgresStore) UpsertDatasetAnalysis(ctx context.Context, analysis *models.DatasetAnalysis) (*models.DatasetAnalysis, error) {
	var attrs, embeds []byte
	var err error
	if analysis.Attributes != nil {
		if attrs, err = json.Marshal(analysis.Attributes); err != nil {
			return nil, fmt.Errorf("marshal attributes: %w", err)
		}
	}
	if analysis.Embeddings != nil {
		if embeds, err = json.Marshal(analysis.Embeddings); err != nil {
			return nil, fmt.Errorf("marshal embeddings: %w", err)
		}
	}

	result := models.DatasetAnalysis{SubjectID: analysis.SubjectID}
	var outAttrs, outEmbeds []byte
	err = s.pool.QueryRow(ctx,
		`INSERT INTO dataset_analyses (subject_id, attributes, embeddings, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (subject_id) DO UPDATE SET
		   attributes = COALESCE(EXCLUDED.attributes, dataset_analyses.attributes),
		   embeddings = COALESCE(EXCLUDED.embeddings, dataset_analyses.embeddings),
		   updated_at = NOW()
		 RETURNING attributes, embeddings, updated_at`,
		analysis.SubjectID, attrs, embeds,
	).Scan(&outAttrs, &outEmbeds, &result.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert dataset analysis: %w", err)
	}
	if outAttrs != nil {
		if err := json.Unmarshal(outAttrs, &result.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	if outEmbeds != nil {
		if err := json.Unmarshal(outEmbeds, &result.Embeddings); err != nil {
			return nil, fmt.Errorf("unmarshal embeddings: %w", err)
		}
	}
	return &result, nil
}

// --- Drift Verdicts ---

func (s *PostgresStore) SaveDriftVerdict(ctx context.Context, verdict *models.DriftVerdict) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal drift verdict: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO drift_verdicts (subject_id, counterpart_id, overall_score, status, verdict, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subject_id, counterpart_id) DO UPDATE SET
		   overall_score = EXCLUDED.overall_score,
		   status = EXCLUDED.status,
		   verdict = EXCLUDED.verdict,
		   computed_at = EXCLUDED.computed_at`,
		verdict.SubjectID, verdict.CounterpartID, verdict.Ensemble.OverallScore,
		verdict.Ensemble.Status, payload, verdict.ComputedAt)
	if err != nil {
		return fmt.Errorf("save drift verdict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDriftVerdict(ctx context.Context, subjectID, counterpartID string) (*models.DriftVerdict, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT verdict FROM drift_verdicts WHERE subject_id = $1 AND counterpart_id = $2`,
		subjectID, counterpartID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get drift verdict: %w", err)
	}
	var v models.DriftVerdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("unmarshal drift verdict: %w", err)
	}
	return &v, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(raw []byte, out *map[string]any) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
