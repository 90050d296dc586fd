package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation identifies the kind of analysis a task performs.
type Operation string

const (
	OpAttributeAnalysis Operation = "attribute_analysis"
	OpEmbeddingAnalysis Operation = "embedding_analysis"
	OpDrift             Operation = "drift"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// TaskKey is the logical identity of a running job. At most one live task may
// exist per key; CounterpartID is set only for pairwise operations, and its
// absence makes (A, drift) a different key from (A, drift, B).
type TaskKey struct {
	SubjectID     string
	Operation     Operation
	CounterpartID string
}

func (k TaskKey) String() string {
	if k.CounterpartID != "" {
		return k.SubjectID + ":" + string(k.Operation) + ":" + k.CounterpartID
	}
	return k.SubjectID + ":" + string(k.Operation)
}

// AnalysisTask tracks an async analysis job. Submission returns the task ID;
// the client polls until status is completed or failed. Only the owning worker
// mutates a task after it leaves pending (enforced by single-flight keys).
type AnalysisTask struct {
	ID            uuid.UUID      `db:"id"             json:"task_id"`
	SubjectID     string         `db:"subject_id"     json:"subject_id"`
	CounterpartID *string        `db:"counterpart_id" json:"counterpart_id,omitempty"`
	Operation     Operation      `db:"operation"      json:"operation"`
	Status        string         `db:"status"         json:"status"`
	Progress      float64        `db:"progress"       json:"progress"`
	Message       string         `db:"message"        json:"message"`
	Error         *string        `db:"error"          json:"error,omitempty"`
	Metadata      map[string]any `db:"metadata"       json:"metadata,omitempty"`
	CreatedAt     time.Time      `db:"created_at"     json:"created_at"`
	StartedAt     *time.Time     `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt   *time.Time     `db:"completed_at"   json:"completed_at,omitempty"`
}

// Key returns the single-flight key for this task.
func (t *AnalysisTask) Key() TaskKey {
	k := TaskKey{SubjectID: t.SubjectID, Operation: t.Operation}
	if t.CounterpartID != nil {
		k.CounterpartID = *t.CounterpartID
	}
	return k
}

// Terminal reports whether the task has reached a final state.
func (t *AnalysisTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ProgressSnapshot is the poller-facing view of a running task. It is derived
// on every query, never stored. ETASeconds is nil only before any item has
// been processed and no history exists for the operation.
type ProgressSnapshot struct {
	Progress       float64  `json:"progress"`
	Processed      int      `json:"processed"`
	Total          int      `json:"total"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	ETASeconds     *float64 `json:"eta_seconds,omitempty"`
	ETAFormatted   string   `json:"eta_formatted"`
}
