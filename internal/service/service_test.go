package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/internal/cache"
	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/internal/dataset/mock"
	"github.com/jparkml/driftwatch/internal/service"
	"github.com/jparkml/driftwatch/internal/store"
	"github.com/jparkml/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		Queue:    config.QueueConfig{Workers: 4, ShutdownTimeout: 5 * time.Second},
		Progress: config.DefaultProgress(),
		Drift:    config.DefaultDrift(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("img_%03d.png", i)
	}
	return out
}

// perItemExtractor derives a small deterministic vector from the item name so
// the two subjects produce distinguishable embedding sets.
func perItemExtractor(offset float64) *mock.MockExtractor {
	return &mock.MockExtractor{
		ExtractFunc: func(_ context.Context, _ string, item string) ([]float64, error) {
			seed := float64(len(item)%7) * 0.1
			return []float64{offset + seed, offset - seed, offset * 0.5}, nil
		},
	}
}

func newService(st store.Store, src *mock.MockSource, an *mock.MockAnalyzer, ex *mock.MockExtractor) *service.DriftService {
	return service.NewDriftService(st, cache.NewMemoryCache(), testConfig(), src, an, ex, testLogger())
}

func waitTerminal(t *testing.T, st store.Store, id uuid.UUID) *models.AnalysisTask {
	t.Helper()
	var task *models.AnalysisTask
	require.Eventually(t, func() bool {
		got, err := st.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

// --- submission ---

func TestSubmitAnalysis_CompletesAndPersists(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(8)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 1024, NoiseLevel: 0.1, Sharpness: 40})
	svc := newService(st, src, an, perItemExtractor(0))

	task, created, err := svc.SubmitAnalysis(context.Background(), "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	done := waitTerminal(t, st, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.EqualValues(t, 8, done.Metadata["attribute_count"])

	analysis, err := st.GetDatasetAnalysis(context.Background(), "dataset-a")
	require.NoError(t, err)
	assert.Len(t, analysis.Attributes, 8)
	assert.Empty(t, analysis.Embeddings)
}

func TestSubmitAnalysis_RejectsInvalidInput(t *testing.T) {
	svc := newService(store.NewMemoryStore(), mock.NewFixedSource(), &mock.MockAnalyzer{}, &mock.MockExtractor{})

	_, _, err := svc.SubmitAnalysis(context.Background(), "", models.OpAttributeAnalysis)
	assert.Error(t, err)

	_, _, err = svc.SubmitAnalysis(context.Background(), "dataset-a", models.OpDrift)
	assert.Error(t, err)
}

func TestSubmitAnalysis_DuplicateReturnsExistingTask(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	src := mock.NewFixedSource(items(4)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			<-release
			return models.AttributeRecord{Size: 1}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	first, created, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different operation for the same subject is a different key.
	third, created, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpEmbeddingAnalysis)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	close(release)
	waitTerminal(t, st, first.ID)
	waitTerminal(t, st, third.ID)
}

func TestSubmitDrift_SelfComparisonRejected(t *testing.T) {
	svc := newService(store.NewMemoryStore(), mock.NewFixedSource(), &mock.MockAnalyzer{}, &mock.MockExtractor{})

	_, err := svc.SubmitDrift(context.Background(), "dataset-a", "dataset-a", false)
	assert.Error(t, err)
}

func TestSubmitDrift_EndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(10)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 512, NoiseLevel: 0.05, Sharpness: 55})
	svc := newService(st, src, an, perItemExtractor(1.0))
	ctx := context.Background()

	res, err := svc.SubmitDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	require.Equal(t, service.SubmitQueued, res.Status)
	task := res.Task
	require.NotNil(t, task.CounterpartID)
	assert.Equal(t, "dataset-b", *task.CounterpartID)

	done := waitTerminal(t, st, task.ID)
	require.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Contains(t, done.Metadata, "overall_score")
	assert.Contains(t, done.Metadata, "status")

	verdict, err := svc.GetVerdict(ctx, "dataset-a", "dataset-b")
	require.NoError(t, err)
	assert.Equal(t, "dataset-a", verdict.SubjectID)
	assert.Equal(t, "dataset-b", verdict.CounterpartID)
	require.NotNil(t, verdict.EmbeddingDrift)
	require.NotNil(t, verdict.AttributeDrift)
	assert.NotEmpty(t, verdict.Ensemble.Status)
}

func TestSubmitDrift_DuplicateReturnsRunningTask(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	src := mock.NewFixedSource(items(6)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			<-release
			return models.AttributeRecord{Size: 1}, nil
		},
	}
	svc := newService(st, src, an, perItemExtractor(0))
	ctx := context.Background()

	first, err := svc.SubmitDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	require.Equal(t, service.SubmitQueued, first.Status)

	second, err := svc.SubmitDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	assert.Equal(t, service.SubmitAlreadyRunning, second.Status)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	close(release)
	waitTerminal(t, st, first.Task.ID)

	// One winner, one task row, one verdict.
	tasks, err := st.ListTasksForSubject(ctx, "dataset-a")
	require.NoError(t, err)
	driftTasks := 0
	for _, task := range tasks {
		if task.Operation == models.OpDrift {
			driftTasks++
		}
	}
	assert.Equal(t, 1, driftTasks)

	_, err = st.GetDriftVerdict(ctx, "dataset-a", "dataset-b")
	assert.NoError(t, err)
}

func TestSubmitDrift_StoredVerdictReturnsCompleted(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(8)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 512, NoiseLevel: 0.05, Sharpness: 55})
	svc := newService(st, src, an, perItemExtractor(1.0))
	ctx := context.Background()

	stored, err := svc.ComputeDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)

	res, err := svc.SubmitDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	assert.Equal(t, service.SubmitCompleted, res.Status)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, stored.Ensemble.OverallScore, res.Verdict.Ensemble.OverallScore)
	assert.Nil(t, res.Task, "no job is spawned for a stored verdict")

	tasks, err := st.ListTasksForSubject(ctx, "dataset-a")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// force recomputes even when a verdict is stored.
	forced, err := svc.SubmitDrift(ctx, "dataset-a", "dataset-b", true)
	require.NoError(t, err)
	assert.Equal(t, service.SubmitQueued, forced.Status)
	waitTerminal(t, st, forced.Task.ID)
}

func TestSubmit_RateLimitedPerSubject(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(2)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 1})
	cfg := testConfig()
	cfg.Queue.SubmitRateLimit = 2
	svc := service.NewDriftService(st, cache.NewMemoryCache(), cfg, src, an, perItemExtractor(0), testLogger())
	ctx := context.Background()

	first, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, first.ID)

	second, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpEmbeddingAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, second.ID)

	_, _, err = svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	assert.ErrorIs(t, err, service.ErrRateLimited)

	// The budget is per subject.
	other, _, err := svc.SubmitAnalysis(ctx, "dataset-b", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, other.ID)
}

// slowCreateStore widens the window between a submitter claiming the task
// key and its row landing in the store.
type slowCreateStore struct {
	store.Store
	delay time.Duration
}

func (s *slowCreateStore) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	time.Sleep(s.delay)
	return s.Store.CreateTask(ctx, task)
}

func TestSubmitAnalysis_LoserWaitsForWinnerRow(t *testing.T) {
	st := &slowCreateStore{Store: store.NewMemoryStore(), delay: 50 * time.Millisecond}
	release := make(chan struct{})
	src := mock.NewFixedSource(items(2)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			<-release
			return models.AttributeRecord{Size: 1}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	type outcome struct {
		task    *models.AnalysisTask
		created bool
		err     error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, created, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
			results <- outcome{task, created, err}
		}()
	}
	wg.Wait()
	close(results)

	// The loser must see the winner's task, not a spurious failure, even
	// though the winner's row is inserted after the key is claimed.
	var winners int
	var ids []uuid.UUID
	for r := range results {
		require.NoError(t, r.err)
		require.NotNil(t, r.task)
		ids = append(ids, r.task.ID)
		if r.created {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])

	close(release)
	waitTerminal(t, st, ids[0])
}

// --- cancellation ---

func TestCancelTask_WorkerObservesCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	started := make(chan struct{})
	var once atomic.Bool
	src := mock.NewFixedSource(items(1000)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			if once.CompareAndSwap(false, true) {
				close(started)
			}
			time.Sleep(time.Millisecond)
			return models.AttributeRecord{Size: 1}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)

	<-started
	require.NoError(t, svc.CancelTask(ctx, task.ID))

	done := waitTerminal(t, st, task.ID)
	assert.Equal(t, models.TaskStatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, "cancelled", *done.Error)
}

func TestCancelTask_NotRunning(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newService(st, mock.NewFixedSource(items(2)...), mock.NewConstantAnalyzer(models.AttributeRecord{Size: 1}), &mock.MockExtractor{})
	ctx := context.Background()

	err := svc.CancelTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, task.ID)

	err = svc.CancelTask(ctx, task.ID)
	assert.Error(t, err)
}

// --- per-item failure exclusion ---

func TestRunAnalysis_FailedItemsExcluded(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource("good1", "bad", "good2", "good3", "good4", "good5")
	ex := mock.NewFailingExtractor([]float64{1, 2, 3}, "bad")
	svc := newService(st, src, &mock.MockAnalyzer{}, ex)
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpEmbeddingAnalysis)
	require.NoError(t, err)

	done := waitTerminal(t, st, task.ID)
	require.Equal(t, models.TaskStatusCompleted, done.Status)

	analysis, err := st.GetDatasetAnalysis(ctx, "dataset-a")
	require.NoError(t, err)
	assert.Len(t, analysis.Embeddings, 5)
}

func TestRunAnalysis_DimensionMismatchExcluded(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(6)...)
	calls := 0
	ex := &mock.MockExtractor{
		ExtractFunc: func(context.Context, string, string) ([]float64, error) {
			calls++
			if calls == 3 {
				return []float64{1, 2}, nil // wrong dimensionality
			}
			return []float64{1, 2, 3}, nil
		},
	}
	svc := newService(st, src, &mock.MockAnalyzer{}, ex)
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpEmbeddingAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, task.ID)

	analysis, err := st.GetDatasetAnalysis(ctx, "dataset-a")
	require.NoError(t, err)
	assert.Len(t, analysis.Embeddings, 5)
}

// --- partial merge across operations ---

func TestAnalyses_PartialMergeAcrossOperations(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(6)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 100, NoiseLevel: 0.3, Sharpness: 12})
	svc := newService(st, src, an, perItemExtractor(0))
	ctx := context.Background()

	attrTask, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, attrTask.ID)

	embTask, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpEmbeddingAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, embTask.ID)

	analysis, err := st.GetDatasetAnalysis(ctx, "dataset-a")
	require.NoError(t, err)
	assert.Len(t, analysis.Attributes, 6, "embedding run must not erase attributes")
	assert.Len(t, analysis.Embeddings, 6)
}

// --- cache reuse ---

func TestComputeDrift_CacheUsageFlags(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(8)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 256, NoiseLevel: 0.2, Sharpness: 30})
	svc := newService(st, src, an, perItemExtractor(2.0))
	ctx := context.Background()

	// Pre-compute attributes for the base subject only.
	attrTask, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, attrTask.ID)

	verdict, err := svc.ComputeDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	assert.True(t, verdict.CacheUsed.BaseAttributes, "base attributes were pre-computed")
	assert.False(t, verdict.CacheUsed.BaseEmbeddings)
	assert.False(t, verdict.CacheUsed.TargetAttributes)
	assert.False(t, verdict.CacheUsed.TargetEmbeddings)

	// Everything is cached on the second run.
	second, err := svc.ComputeDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	assert.True(t, second.CacheUsed.BaseAttributes)
	assert.True(t, second.CacheUsed.BaseEmbeddings)
	assert.True(t, second.CacheUsed.TargetAttributes)
	assert.True(t, second.CacheUsed.TargetEmbeddings)

	// force bypasses every cached input.
	forced, err := svc.ComputeDrift(ctx, "dataset-a", "dataset-b", true)
	require.NoError(t, err)
	assert.False(t, forced.CacheUsed.BaseAttributes)
	assert.False(t, forced.CacheUsed.BaseEmbeddings)
	assert.False(t, forced.CacheUsed.TargetAttributes)
	assert.False(t, forced.CacheUsed.TargetEmbeddings)
}

func TestComputeDrift_IdenticalSubjectDataIsNormal(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(20)...)
	an := mock.NewConstantAnalyzer(models.AttributeRecord{Size: 256, NoiseLevel: 0.2, Sharpness: 30})
	svc := newService(st, src, an, perItemExtractor(2.0))
	ctx := context.Background()

	// Both subjects see the same items through the same collaborators, so
	// their analyses are identical.
	verdict, err := svc.ComputeDrift(ctx, "dataset-a", "dataset-b", false)
	require.NoError(t, err)
	assert.Equal(t, models.DriftStatusNormal, verdict.Ensemble.Status)
	assert.InDelta(t, 0.0, verdict.Ensemble.OverallScore, 0.01)
}

// --- progress visibility ---

func TestGetTask_LiveSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	gate := make(chan struct{})
	var processed atomic.Int32
	src := mock.NewFixedSource(items(10)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			if processed.Add(1) == 5 {
				<-gate
			}
			return models.AttributeRecord{Size: 1}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return processed.Load() == 5
	}, 5*time.Second, 5*time.Millisecond)

	_, snap, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, snap, "running task exposes a live snapshot")
	assert.Equal(t, 10, snap.Total)
	assert.GreaterOrEqual(t, snap.Processed, 4)

	close(gate)
	waitTerminal(t, st, task.ID)

	// Terminal tasks no longer expose a tracker.
	_, snap, err = svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRunningOperations(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	src := mock.NewFixedSource(items(3)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			<-release
			return models.AttributeRecord{}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)

	running := svc.RunningOperations("dataset-a")
	assert.Equal(t, task.ID, running[models.OpAttributeAnalysis])
	assert.Empty(t, svc.RunningOperations("dataset-z"))

	close(release)
	waitTerminal(t, st, task.ID)
	assert.Empty(t, svc.RunningOperations("dataset-a"))
}

// --- push notifications ---

func TestSubscriber_ReceivesTerminalSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(4)...)
	svc := newService(st, src, mock.NewConstantAnalyzer(models.AttributeRecord{Size: 1}), &mock.MockExtractor{})

	type push struct {
		id   uuid.UUID
		snap models.ProgressSnapshot
	}
	pushes := make(chan push, 64)
	svc.Subscribe(progressFunc(func(id uuid.UUID, snap models.ProgressSnapshot) {
		pushes <- push{id, snap}
	}))

	task, _, err := svc.SubmitAnalysis(context.Background(), "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)
	waitTerminal(t, st, task.ID)

	// The terminal snapshot is always delivered.
	var sawTerminal bool
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case p := <-pushes:
			if p.id == task.ID && p.snap.Progress >= 1.0 {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("terminal snapshot never pushed")
		}
	}
}

// --- shutdown ---

func TestShutdown_WaitsForWorkers(t *testing.T) {
	st := store.NewMemoryStore()
	src := mock.NewFixedSource(items(3)...)
	an := &mock.MockAnalyzer{
		AnalyzeFunc: func(context.Context, string, string) (models.AttributeRecord, error) {
			time.Sleep(20 * time.Millisecond)
			return models.AttributeRecord{}, nil
		},
	}
	svc := newService(st, src, an, &mock.MockExtractor{})
	ctx := context.Background()

	task, _, err := svc.SubmitAnalysis(ctx, "dataset-a", models.OpAttributeAnalysis)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
}

// progressFunc adapts a function to the progress.Subscriber interface.
type progressFunc func(taskID uuid.UUID, snap models.ProgressSnapshot)

func (f progressFunc) Notify(taskID uuid.UUID, snap models.ProgressSnapshot) {
	f(taskID, snap)
}
