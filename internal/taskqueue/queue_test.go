package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driftKey(a, b string) models.TaskKey {
	return models.TaskKey{SubjectID: a, Operation: models.OpDrift, CounterpartID: b}
}

func TestStart_SingleFlight(t *testing.T) {
	q := New(4, nil)
	key := driftKey("dsA", "dsB")

	assert.True(t, q.Start(uuid.New(), key))
	assert.False(t, q.Start(uuid.New(), key))

	id, ok := q.IsRunning(key)
	assert.True(t, ok)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestStart_ConcurrentRacersOneWinner(t *testing.T) {
	q := New(4, nil)
	key := driftKey("dsA", "dsB")

	const racers = 50
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if q.Start(uuid.New(), key) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.Len(t, q.Running(), 1)
}

func TestKeys_CounterpartDistinguishes(t *testing.T) {
	q := New(4, nil)

	pairwise := driftKey("dsA", "dsB")
	solo := models.TaskKey{SubjectID: "dsA", Operation: models.OpDrift}

	assert.True(t, q.Start(uuid.New(), pairwise))
	assert.True(t, q.Start(uuid.New(), solo))
	assert.Len(t, q.Running(), 2)
}

func TestFinish_ReleasesKeyAndIsIdempotent(t *testing.T) {
	q := New(4, nil)
	key := driftKey("dsA", "dsB")

	require.True(t, q.Start(uuid.New(), key))
	q.Finish(key)

	_, ok := q.IsRunning(key)
	assert.False(t, ok)

	// Double-finish and finishing an unknown key must be silent.
	q.Finish(key)
	q.Finish(driftKey("never", "ran"))

	// Key is free for a retry.
	assert.True(t, q.Start(uuid.New(), key))
}

func TestSubmit_KeyReleasedWhenWorkPanics(t *testing.T) {
	q := New(1, nil)
	key := driftKey("dsA", "dsB")
	id := uuid.New()
	require.True(t, q.Start(id, key))

	done := make(chan struct{})
	q.Submit(func() {
		defer close(done)
		defer q.Finish(key)
		panic("boom")
	})
	<-done

	// Finish ran via defer despite the panic; the wrapper swallowed it.
	waitFor(t, func() bool {
		_, ok := q.IsRunning(key)
		return !ok
	})
}

func TestCancel_CooperativeFlag(t *testing.T) {
	q := New(4, nil)
	key := driftKey("dsA", "dsB")
	id := uuid.New()
	require.True(t, q.Start(id, key))

	assert.False(t, q.Cancelled(id))
	assert.True(t, q.Cancel(id))
	assert.True(t, q.Cancelled(id))
	assert.Error(t, q.Context(id).Err())

	// Cancelling a task that is not live fails.
	assert.False(t, q.Cancel(uuid.New()))
}

func TestCancel_ObservedInsideWorkLoop(t *testing.T) {
	q := New(1, nil)
	key := driftKey("dsA", "dsB")
	id := uuid.New()
	require.True(t, q.Start(id, key))

	processed := make(chan int, 1)
	started := make(chan struct{})
	q.Submit(func() {
		defer q.Finish(key)
		ctx := q.Context(id)
		n := 0
		close(started)
		for i := 0; i < 1000; i++ {
			if ctx.Err() != nil {
				break
			}
			n++
			time.Sleep(time.Millisecond)
		}
		processed <- n
	})

	<-started
	time.Sleep(10 * time.Millisecond)
	require.True(t, q.Cancel(id))

	n := <-processed
	assert.Less(t, n, 1000, "work loop should exit early after cancellation")
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	q := New(2, nil)

	var active, peak int64
	var mu sync.Mutex
	block := make(chan struct{})
	done := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		q.Submit(func() {
			cur := atomic.AddInt64(&active, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			<-block
			atomic.AddInt64(&active, -1)
			done <- struct{}{}
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	for i := 0; i < 5; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestRunningForSubject(t *testing.T) {
	q := New(4, nil)

	require.True(t, q.Start(uuid.New(), driftKey("dsA", "dsB")))
	require.True(t, q.Start(uuid.New(), models.TaskKey{SubjectID: "dsA", Operation: models.OpEmbeddingAnalysis}))
	require.True(t, q.Start(uuid.New(), models.TaskKey{SubjectID: "dsC", Operation: models.OpAttributeAnalysis}))

	ops := q.RunningForSubject("dsA")
	assert.Len(t, ops, 2)
	assert.Contains(t, ops, models.OpDrift)
	assert.Contains(t, ops, models.OpEmbeddingAnalysis)
}

func TestShutdown_WaitsForInflightWork(t *testing.T) {
	q := New(2, nil)

	var finished int64
	for i := 0; i < 3; i++ {
		q.Submit(func() {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	assert.Equal(t, int64(3), atomic.LoadInt64(&finished))
}

func TestShutdown_TimesOut(t *testing.T) {
	q := New(1, nil)
	block := make(chan struct{})
	defer close(block)
	q.Submit(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Shutdown(ctx))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
