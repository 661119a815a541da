package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareTask(i int) Task[int] {
	return Task[int]{
		Index:   i,
		Timeout: time.Second,
		Run: func(ctx context.Context) (int, error) {
			return i * i, nil
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool[int](10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool[int](10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.ErrorIs(t, err, ErrPoolStarted)

	pool.Stop()
}

// TestWorkerExecution tests that every result carries its task index
func TestWorkerExecution(t *testing.T) {
	pool := NewPool[int](10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(squareTask(i)))
	}

	results := make(map[int]int)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		require.NoError(t, result.Err)
		results[result.Index] = result.Value
	}

	assert.Len(t, results, taskCount)
	for i := 0; i < taskCount; i++ {
		assert.Equal(t, i*i, results[i])
	}
}

// TestTimeout tests task timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool[int](10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	err := pool.Submit(Task[int]{
		Index:   0,
		Timeout: time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	})
	require.NoError(t, err)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

// TestCancelledContext tests that a cancelled caller never runs the task
func TestCancelledContext(t *testing.T) {
	pool := NewPool[int](1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	require.NoError(t, pool.Submit(Task[int]{
		Ctx: ctx,
		Run: func(context.Context) (int, error) {
			ran = true
			return 1, nil
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.False(t, ran)
}

// TestPanicRecovered tests that a panicking task becomes an error result
func TestPanicRecovered(t *testing.T) {
	pool := NewPool[string](1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task[string]{
		Index: 3,
		Run: func(context.Context) (string, error) {
			panic("boom")
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, 3, result.Index)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "boom")
}

// TestTaskError tests that task errors are passed through untouched
func TestTaskError(t *testing.T) {
	pool := NewPool[int](1)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	sentinel := errors.New("generator failed")
	require.NoError(t, pool.Submit(Task[int]{
		Run: func(context.Context) (int, error) { return 0, sentinel },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, sentinel)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests concurrent execution
func TestConcurrency(t *testing.T) {
	pool := NewPool[int](100)
	workerCount := 8
	taskCount := 64

	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		i := i
		require.NoError(t, pool.Submit(Task[int]{
			Index: i,
			Run: func(context.Context) (int, error) {
				time.Sleep(20 * time.Millisecond)
				return i, nil
			},
		}))
	}

	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		require.NoError(t, result.Err)
	}
	duration := time.Since(start)
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)

	// Serial execution would take ~1.28s
	assert.Less(t, duration, time.Second)
}

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool[int](100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(squareTask(index)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.Index] = true
	}
	assert.Len(t, seen, taskCount)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests shutdown with results still unread
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool[int](2)
	require.NoError(t, pool.Start(4))

	// results are left unread, so some workers block on send
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(squareTask(i)))
	}
	_, err := pool.ReceiveResult()
	require.NoError(t, err)

	goroutinesBefore := runtime.NumGoroutine()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

// TestStopUnblocksSubmit tests that Stop releases a Submit blocked on a full queue
func TestStopUnblocksSubmit(t *testing.T) {
	pool := NewPool[int](0)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	require.NoError(t, pool.Submit(Task[int]{
		Run: func(context.Context) (int, error) {
			<-release
			return 0, nil
		},
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(squareTask(1)) }()

	time.Sleep(20 * time.Millisecond)
	go pool.Stop()
	close(release)

	select {
	case err := <-errCh:
		// the worker may have picked the task up before Stop
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool[int](10)
	assert.NotPanics(t, func() {
		pool.Stop()
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting tasks after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool[int](10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(squareTask(0))
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

// TestSubmitBeforeStart tests submitting tasks before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool[int](10)
	err := pool.Submit(squareTask(0))
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestReceiveResultAfterStop tests receiving results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool[int](10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// TestReceiveResultContext tests that a waiting receiver gives up with its context
func TestReceiveResultContext(t *testing.T) {
	pool := NewPool[int](1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pool.Submit(Task[int]{
		Batch: 3,
		Run: func(context.Context) (int, error) {
			<-release // ignores its context
			return 1, nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.ReceiveResultContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSubmitContext tests that a blocked submit gives up with its context
func TestSubmitContext(t *testing.T) {
	pool := NewPool[int](0)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pool.Submit(Task[int]{
		Run: func(context.Context) (int, error) {
			<-release
			return 1, nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.SubmitContext(ctx, squareTask(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestResultCarriesBatch tests that results keep the batch tag of their task
func TestResultCarriesBatch(t *testing.T) {
	pool := NewPool[int](1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := squareTask(3)
	task.Batch = 9
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), result.Batch)
	assert.Equal(t, 9, result.Value)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool[int](256)
	if err := pool.Start(runtime.NumCPU()); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pool.Submit(squareTask(i)); err != nil {
			b.Fatal(err)
		}
		if _, err := pool.ReceiveResult(); err != nil {
			b.Fatal(err)
		}
	}
}
