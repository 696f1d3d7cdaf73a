package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExecutor adapts a function to the Executor interface
type funcExecutor func(ctx context.Context, task Task) (Outcome, error)

func (f funcExecutor) Execute(ctx context.Context, task Task) (Outcome, error) {
	return f(ctx, task)
}

// echoExecutor returns the task ID as metric
var echoExecutor = funcExecutor(func(_ context.Context, task Task) (Outcome, error) {
	return Outcome{Payload: task.Start, Metric: int64(task.ID)}, nil
})

// blockingExecutor waits for its context to end
var blockingExecutor = funcExecutor(func(ctx context.Context, _ Task) (Outcome, error) {
	<-ctx.Done()
	return Outcome{}, ctx.Err()
})

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	// Start 8 Workers
	err := pool.Start(context.Background(), 8, echoExecutor)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(context.Background(), 4, echoExecutor)
	assert.Error(t, err)

	pool.Stop()
}

func TestPoolStartRejectsBadArguments(t *testing.T) {
	pool := NewPool(1)
	assert.Error(t, pool.Start(context.Background(), 0, echoExecutor))
	assert.Error(t, pool.Start(context.Background(), 1, nil))
	assert.False(t, pool.IsStarted())
}

// TestWorkerExecution tests Worker task execution
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	err := pool.Start(context.Background(), 1, echoExecutor) // Single Worker
	require.NoError(t, err)
	defer pool.Stop()

	// Submit 10 tasks
	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: i, Round: 3, Start: []byte{byte(i)}}))
	}

	// Collect results
	results := make(map[int]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}

	// Verify all tasks received results
	require.Len(t, results, taskCount)
	for id, r := range results {
		assert.True(t, r.Success)
		assert.NoError(t, r.Error)
		assert.Equal(t, 3, r.Round)
		assert.Equal(t, int64(id), r.Metric)
		assert.Equal(t, []byte{byte(id)}, r.Payload)
	}
}

// TestTimeout tests task timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1, blockingExecutor))
	defer pool.Stop()

	// Submit timeout task (with very short timeout)
	require.NoError(t, pool.Submit(Task{ID: 1, Timeout: time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	// Verify task failed due to timeout
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
	assert.Contains(t, result.Error.Error(), "deadline exceeded")
}

func TestPoolContextCancelsRunningSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	require.NoError(t, pool.Start(ctx, 1, blockingExecutor))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: 1}))
	cancel()

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestWorkerRecoversPanic(t *testing.T) {
	panicky := funcExecutor(func(context.Context, Task) (Outcome, error) {
		panic("boom")
	})
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 1, panicky))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: 1}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "worker panic: boom")

	// the worker survives the panic
	require.NoError(t, pool.Submit(Task{ID: 2}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, 2, result.TaskID)
}

func TestExecutorErrorIsReported(t *testing.T) {
	errBoom := errors.New("boom")
	failing := funcExecutor(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, errBoom
	})
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1, failing))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: 7}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, errBoom)
	assert.Equal(t, 7, result.TaskID)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests that workers run tasks in parallel
func TestConcurrency(t *testing.T) {
	workerCount := 8
	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := funcExecutor(func(_ context.Context, task Task) (Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return Outcome{Metric: int64(task.ID)}, nil
	})

	pool := NewPool(workerCount)
	require.NoError(t, pool.Start(context.Background(), workerCount, exec))
	defer pool.Stop()

	for i := 0; i < workerCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: i}))
	}
	require.Eventually(t, func() bool { return peak.Load() == int32(workerCount) },
		2*time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < workerCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
	}
}

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(context.Background(), 4, echoExecutor))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(Task{ID: g*10 + i}))
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.TaskID] = true
	}
	assert.Len(t, seen, 100)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

// TestGracefulShutdown tests that Stop waits for running tasks and drains results
func TestGracefulShutdown(t *testing.T) {
	var finished atomic.Int32
	slow := funcExecutor(func(context.Context, Task) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return Outcome{}, nil
	})

	// result buffer smaller than task count: Stop must drain
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 2, slow))
	require.NoError(t, pool.Submit(Task{ID: 1}))
	require.NoError(t, pool.Submit(Task{ID: 2}))

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
	assert.GreaterOrEqual(t, finished.Load(), int32(1))
}

// TestStopBeforeStart tests that Stop on an unstarted pool is a no-op
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, pool.Stop)
}

// TestSubmitAfterStop tests submitting after the pool is stopped
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2, echoExecutor))
	pool.Stop()
	pool.Stop() // idempotent

	assert.ErrorIs(t, pool.Submit(Task{ID: 1}), ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting before the pool is started
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.ErrorIs(t, pool.Submit(Task{ID: 1}), ErrPoolNotStarted)
}

// TestReceiveResultAfterStop tests receiving after the pool is stopped
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1, echoExecutor))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCPUPinningOption(t *testing.T) {
	pool := NewPool(4, WithCPUPinning(true), WithLogger(nil))
	require.NoError(t, pool.Start(context.Background(), 2, echoExecutor))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: 5}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success)
}

// ============================================================================
// LocalExecutor Tests
// ============================================================================

func TestLocalExecutorFindsOptimum(t *testing.T) {
	inst, err := types.NewInstance(3, []int{5, 5, 5})
	require.NoError(t, err)
	exec, err := NewLocalExecutor(inst, anneal.DefaultConfig())
	require.NoError(t, err)

	start, err := schedule.FromInstance(inst)
	require.NoError(t, err)
	payload, err := start.MarshalBinary()
	require.NoError(t, err)

	out, err := exec.Execute(context.Background(), Task{ID: 1, Seed: 42, Start: payload})
	require.NoError(t, err)
	assert.Equal(t, int64(15), out.Metric)
	assert.Positive(t, out.Iterations)

	best, err := schedule.Decode(out.Payload, inst.Processors, inst.Durations)
	require.NoError(t, err)
	assert.Equal(t, out.Metric, best.Metric())
}

func TestLocalExecutorIsDeterministicPerSeed(t *testing.T) {
	inst, err := types.NewInstance(4, []int{9, 3, 7, 1, 8, 2, 6, 4, 5, 10, 11, 12})
	require.NoError(t, err)
	cfg := anneal.DefaultConfig()
	cfg.Patience = 100
	exec, err := NewLocalExecutor(inst, cfg)
	require.NoError(t, err)

	start, err := schedule.FromInstance(inst)
	require.NoError(t, err)
	payload, err := start.MarshalBinary()
	require.NoError(t, err)

	a, err := exec.Execute(context.Background(), Task{Seed: 7, Start: payload})
	require.NoError(t, err)
	b, err := exec.Execute(context.Background(), Task{Seed: 7, Start: payload})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLocalExecutorRejectsBadStart(t *testing.T) {
	inst, err := types.NewInstance(2, []int{1, 2})
	require.NoError(t, err)
	exec, err := NewLocalExecutor(inst, anneal.DefaultConfig())
	require.NoError(t, err)

	other, err := schedule.New(3, []int{1, 2})
	require.NoError(t, err)
	payload, err := other.MarshalBinary()
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), Task{Start: payload})
	assert.ErrorIs(t, err, schedule.ErrProcessorMismatch)
}

func TestNewLocalExecutorValidates(t *testing.T) {
	_, err := NewLocalExecutor(&types.Instance{Processors: 0, Durations: []int{1}}, anneal.DefaultConfig())
	assert.ErrorIs(t, err, types.ErrInvalidInstance)

	inst, err := types.NewInstance(1, []int{1})
	require.NoError(t, err)
	_, err = NewLocalExecutor(inst, anneal.Config{})
	assert.Error(t, err)
}

func TestNewGrpcExecutorValidates(t *testing.T) {
	inst, err := types.NewInstance(1, []int{1})
	require.NoError(t, err)

	_, err = NewGrpcExecutor(inst, anneal.DefaultSettings())
	assert.Error(t, err, "no connections")
}
