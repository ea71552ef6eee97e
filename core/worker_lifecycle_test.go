package core

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestWorkerPool_ContextCancellationStopsWorkers verifies that cancelling the
// parent context stops all worker goroutines
func TestWorkerPool_ContextCancellationStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wp := NewWorkerPool(ctx, 4, 100, "test-pool", zap.NewNop().Sugar())
	require.NoError(t, wp.Start())

	// Give workers time to start
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	cancel()
	time.Sleep(300 * time.Millisecond)

	after := runtime.NumGoroutine()
	require.LessOrEqual(t, after, before-3, "At least 3 worker goroutines should exit (4 workers started)")

	// Submit observes the cancelled pool
	require.ErrorIs(t, wp.Submit(context.Background(), func() {}), ErrWorkerPoolNotRunning)
	wp.Stop()
}

// TestWorkerPool_MultipleStopCallsSafe verifies Stop() is idempotent
func TestWorkerPool_MultipleStopCallsSafe(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 4, 100, "test-pool", nil)
	require.NoError(t, wp.Start())

	wp.Stop()
	wp.Stop()
	wp.Stop()

	require.False(t, wp.GetStats().Running)
}

// TestWorkerPool_TasksProcessedBeforeShutdown verifies queued tasks drain on Stop
func TestWorkerPool_TasksProcessedBeforeShutdown(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 2, 10, "test-pool", nil)
	require.NoError(t, wp.Start())

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		err := wp.Submit(context.Background(), func() {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
		})
		require.NoError(t, err)
	}

	wp.Stop()
	require.Equal(t, int32(5), completed.Load())
}

// TestWorkerPool_SubmitAfterStop verifies Submit fails after shutdown
func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 2, 10, "test-pool", nil)
	require.NoError(t, wp.Start())
	wp.Stop()

	err := wp.Submit(context.Background(), func() {
		t.Error("Task should not execute after shutdown")
	})
	require.Equal(t, ErrWorkerPoolNotRunning, err)
	require.Equal(t, ErrWorkerPoolNotRunning, wp.TrySubmit(func() {}))
	require.Equal(t, ErrWorkerPoolNotRunning, wp.Start(), "a stopped pool cannot be restarted")
}

// TestWorkerPool_TrySubmitQueueFull verifies TrySubmit does not block
func TestWorkerPool_TrySubmitQueueFull(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 1, 1, "test-pool", nil)
	require.NoError(t, wp.Start())
	defer wp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, wp.TrySubmit(func() {
		close(started)
		<-block
	}))
	<-started

	require.NoError(t, wp.TrySubmit(func() {}))
	require.Equal(t, ErrWorkerPoolQueueFull, wp.TrySubmit(func() {}))
	close(block)
}

// TestWorkerPool_Stats verifies GetStats reflects the pool lifecycle
func TestWorkerPool_Stats(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 4, 100, "metrics-test", nil)

	stats := wp.GetStats()
	require.False(t, stats.Running)
	require.Equal(t, 4, stats.Workers)
	require.Equal(t, 100, stats.QueueSize)

	require.NoError(t, wp.Start())
	require.True(t, wp.GetStats().Running)

	wp.Stop()
	require.False(t, wp.GetStats().Running)
}
