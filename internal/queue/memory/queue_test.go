package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

func item(id string, priority int) analysis.QueueItem {
	return analysis.QueueItem{JobID: id, UserID: "user-1", Priority: priority}
}

func TestQueue_FIFOWithinEqualPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(8)
	require.NoError(t, q.Enqueue(ctx, item("a", 0)))
	require.NoError(t, q.Enqueue(ctx, item("b", 0)))
	require.NoError(t, q.Enqueue(ctx, item("c", 0)))

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.JobID)
	}
}

func TestQueue_HigherPriorityFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(8)
	require.NoError(t, q.Enqueue(ctx, item("low", 0)))
	require.NoError(t, q.Enqueue(ctx, item("high", 5)))
	require.NoError(t, q.Enqueue(ctx, item("mid", 2)))

	waiting := q.Waiting()
	require.Len(t, waiting, 3)
	require.Equal(t, "high", waiting[0].JobID)
	require.Equal(t, "mid", waiting[1].JobID)
	require.Equal(t, "low", waiting[2].JobID)
}

func TestQueue_RemoveWaitingItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(8)
	require.NoError(t, q.Enqueue(ctx, item("a", 0)))
	require.NoError(t, q.Enqueue(ctx, item("b", 0)))

	require.True(t, q.Remove("a"))
	require.False(t, q.Remove("a"))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got.JobID)
}

func TestQueue_CapacityBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(ctx, item("a", 0)))
	require.ErrorIs(t, q.Enqueue(ctx, item("b", 0)), ErrQueueFull)
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(8)
	got := make(chan analysis.QueueItem, 1)
	go func() {
		it, err := q.Dequeue(ctx)
		if err == nil {
			got <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, item("late", 0)))

	select {
	case it := <-got:
		require.Equal(t, "late", it.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe enqueue")
	}
}

func TestQueue_PauseHoldsItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(8)
	q.Pause()
	require.NoError(t, q.Enqueue(ctx, item("held", 0)))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(waitCtx)
	require.Error(t, err)

	q.Resume()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "held", got.JobID)
}

func TestQueue_CloseUnblocksDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(8)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}
}
