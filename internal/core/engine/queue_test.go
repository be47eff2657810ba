package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/core"
)

func TestPriorityQueueOrder(t *testing.T) {
	q := NewPriorityQueue()
	for _, p := range []int{5, 1, 3} {
		require.NoError(t, q.Push(core.CallDescriptor{Priority: p}))
	}

	var got []int
	for q.Len() > 0 {
		desc, ok := q.TryPop()
		require.True(t, ok)
		got = append(got, desc.Priority)
	}
	require.Equal(t, []int{1, 3, 5}, got)
}

func TestPriorityQueueFIFOOnTies(t *testing.T) {
	q := NewPriorityQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(core.CallDescriptor{ID: id, Priority: 1}))
	}
	require.NoError(t, q.Push(core.CallDescriptor{ID: "urgent", Priority: 0}))

	var got []string
	for q.Len() > 0 {
		desc, _ := q.TryPop()
		got = append(got, desc.ID)
	}
	require.Equal(t, []string{"urgent", "a", "b", "c"}, got)
}

func TestPriorityQueuePopBlocksUntilPush(t *testing.T) {
	q := NewPriorityQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan core.CallDescriptor, 1)
	go func() {
		desc, ok := q.Pop(ctx)
		if ok {
			got <- desc
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(core.CallDescriptor{ID: "late"}))

	select {
	case desc := <-got:
		require.Equal(t, "late", desc.ID)
	case <-ctx.Done():
		t.Fatal("pop did not wake up")
	}
}

func TestPriorityQueuePopHonorsContext(t *testing.T) {
	q := NewPriorityQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Pop(ctx)
	require.False(t, ok)
}

func TestPriorityQueueCloseDrains(t *testing.T) {
	q := NewPriorityQueue()
	require.NoError(t, q.Push(core.CallDescriptor{ID: "x", Priority: 2}))
	require.NoError(t, q.Push(core.CallDescriptor{ID: "y", Priority: 1}))

	left := q.Close()
	require.Len(t, left, 2)
	require.Zero(t, q.Len())
	require.ErrorIs(t, q.Push(core.CallDescriptor{}), core.ErrDispatcherStopped)
}
