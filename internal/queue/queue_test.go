package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids[T any](items []Item[T]) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestQueue_Priority(t *testing.T) {
	t.Run("higher priority first", func(t *testing.T) {
		q := New[string](0)
		require.NoError(t, q.Push(Item[string]{ID: "p5", Priority: 5}))
		require.NoError(t, q.Push(Item[string]{ID: "p8", Priority: 8}))
		require.NoError(t, q.Push(Item[string]{ID: "p3", Priority: 3}))

		assert.Equal(t, []string{"p8", "p5", "p3"}, ids(q.Items()))

		head, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, "p8", head.ID)
	})

	t.Run("fifo within a priority", func(t *testing.T) {
		q := New[int](0)
		for i := 0; i < 4; i++ {
			require.NoError(t, q.Push(Item[int]{ID: fmt.Sprintf("a%d", i), Priority: 5, Value: i}))
		}
		require.NoError(t, q.Push(Item[int]{ID: "hi", Priority: 9}))
		require.NoError(t, q.Push(Item[int]{ID: "b", Priority: 5}))

		assert.Equal(t, []string{"hi", "a0", "a1", "a2", "a3", "b"}, ids(q.Items()))
	})
}

func TestQueue_Remove(t *testing.T) {
	q := New[string](0)
	require.NoError(t, q.Push(Item[string]{ID: "a", Priority: 1}))
	require.NoError(t, q.Push(Item[string]{ID: "b", Priority: 1}))

	_, ok := q.Remove("a")
	assert.True(t, ok)
	_, ok = q.Remove("a")
	assert.False(t, ok)
	assert.False(t, q.Contains("a"))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Limits(t *testing.T) {
	q := New[string](1)
	require.NoError(t, q.Push(Item[string]{ID: "a"}))
	assert.ErrorIs(t, q.Push(Item[string]{ID: "b"}), ErrFull)

	q = New[string](0)
	require.NoError(t, q.Push(Item[string]{ID: "a"}))
	assert.ErrorIs(t, q.Push(Item[string]{ID: "a"}), ErrDuplicate)
}

func TestQueue_PopEmpty(t *testing.T) {
	q := New[string](0)
	_, ok := q.Pop()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int](0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Push(Item[int]{ID: fmt.Sprintf("item-%d", i), Priority: i % 5})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())

	items := q.Purge()
	for i := 1; i < len(items); i++ {
		assert.GreaterOrEqual(t, items[i-1].Priority, items[i].Priority)
	}
	assert.Zero(t, q.Len())
}
