package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(tasks ...*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.URL)
	}
	return out
}

func drain(t *testing.T, q *InMemoryQueue, ready ReadyFunc) []*Task {
	t.Helper()
	var out []*Task
	for q.Size() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		task, err := q.Pop(ctx, ready)
		cancel()
		if err != nil {
			break
		}
		out = append(out, task)
	}
	return out
}

func TestQueueOrdering(t *testing.T) {
	q := NewInMemoryQueue(0)
	require.NoError(t, q.Push(&Task{JobID: "a", URL: "a1"}))
	require.NoError(t, q.Push(&Task{JobID: "a", URL: "a2"}))
	require.NoError(t, q.Push(&Task{JobID: "b", URL: "b1"}))
	require.NoError(t, q.PushFront(&Task{JobID: "a", URL: "a0"}))

	assert.Equal(t, []string{"a0", "a1", "a2", "b1"}, urls(drain(t, q, nil)...))
}

func TestQueueReadiness(t *testing.T) {
	q := NewInMemoryQueue(0)
	require.NoError(t, q.Push(&Task{JobID: "paused", URL: "p1"}))
	require.NoError(t, q.Push(&Task{JobID: "live", URL: "l1"}))

	var mu sync.Mutex
	paused := map[string]bool{"paused": true}
	ready := func(jobID string) bool {
		mu.Lock()
		defer mu.Unlock()
		return !paused[jobID]
	}

	task, err := q.Pop(context.Background(), ready)
	require.NoError(t, err)
	assert.Equal(t, "l1", task.URL)

	t.Run("blocked pop resumes on wake", func(t *testing.T) {
		got := make(chan *Task, 1)
		go func() {
			task, err := q.Pop(context.Background(), ready)
			if err == nil {
				got <- task
			}
		}()

		select {
		case <-got:
			t.Fatal("paused task must not be dequeued")
		case <-time.After(30 * time.Millisecond):
		}

		mu.Lock()
		paused["paused"] = false
		mu.Unlock()
		q.Wake()

		select {
		case task := <-got:
			assert.Equal(t, "p1", task.URL)
		case <-time.After(time.Second):
			t.Fatal("pop did not resume")
		}
	})
}

func TestQueueRemoveJob(t *testing.T) {
	q := NewInMemoryQueue(0)
	for _, task := range []*Task{
		{JobID: "a", URL: "a1"}, {JobID: "b", URL: "b1"}, {JobID: "a", URL: "a2"}, {JobID: "b", URL: "b2"},
	} {
		require.NoError(t, q.Push(task))
	}

	assert.Equal(t, 2, q.CountJob("a"))
	assert.Equal(t, 2, q.RemoveJob("a"))
	assert.Equal(t, 0, q.CountJob("a"))
	assert.Equal(t, []string{"b1", "b2"}, urls(drain(t, q, nil)...))
}

func TestQueueLimits(t *testing.T) {
	t.Run("capacity", func(t *testing.T) {
		q := NewInMemoryQueue(1)
		require.NoError(t, q.Push(&Task{JobID: "a"}))
		assert.ErrorIs(t, q.Push(&Task{JobID: "a"}), ErrQueueFull)
		assert.ErrorIs(t, q.PushFront(&Task{JobID: "a"}), ErrQueueFull)
	})

	t.Run("pop honours context", func(t *testing.T) {
		q := NewInMemoryQueue(0)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := q.Pop(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close unblocks pop", func(t *testing.T) {
		q := NewInMemoryQueue(0)
		errs := make(chan error, 1)
		go func() {
			_, err := q.Pop(context.Background(), nil)
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, q.Close())
		assert.ErrorIs(t, <-errs, ErrQueueClosed)
		assert.ErrorIs(t, q.Push(&Task{}), ErrQueueClosed)
	})

	t.Run("close twice", func(t *testing.T) {
		q := NewInMemoryQueue(0)
		require.NoError(t, q.Close())
		assert.NotPanics(t, func() { assert.NoError(t, q.Close()) })
		_, err := q.Pop(context.Background(), nil)
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}
