package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one category of a bulk crawl job. Products holds the remainder of
// a category that was interrupted by a pause.
type Task struct {
	ID           string
	JobID        string
	URL          string
	CredentialID string
	Products     []string
	Retries      int
	CreatedAt    time.Time
}

// ReadyFunc reports whether tasks of a job may be dequeued now.
type ReadyFunc func(jobID string) bool

// InMemoryQueue is a FIFO of category tasks shared by all bulk jobs. Pop
// skips tasks whose job is not ready (paused) without reordering them.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []*Task
	capacity int
	closed   bool
	notify   chan struct{}
}

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		tasks:    make([]*Task, 0),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	return q.insert(task, false)
}

// PushFront puts a task ahead of everything else, used to resume a paused
// category before the job's later categories.
func (q *InMemoryQueue) PushFront(task *Task) error {
	return q.insert(task, true)
}

func (q *InMemoryQueue) insert(task *Task, front bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if front {
		q.tasks = append([]*Task{task}, q.tasks...)
	} else {
		q.tasks = append(q.tasks, task)
	}
	q.signal()
	return nil
}

// Pop blocks until a task of a ready job is available, the context ends or
// the queue is closed. Wakeups are coalesced, so there must be a single
// consumer.
func (q *InMemoryQueue) Pop(ctx context.Context, ready ReadyFunc) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		for i, t := range q.tasks {
			if ready == nil || ready(t.JobID) {
				q.tasks = append(q.tasks[:i:i], q.tasks[i+1:]...)
				q.mu.Unlock()
				return t, nil
			}
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Wake makes a blocked Pop re-check readiness, e.g. after a job resumes.
func (q *InMemoryQueue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.signal()
}

// RemoveJob drops every queued task of a job and returns how many were dropped.
func (q *InMemoryQueue) RemoveJob(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if t.JobID == jobID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

// CountJob returns the number of queued tasks of a job.
func (q *InMemoryQueue) CountJob(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.JobID == jobID {
			n++
		}
	}
	return n
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	return nil
}

// signal must be called with mu held.
func (q *InMemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
