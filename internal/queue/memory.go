package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process memory. Used in standalone mode
// (no redis configured) and in tests; jobs do not survive a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	lists  map[State][]string // newest first, matching redis LPUSH order
	notify chan struct{}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[string]*Job),
		lists: map[State][]string{
			StateWaiting:   nil,
			StateActive:    nil,
			StateCompleted: nil,
			StateFailed:    nil,
		},
		notify: make(chan struct{}, 1),
	}
}

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// removeFromList drops id from the state list. Must be called with b.mu held.
func (b *MemoryBackend) removeFromList(state State, id string) {
	list := b.lists[state]
	for i, jid := range list {
		if jid == id {
			b.lists[state] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, job *Job) error {
	cp := *job
	cp.State = StateWaiting

	b.mu.Lock()
	b.jobs[cp.ID] = &cp
	b.lists[StateWaiting] = append([]string{cp.ID}, b.lists[StateWaiting]...)
	b.mu.Unlock()

	b.wake()
	return nil
}

func (b *MemoryBackend) Dequeue(ctx context.Context) (*Job, error) {
	for {
		b.mu.Lock()
		waiting := b.lists[StateWaiting]
		if n := len(waiting); n > 0 {
			// Oldest job is at the tail.
			id := waiting[n-1]
			b.lists[StateWaiting] = waiting[:n-1]
			b.lists[StateActive] = append([]string{id}, b.lists[StateActive]...)
			job := b.jobs[id]
			job.State = StateActive
			job.ProcessedAt = time.Now()
			cp := *job
			more := len(b.lists[StateWaiting]) > 0
			b.mu.Unlock()
			if more {
				// Re-arm the signal for other waiters.
				b.wake()
			}
			return &cp, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBackend) finish(job *Job, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	b.removeFromList(stored.State, job.ID)

	*stored = *job
	stored.State = state
	stored.FinishedAt = time.Now()
	b.lists[state] = append([]string{job.ID}, b.lists[state]...)
	return nil
}

func (b *MemoryBackend) Complete(ctx context.Context, job *Job) error {
	return b.finish(job, StateCompleted)
}

func (b *MemoryBackend) Fail(ctx context.Context, job *Job) error {
	return b.finish(job, StateFailed)
}

func (b *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Waiting:   int64(len(b.lists[StateWaiting])),
		Active:    int64(len(b.lists[StateActive])),
		Completed: int64(len(b.lists[StateCompleted])),
		Failed:    int64(len(b.lists[StateFailed])),
	}, nil
}

func (b *MemoryBackend) List(ctx context.Context, state State, start, stop int64) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.lists[state]
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		return nil, nil
	}

	jobs := make([]*Job, 0, stop-start+1)
	for _, id := range list[start : stop+1] {
		if job, ok := b.jobs[id]; ok {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (b *MemoryBackend) Retry(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}
	b.removeFromList(StateFailed, id)
	job.State = StateWaiting
	job.Attempts = 0
	job.LastError = ""
	job.ProcessedAt = time.Time{}
	job.FinishedAt = time.Time{}
	b.lists[StateWaiting] = append([]string{id}, b.lists[StateWaiting]...)

	b.wake()
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	b.removeFromList(job.State, id)
	delete(b.jobs, id)
	return nil
}
