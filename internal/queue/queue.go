// Package queue is the durable outbound message queue that decouples
// message submission (HTTP API) from delivery (session manager). Jobs move
// through waiting → active → completed|failed; failed jobs can be retried
// or removed through the API.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind is the message type carried by a job.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Job is one queued send.
type Job struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	To       string `json:"to"`
	Message  string `json:"message,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`

	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	ProcessedAt time.Time `json:"processedAt,omitzero"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
}

// NewJob builds a waiting job with a fresh time-ordered id.
func NewJob(kind Kind, to, message, url, caption, deviceID string) *Job {
	return &Job{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Kind:       kind,
		To:         to,
		Message:    message,
		URL:        url,
		Caption:    caption,
		DeviceID:   deviceID,
		State:      StateWaiting,
		EnqueuedAt: time.Now(),
	}
}

// Stats counts jobs per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backend stores jobs. Two implementations exist: redis (durable) and
// memory (standalone mode and tests).
type Backend interface {
	// Enqueue appends a waiting job.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a waiting job is available, moves it to active
	// with ProcessedAt stamped, and returns it. Returns ctx.Err() on
	// cancellation.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete moves an active job to completed.
	Complete(ctx context.Context, job *Job) error

	// Fail moves an active job to failed.
	Fail(ctx context.Context, job *Job) error

	// Stats returns per-state job counts.
	Stats(ctx context.Context) (Stats, error)

	// List returns jobs in the given state, newest first, within
	// [start, stop] inclusive.
	List(ctx context.Context, state State, start, stop int64) ([]*Job, error)

	// Retry moves a failed job back to waiting with its attempt counter
	// and error cleared.
	Retry(ctx context.Context, id string) error

	// Remove deletes a job in any state.
	Remove(ctx context.Context, id string) error

	Close() error
}
