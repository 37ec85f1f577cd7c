package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Sender delivers a job's message. Implemented by the session manager.
type Sender interface {
	SendText(ctx context.Context, deviceID, to, message string) error
	SendPhoto(ctx context.Context, deviceID, to, url, caption string) error
}

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	// Workers is the number of concurrent consumers.
	Workers int

	// MaxAttempts is the per-job delivery attempt limit.
	MaxAttempts int

	// RetryBase and RetryMax bound the backoff between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c *WorkerConfig) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 30 * time.Second
	}
}

// Pool consumes jobs from a backend and delivers them through a Sender,
// retrying with backoff before parking a job as failed.
type Pool struct {
	backend Backend
	sender  Sender
	cfg     WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Call Start to begin consuming.
func NewPool(backend Backend, sender Sender, cfg WorkerConfig) *Pool {
	cfg.fillDefaults()
	return &Pool{backend: backend, sender: sender, cfg: cfg}
}

// Start launches the workers under ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	slog.Info("queue workers started", "workers", p.cfg.Workers)
}

// Stop halts all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()

	for {
		job, err := p.backend.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.process(ctx, job)
	}
}

// process attempts delivery with inline backoff, then records the outcome.
func (p *Pool) process(ctx context.Context, job *Job) {
	slog.Info("processing job", "job", job.ID, "kind", job.Kind, "device", orDefault(job.DeviceID))

	var err error
	for job.Attempts < p.cfg.MaxAttempts {
		job.Attempts++
		err = p.deliver(ctx, job)
		if err == nil {
			if cErr := p.backend.Complete(ctx, job); cErr != nil {
				slog.Error("complete failed", "job", job.ID, "error", cErr)
			}
			return
		}
		job.LastError = err.Error()

		if job.Attempts < p.cfg.MaxAttempts {
			delay := retryDelay(p.cfg.RetryBase, p.cfg.RetryMax, job.Attempts-1)
			slog.Warn("delivery failed, retrying", "job", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Shutdown mid-job: park it as failed so it is visible and
				// retryable rather than silently lost.
				job.LastError = ctx.Err().Error()
				p.failJob(job)
				return
			}
		}
	}

	slog.Error("delivery failed permanently", "job", job.ID, "attempts", job.Attempts, "error", err)
	p.failJob(job)
}

// failJob records the job as failed using a fresh context: the pool's own
// context may already be cancelled during shutdown.
func (p *Pool) failJob(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.backend.Fail(ctx, job); err != nil {
		slog.Error("fail bookkeeping failed", "job", job.ID, "error", err)
	}
}

func (p *Pool) deliver(ctx context.Context, job *Job) error {
	switch job.Kind {
	case KindText:
		return p.sender.SendText(ctx, job.DeviceID, job.To, job.Message)
	case KindImage:
		return p.sender.SendPhoto(ctx, job.DeviceID, job.To, job.URL, job.Caption)
	default:
		return errors.New("unknown job kind: " + string(job.Kind))
	}
}

// retryDelay is min(base * 2^attempt, max) with ±25% jitter.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}

func orDefault(deviceID string) string {
	if deviceID == "" {
		return "default"
	}
	return deviceID
}
