package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyJobPrefix = "freewa:queue:job:"
	keyWaiting   = "freewa:queue:waiting"
	keyActive    = "freewa:queue:active"
	keyCompleted = "freewa:queue:completed"
	keyFailed    = "freewa:queue:failed"

	// completedCap bounds the completed history kept in redis.
	completedCap = 1000

	// dequeueBlock is the per-call BLMOVE timeout; the loop re-checks ctx
	// between calls.
	dequeueBlock = 5 * time.Second
)

// RedisBackend is the durable queue backend. Job ids live on per-state
// lists; job bodies are JSON under their own keys.
type RedisBackend struct {
	cli *redis.Client
}

// NewRedisBackend connects to redis at url and verifies the connection.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("queue backend connected", "backend", "redis")
	return &RedisBackend{cli: cli}, nil
}

func (b *RedisBackend) Close() error {
	return b.cli.Close()
}

func stateKey(state State) string {
	switch state {
	case StateWaiting:
		return keyWaiting
	case StateActive:
		return keyActive
	case StateCompleted:
		return keyCompleted
	default:
		return keyFailed
	}
}

func (b *RedisBackend) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return b.cli.Set(ctx, keyJobPrefix+job.ID, data, 0).Err()
}

func (b *RedisBackend) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := b.cli.Get(ctx, keyJobPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) error {
	job.State = StateWaiting
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.cli.LPush(ctx, keyWaiting, job.ID).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := b.cli.BLMove(ctx, keyWaiting, keyActive, "RIGHT", "LEFT", dequeueBlock).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		job, err := b.loadJob(ctx, id)
		if err != nil {
			// Body vanished (manual removal); drop the dangling id.
			slog.Warn("dequeued job without body", "job", id, "error", err)
			b.cli.LRem(ctx, keyActive, 1, id)
			continue
		}
		job.State = StateActive
		job.ProcessedAt = time.Now()
		if err := b.saveJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (b *RedisBackend) finish(ctx context.Context, job *Job, state State, destKey string) error {
	job.State = state
	job.FinishedAt = time.Now()
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := b.cli.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, job.ID)
	pipe.LPush(ctx, destKey, job.ID)
	if destKey == keyCompleted {
		pipe.LTrim(ctx, keyCompleted, 0, completedCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	return b.finish(ctx, job, StateCompleted, keyCompleted)
}

func (b *RedisBackend) Fail(ctx context.Context, job *Job) error {
	return b.finish(ctx, job, StateFailed, keyFailed)
}

func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := b.cli.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.LLen(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (b *RedisBackend) List(ctx context.Context, state State, start, stop int64) ([]*Job, error) {
	ids, err := b.cli.LRange(ctx, stateKey(state), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.loadJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *RedisBackend) Retry(ctx context.Context, id string) error {
	job, err := b.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}
	job.State = StateWaiting
	job.Attempts = 0
	job.LastError = ""
	job.ProcessedAt = time.Time{}
	job.FinishedAt = time.Time{}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := b.cli.TxPipeline()
	pipe.LRem(ctx, keyFailed, 1, id)
	pipe.LPush(ctx, keyWaiting, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, id string) error {
	job, err := b.loadJob(ctx, id)
	if err != nil {
		return err
	}
	pipe := b.cli.TxPipeline()
	pipe.LRem(ctx, stateKey(job.State), 1, id)
	pipe.Del(ctx, keyJobPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}
