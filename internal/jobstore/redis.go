package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shulchan/shulchan/internal/model"
)

// RedisStore is the remote key/value Store backend (spec §4.A).
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, logger *slog.Logger, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

func (r *RedisStore) key(requestID string) string {
	return "shulchan:job:" + requestID
}

func (r *RedisStore) idemKey(ownerSessionID, key string) string {
	return "shulchan:idem:" + ownerSessionID + ":" + key
}

func (r *RedisStore) IsAvailable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return r.client.Ping(pingCtx).Err() == nil
}

func (r *RedisStore) CreateJob(ctx context.Context, requestID, ownerSessionID, ownerUserID string) error {
	job := model.Job{
		RequestID:      requestID,
		Status:         model.JobAccepted,
		OwnerSessionID: ownerSessionID,
		OwnerUserID:    ownerUserID,
		CreatedAt:      time.Now().UTC(),
	}
	return r.write(ctx, requestID, job, false)
}

func (r *RedisStore) SetStatus(ctx context.Context, requestID string, status model.JobStatus, progress int) error {
	return r.mutate(ctx, requestID, func(job *model.Job) error {
		job.Status = status
		job.Progress = progress
		return nil
	})
}

func (r *RedisStore) SetResult(ctx context.Context, requestID string, result *model.SearchResponse, count int) error {
	return r.mutate(ctx, requestID, func(job *model.Job) error {
		job.Status = model.JobDoneSuccess
		job.Progress = 100
		job.Result = result
		job.ResultCount = count
		return nil
	})
}

func (r *RedisStore) SetError(ctx context.Context, requestID string, code, message string) error {
	return r.mutate(ctx, requestID, func(job *model.Job) error {
		job.Status = model.JobDoneFailure
		job.Err = &model.JobError{Code: code, Message: message}
		return nil
	})
}

func (r *RedisStore) Get(ctx context.Context, requestID string) (*model.Job, bool, error) {
	raw, err := r.client.Get(ctx, r.key(requestID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("jobstore: get %s: %w", requestID, err)
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, false, fmt.Errorf("jobstore: decode %s: %w", requestID, err)
	}
	return &job, true, nil
}

// ReserveIdempotencyKey uses SET NX so concurrent retries of the same key
// race safely: only the first reservation wins, and every loser is told the
// requestID the winner reserved.
func (r *RedisStore) ReserveIdempotencyKey(ctx context.Context, ownerSessionID, key, requestID string) (string, bool, error) {
	if key == "" {
		return "", true, nil
	}
	ok, err := r.client.SetNX(ctx, r.idemKey(ownerSessionID, key), requestID, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("jobstore: reserve idempotency key: %w", err)
	}
	if ok {
		return requestID, true, nil
	}
	existing, err := r.client.Get(ctx, r.idemKey(ownerSessionID, key)).Result()
	if err != nil {
		return "", false, fmt.Errorf("jobstore: read reserved idempotency key: %w", err)
	}
	return existing, false, nil
}

// mutate reads-modifies-writes a job, enforcing terminal immutability
// (spec §4.A): a write to a DONE_* job is rejected with errTerminal. The
// order of non-terminal status writes is not checked; a write moving a
// RUNNING job back to ACCEPTED is applied as given. A miss is a silent no-op:
// job-store failures must never be fatal to the orchestrator.
func (r *RedisStore) mutate(ctx context.Context, requestID string, fn func(*model.Job) error) error {
	job, ok, err := r.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if job.Status.IsTerminal() {
		return errTerminal{requestID}
	}
	if err := fn(job); err != nil {
		return err
	}
	return r.write(ctx, requestID, *job, true)
}

func (r *RedisStore) write(ctx context.Context, requestID string, job model.Job, keepTTL bool) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", requestID, err)
	}
	ttl := r.ttl
	if keepTTL {
		// Preserve the original TTL rather than resetting the clock on
		// every status write; KEEPTTL avoids an extra round trip to read it.
		return r.client.Set(ctx, r.key(requestID), raw, redis.KeepTTL).Err()
	}
	return r.client.Set(ctx, r.key(requestID), raw, ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
