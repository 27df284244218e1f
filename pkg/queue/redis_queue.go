package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scripthub/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const jobKeyPrefix = "scripthub:scanjob:"

// JobStatus tracks one scan job through the stream.
type JobStatus struct {
	ID           string    `json:"id"`
	ScriptID     string    `json:"scriptId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func (c RedisQueueConfig) withDefaults() RedisQueueConfig {
	if strings.TrimSpace(c.Group) == "" {
		c.Group = "default"
	}
	if strings.TrimSpace(c.Consumer) == "" {
		c.Consumer = util.NewID()
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.ClaimCount <= 0 {
		c.ClaimCount = 10
	}
	return c
}

// RedisJobQueue is a consumer-group backed scan job queue. Producers enqueue
// and return immediately; workers own retries and the terminal status write.
// A job's status lives in a TTL-bounded hash so pollers can read it after the
// stream entry is gone.
type RedisJobQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	stream string
	group  string
	once   sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr required")
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		return nil, errors.New("queue stream required")
	}
	cfg = cfg.withDefaults()
	return &RedisJobQueue{
		client: redis.NewClient(&redis.Options{Addr: strings.TrimSpace(cfg.Addr), Password: cfg.Password}),
		cfg:    cfg,
		stream: strings.TrimSpace(cfg.Stream),
		group:  cfg.Group,
	}, nil
}

// Enqueue registers a scan job for the script and returns without waiting
// for any worker to pick it up.
func (q *RedisJobQueue) Enqueue(ctx context.Context, scriptID string) (JobStatus, error) {
	scriptID = strings.TrimSpace(scriptID)
	if scriptID == "" {
		return JobStatus{}, errors.New("scriptId required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		ScriptID:  scriptID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, q.xaddArgs(job.ID, job.ScriptID)).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// GetJob reads a job's current status.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Start launches consumer goroutines that run until the context is canceled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, JobStatus) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	// From "0" so jobs enqueued before the first worker boot are not skipped.
	q.once.Do(func() {
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, JobStatus) error) {
	for ctx.Err() == nil {
		// Recover messages a dead consumer left pending before reading new ones.
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.cfg.ReadCount,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    q.cfg.ClaimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, JobStatus) error) {
	jobID, _ := msg.Values["job_id"].(string)
	scriptID, _ := msg.Values["script_id"].(string)
	if jobID == "" || scriptID == "" {
		// Malformed entry, nothing to retry.
		q.ackAndDel(ctx, msg.ID)
		return
	}

	job, err := q.markProcessing(ctx, jobID, scriptID)
	if err != nil {
		// Leave the message pending; claimPending will pick it up.
		return
	}

	handlerErr := handler(ctx, job)
	switch {
	case handlerErr == nil:
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
	case job.Attempts >= q.cfg.MaxRetries:
		_ = q.setStatus(ctx, jobID, StatusFailed, handlerErr.Error())
		q.ackAndDel(ctx, msg.ID)
	default:
		_ = q.setStatus(ctx, jobID, StatusQueued, handlerErr.Error())
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.RetryDelay):
		}
		_ = q.requeueAndAck(ctx, msg.ID, jobID, scriptID)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

// requeueAndAck re-adds the job and retires the old entry in one transaction
// so a crash cannot lose the retry.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, scriptID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.xaddArgs(jobID, scriptID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) xaddArgs(jobID, scriptID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    jobID,
			"script_id": scriptID,
		},
	}
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, scriptID string) (JobStatus, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !found {
		// Status hash expired; rebuild it so attempts still count up.
		job = JobStatus{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	job.ScriptID = scriptID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil || !found {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	key := jobKeyPrefix + job.ID
	fields := map[string]any{
		"scriptId":  job.ScriptID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return q.client.Expire(ctx, key, q.cfg.JobTTL).Err()
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{
		ID:           jobID,
		ScriptID:     data["scriptId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
