package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueEnqueueWritesStatus(t *testing.T) {
	q, ctx, _, jobID, scriptID := newPendingQueueMessage(t)

	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !found {
		t.Fatalf("expected job status for %s", jobID)
	}
	if job.Status != StatusQueued || job.ScriptID != scriptID {
		t.Fatalf("unexpected job status: %+v", job)
	}
}

func TestRedisJobQueueRequeueAndAckHandsJobToNextConsumer(t *testing.T) {
	q, ctx, msgID, jobID, scriptID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, scriptID); err != nil {
		t.Fatalf("requeueAndAck: %v", err)
	}

	// The old entry is retired, so the group reports nothing pending.
	if pending := mustPendingCount(t, q, ctx); pending != 0 {
		t.Fatalf("pending after requeue = %d, want 0", pending)
	}

	// The fresh entry must be deliverable to a different consumer with the
	// same job payload.
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup as consumer-2: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("requeued delivery = %+v, want exactly one message", streams)
	}
	values := streams[0].Messages[0].Values
	if values["job_id"] != jobID {
		t.Fatalf("requeued job_id = %v, want %s", values["job_id"], jobID)
	}
	if values["script_id"] != scriptID {
		t.Fatalf("requeued script_id = %v, want %s", values["script_id"], scriptID)
	}
}

func TestRedisJobQueueRequeueAndAckIsAtomic(t *testing.T) {
	q, ctx, msgID, jobID, scriptID := newPendingQueueMessage(t)

	// A failed transaction must leave the original delivery untouched.
	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, scriptID); err == nil {
		t.Fatal("requeueAndAck succeeded on canceled context")
	}

	if pending := mustPendingCount(t, q, ctx); pending != 1 {
		t.Fatalf("pending after failed requeue = %d, want 1", pending)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("stream length after failed requeue = %d, want 1", streamLen)
	}
}

func mustPendingCount(t *testing.T, q *RedisJobQueue, ctx context.Context) int64 {
	t.Helper()
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return pending.Count
}

func TestRedisJobQueueMarkProcessingIncrementsAttempts(t *testing.T) {
	q, ctx, _, jobID, scriptID := newPendingQueueMessage(t)

	job, err := q.markProcessing(ctx, jobID, scriptID)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if job.Attempts != 1 || job.Status != StatusProcessing {
		t.Fatalf("unexpected job after first attempt: %+v", job)
	}

	job, err = q.markProcessing(ctx, jobID, scriptID)
	if err != nil {
		t.Fatalf("mark processing again: %v", err)
	}
	if job.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", job.Attempts)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:scan",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "script-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job.ID, job.ScriptID
}
