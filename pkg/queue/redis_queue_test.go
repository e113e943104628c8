package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) *RedisJobQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Client:     redis.NewClient(&redis.Options{Addr: srv.Addr()}),
		Stream:     "test:orders",
		Group:      "test-group",
		Consumer:   "consumer-1",
		MaxRetries: maxRetries,
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, status string) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s did not reach %q, last=%+v", jobID, status, job)
	return Job{}
}

func TestRedisJobQueueProcessesWithRetry(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	job, err := q.Enqueue(ctx, "order-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.OrderID != "order-1" {
		t.Fatalf("unexpected job: %+v", job)
	}

	var calls atomic.Int32
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if j.OrderID != "order-1" {
			t.Errorf("unexpected order id %q", j.OrderID)
		}
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	done := waitForStatus(t, q, job.ID, StatusDone)
	if done.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", done.Attempts)
	}
	if done.ErrorMessage != "" {
		t.Fatalf("done job should clear error, got %q", done.ErrorMessage)
	}
}

func TestRedisJobQueueMarksFailedAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	job, err := q.Enqueue(ctx, "order-2")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 2, func(context.Context, Job) error { return errors.New("boom") })

	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "boom" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID, orderID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, orderID); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["order_id"] != orderID {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID, orderID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, orderID); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestNewRedisJobQueueValidation(t *testing.T) {
	if _, err := NewRedisJobQueue(RedisQueueConfig{Stream: "s"}); err == nil {
		t.Fatalf("expected error without client or addr")
	}
	if _, err := NewRedisJobQueue(RedisQueueConfig{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected error without stream")
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string, string) {
	t.Helper()
	q := newTestQueue(t, 3)
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "order-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job.ID, job.OrderID
}
