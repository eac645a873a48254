// Package dispatch hands approved executions to the worker layer over
// risk-priority queues. The core emits jobs; retries and execution are the
// worker's responsibility.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Job is the payload handed off for execution.
type Job struct {
	ExecutionID string         `json:"execution_id"`
	ActionType  string         `json:"action_type"`
	Params      map[string]any `json:"params"`
	UserID      string         `json:"user_id"`
}

// Queue is the dispatch contract: enqueue one job onto a named priority
// queue, or block waiting for the next job across several queues.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, job Job) error
	Dequeue(ctx context.Context, queueNames []string, timeout time.Duration) (Job, bool, error)
}

// ListClient is the subset of Redis list operations RedisQueue needs;
// satisfied by infra.GoRedisAdapter.
type ListClient interface {
	LPush(ctx context.Context, key string, value []byte) error
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) ([]byte, bool, error)
}

// RedisQueue dispatches jobs through Redis lists, one list per priority.
type RedisQueue struct {
	client ListClient
}

// NewRedisQueue creates a Redis-backed dispatch queue.
func NewRedisQueue(client ListClient) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, queueName, data); err != nil {
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queueNames []string, timeout time.Duration) (Job, bool, error) {
	data, ok, err := q.client.BRPop(ctx, timeout, queueNames...)
	if err != nil || !ok {
		return Job{}, false, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// MemoryQueue is an in-process Queue for tests and Redis-less development.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]Job
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]Job)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, queueName string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[queueName] = append(q.queues[queueName], job)
	return nil
}

// Dequeue pops the oldest job from the first non-empty queue in queueNames.
// It does not block; timeout is ignored.
func (q *MemoryQueue) Dequeue(_ context.Context, queueNames []string, _ time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, name := range queueNames {
		if jobs := q.queues[name]; len(jobs) > 0 {
			job := jobs[0]
			q.queues[name] = jobs[1:]
			return job, true, nil
		}
	}
	return Job{}, false, nil
}

// Len returns the number of jobs waiting on a queue. Test helper.
func (q *MemoryQueue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName])
}
