package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zia/backend/internal/action"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, action.QueueDefault, Job{ExecutionID: "a"}))
	require.NoError(t, q.Enqueue(ctx, action.QueueDefault, Job{ExecutionID: "b"}))

	job, ok, err := q.Dequeue(ctx, []string{action.QueueDefault}, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", job.ExecutionID)

	job, ok, _ = q.Dequeue(ctx, []string{action.QueueDefault}, 0)
	require.True(t, ok)
	assert.Equal(t, "b", job.ExecutionID)

	_, ok, _ = q.Dequeue(ctx, []string{action.QueueDefault}, 0)
	assert.False(t, ok)
}

// Dequeue drains queues in the order given, so listing the high-priority
// queue first gives its jobs precedence.
func TestMemoryQueuePriorityOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	queues := []string{action.QueueHigh, action.QueueDefault, action.QueueLow}

	require.NoError(t, q.Enqueue(ctx, action.QueueLow, Job{ExecutionID: "low"}))
	require.NoError(t, q.Enqueue(ctx, action.QueueHigh, Job{ExecutionID: "high"}))

	job, ok, _ := q.Dequeue(ctx, queues, 0)
	require.True(t, ok)
	assert.Equal(t, "high", job.ExecutionID)

	job, ok, _ = q.Dequeue(ctx, queues, 0)
	require.True(t, ok)
	assert.Equal(t, "low", job.ExecutionID)
}
