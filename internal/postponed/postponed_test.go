package postponed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceOrder(t *testing.T) {
	q := New(8)

	for i := 0; i < 3; i++ {
		ev, ok := q.Allocate()
		require.True(t, ok)
		ev.Kind = KindParamSet
		ev.Value = float32(i)
		q.Enqueue(ev)
	}

	head, tail := q.Splice()
	require.NotNil(t, head)
	require.NotNil(t, tail)

	// Oldest-first from head, newest-first from tail.
	assert.Equal(t, float32(0), head.Value)
	assert.Equal(t, float32(2), tail.Value)
	assert.Equal(t, float32(1), tail.Prev.Value)

	// Queue is empty after a splice.
	head2, _ := q.Splice()
	assert.Nil(t, head2)
}

func TestFreeRestoresPool(t *testing.T) {
	q := New(4)
	before := q.FreeCount()

	for i := 0; i < 4; i++ {
		ev, ok := q.Allocate()
		require.True(t, ok)
		q.Enqueue(ev)
	}
	assert.Equal(t, 0, q.FreeCount())

	_, ok := q.Allocate()
	assert.False(t, ok, "pool exhaustion drops the event silently")

	head, _ := q.Splice()
	for ev := head; ev != nil; {
		next := ev.Next
		q.Free(ev)
		ev = next
	}
	assert.Equal(t, before, q.FreeCount())
}

func TestEnqueueSignalsOnce(t *testing.T) {
	q := New(4)

	ev, ok := q.Allocate()
	require.True(t, ok)
	q.Enqueue(ev)
	ev2, ok := q.Allocate()
	require.True(t, ok)
	q.Enqueue(ev2)

	// The wake channel coalesces: two enqueues, at most one buffered
	// notification.
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-q.Notify():
		t.Fatal("notifications must coalesce")
	default:
	}
}
