package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

func newInvalidatorUnderTest() (*Invalidator, *L1Cache) {
	l1 := NewL1Cache(DefaultL1Config())
	inv := NewInvalidator(l1, nil, observability.NewNoopLogger())
	return inv, l1
}

func TestInvalidateImmediate(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("k1", 10))

	require.NoError(t, inv.Invalidate(context.Background(), []string{"k1"}, InvalidateOptions{}))
	assert.Nil(t, l1.Peek("k1"))
}

func TestInvalidateCascade(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("answer1", 10))
	l1.Set(entryOf("answer2", 10))
	l1.Set(entryOf("unrelated", 10))

	inv.Register("answer1", []string{"book:b1", "chapter:b1:0"})
	inv.Register("answer2", []string{"book:b1"})
	inv.Register("unrelated", []string{"book:b2"})

	err := inv.Invalidate(context.Background(), []string{"book:b1"}, InvalidateOptions{Cascade: true})
	require.NoError(t, err)
	assert.Nil(t, l1.Peek("answer1"))
	assert.Nil(t, l1.Peek("answer2"))
	assert.NotNil(t, l1.Peek("unrelated"))
}

func TestInvalidateCascadeSurvivesCycles(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("a", 10))
	l1.Set(entryOf("b", 10))

	// a depends on b and b depends on a; expansion must terminate
	inv.Register("a", []string{"b"})
	inv.Register("b", []string{"a"})

	done := make(chan error, 1)
	go func() {
		done <- inv.Invalidate(context.Background(), []string{"a"}, InvalidateOptions{Cascade: true})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle expansion did not terminate")
	}
	assert.Nil(t, l1.Peek("a"))
	assert.Nil(t, l1.Peek("b"))
}

func TestInvalidateLazyLeavesEntries(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("k1", 10))

	require.NoError(t, inv.Invalidate(context.Background(), []string{"k1"},
		InvalidateOptions{Strategy: InvalidateLazy}))
	assert.NotNil(t, l1.Peek("k1"), "lazy invalidation defers to TTL expiry")
}

func TestInvalidateBatchedDrainsAtLimit(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	keys := make([]string, batchLimit)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		l1.Set(entryOf(keys[i], 10))
	}

	// Queue all but one; nothing is processed yet
	require.NoError(t, inv.Invalidate(context.Background(), keys[:batchLimit-1],
		InvalidateOptions{Strategy: InvalidateBatched}))
	assert.Equal(t, batchLimit-1, inv.Pending())
	assert.NotNil(t, l1.Peek("k0"))

	// Reaching the limit drains synchronously
	require.NoError(t, inv.Invalidate(context.Background(), keys[batchLimit-1:],
		InvalidateOptions{Strategy: InvalidateBatched}))
	assert.Zero(t, inv.Pending())
	assert.Nil(t, l1.Peek("k0"))
}

func TestInvalidateBatchedDebounce(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("k1", 10))

	require.NoError(t, inv.Invalidate(context.Background(), []string{"k1"},
		InvalidateOptions{Strategy: InvalidateBatched}))

	// Not yet due
	require.NoError(t, inv.DrainIfDue(context.Background()))
	assert.Equal(t, 1, inv.Pending())

	inv.mu.Lock()
	inv.lastQueue = time.Now().Add(-2 * batchDebounce)
	inv.mu.Unlock()

	require.NoError(t, inv.DrainIfDue(context.Background()))
	assert.Zero(t, inv.Pending())
	assert.Nil(t, l1.Peek("k1"))
}

func TestInvalidateEmitsEvents(t *testing.T) {
	inv, l1 := newInvalidatorUnderTest()
	l1.Set(entryOf("answer1", 10))
	inv.Register("answer1", []string{"book:b1"})

	var events []Event
	inv.Observe(func(e Event) { events = append(events, e) })

	require.NoError(t, inv.Invalidate(context.Background(), []string{"book:b1"},
		InvalidateOptions{Cascade: true, Reason: "reupload"}))

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventCascaded)
	assert.Contains(t, types, EventInvalidated)
}
