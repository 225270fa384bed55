package controlloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(WithName("test"))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

func TestPostRunsInFIFOOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Flush())

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromManyGoroutinesNeverDrops(t *testing.T) {
	l := startLoop(t)

	var wg sync.WaitGroup
	count := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Flush())

	assert.Equal(t, 2000, count)
}

func TestIsCurrent(t *testing.T) {
	l := startLoop(t)

	assert.False(t, l.IsCurrent())

	var inside bool
	require.NoError(t, l.Do(func() { inside = l.IsCurrent() }))
	assert.True(t, inside)
}

func TestDoInlineOnLoop(t *testing.T) {
	l := startLoop(t)

	var order []string
	require.NoError(t, l.Do(func() {
		order = append(order, "outer")
		// Would deadlock if Do re-posted.
		_ = l.Do(func() { order = append(order, "inner") })
	}))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(func() { ran = true }))

	assert.True(t, ran)
	assert.Equal(t, uint64(1), l.Stats().Panics)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	l := New()
	block := make(chan struct{})
	require.NoError(t, l.Start(context.Background()))

	l.Post(func() { <-block })
	executed := false
	l.Post(func() { executed = true })
	l.Stop()
	close(block)

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, executed)
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(func() {}), ErrStopped)
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New()
	require.NoError(t, l.Start(ctx))

	cancel()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	assert.False(t, l.IsCurrent())
}

func TestRunTwice(t *testing.T) {
	l := startLoop(t)

	assert.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
}
