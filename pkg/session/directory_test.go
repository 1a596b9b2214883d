package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReturnsSameActor(t *testing.T) {
	d := newTestDirectory(t, NewMemoryStore())

	first, err := d.actor("u1")
	require.NoError(t, err)
	second, err := d.actor("u1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := d.actor("u2")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, d.Len())
}

func TestConcurrentFirstResolveCreatesOneActor(t *testing.T) {
	d := newTestDirectory(t, NewMemoryStore())

	const n = 50
	actors := make([]*Actor, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := d.actor("never-seen")
			if err == nil {
				actors[i] = a
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, actors[0], actors[i])
	}
	assert.Equal(t, 1, d.Len())
}

func TestSweepEvictsIdleActorsAndHistorySurvives(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	d := newTestDirectory(t, store, WithIdleTTL(time.Minute))
	h := resolve(t, d, "u1")

	_, err := h.AppendExchange(ctx, "q0", "a0")
	require.NoError(t, err)

	assert.Equal(t, 0, d.Sweep(time.Now()), "fresh actor must not be evicted")
	old := d.actors["u1"]

	assert.Equal(t, 1, d.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, d.Len())
	<-old.done

	// the same handle transparently reaches a fresh actor that reloads from the store
	history, err := h.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Message{UserMessage("q0"), AssistantMessage("a0")}, history)
	assert.EqualValues(t, 2, store.gets.Load())

	d.mu.Lock()
	fresh := d.actors["u1"]
	d.mu.Unlock()
	assert.NotSame(t, old, fresh)
}

func TestSweepSkipsBusyActor(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	store.putGate = make(chan struct{})
	store.putStarted = make(chan struct{}, 1)
	d := newTestDirectory(t, store, WithIdleTTL(time.Nanosecond))
	h := resolve(t, d, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := h.AppendExchange(ctx, "q", "a")
		done <- err
	}()
	<-store.putStarted

	assert.Equal(t, 0, d.Sweep(time.Now().Add(time.Hour)), "actor with a running operation is not evicted")
	store.putGate <- struct{}{}
	require.NoError(t, <-done)

	assert.Equal(t, 1, d.Sweep(time.Now().Add(time.Hour)))
}

func TestSweepDisabledWithZeroTTL(t *testing.T) {
	d := newTestDirectory(t, NewMemoryStore(), WithIdleTTL(0))
	resolve(t, d, "u1")
	assert.Equal(t, 0, d.Sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, d.Len())
}

func TestRunStopsWithContext(t *testing.T) {
	d := newTestDirectory(t, NewMemoryStore(), WithIdleTTL(time.Millisecond))
	resolve(t, d, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return d.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestClosedDirectoryRejectsOperations(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(NewMemoryStore())
	h, err := d.Resolve("u1")
	require.NoError(t, err)
	_, err = h.AppendExchange(ctx, "q", "a")
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Resolve("u2")
	assert.ErrorIs(t, err, ErrDirectoryClosed)
	_, err = h.GetHistory(ctx)
	assert.ErrorIs(t, err, ErrDirectoryClosed)
}
