package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithExclusiveAccess_SequencesSameKey(t *testing.T) {
	m := New("device-a")
	ctx := context.Background()

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := m.WithExclusiveAccess(ctx, "legs/5", func(ctx context.Context) (any, error) {
			close(firstStarted)
			mu.Lock()
			order = append(order, "first-start")
			mu.Unlock()
			<-releaseFirst
			mu.Lock()
			order = append(order, "first-end")
			mu.Unlock()
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-firstStarted
	go func() {
		defer wg.Done()
		_, err := m.WithExclusiveAccess(ctx, "legs/5", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, "second-start")
			mu.Unlock()
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	// Give the second caller time to (incorrectly) start if sequencing is broken.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first-start"}, order)
	mu.Unlock()

	close(releaseFirst)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, []string{"first-start", "first-end", "second-start"}, order)
	mu.Unlock()
}

func TestWithExclusiveAccess_IndependentKeysRunConcurrently(t *testing.T) {
	m := New("device-a")
	ctx := context.Background()

	blockA := make(chan struct{})
	bStarted := make(chan struct{})

	go func() {
		m.WithExclusiveAccess(ctx, "legs/1", func(ctx context.Context) (any, error) {
			<-blockA
			return nil, nil
		})
	}()

	go func() {
		m.WithExclusiveAccess(ctx, "legs/2", func(ctx context.Context) (any, error) {
			close(bStarted)
			return nil, nil
		})
	}()

	select {
	case <-bStarted:
	case <-time.After(time.Second):
		t.Fatal("operation on independent key was blocked")
	}
	close(blockA)
}

func TestWithExclusiveAccess_PropagatesResultAndError(t *testing.T) {
	m := New("device-a")
	ctx := context.Background()

	want := errors.New("upstream rejected")
	got, err := m.WithExclusiveAccess(ctx, "runners/1", func(ctx context.Context) (any, error) {
		return "value", want
	})
	assert.Equal(t, "value", got)
	assert.ErrorIs(t, err, want)
}

func TestWithExclusiveAccess_CleanupAfterFailure(t *testing.T) {
	m := New("device-a")
	ctx := context.Background()

	_, err := m.WithExclusiveAccess(ctx, "runners/1", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	assert.False(t, m.InFlight("runners/1"))

	// The key is immediately usable again.
	_, err = m.WithExclusiveAccess(ctx, "runners/1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestWithExclusiveAccess_CanceledWaiterDoesNotRun(t *testing.T) {
	m := New("device-a")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		m.WithExclusiveAccess(context.Background(), "legs/9", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	_, err := m.WithExclusiveAccess(ctx, "legs/9", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)

	close(release)

	// A later caller still gets through once the chain unwinds.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.WithExclusiveAccess(context.Background(), "legs/9", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chain did not unwind after canceled waiter")
	}
}

func TestStamps_MonotonicAndStale(t *testing.T) {
	m := New("device-a")

	first := m.CreateLock("legs/3")
	assert.Equal(t, "device-a", first.DeviceID)
	assert.False(t, m.IsStale("legs/3", first))

	second := m.UpdateLock("legs/3")
	assert.Greater(t, second.Version, first.Version)
	assert.True(t, m.IsStale("legs/3", first))
	assert.False(t, m.IsStale("legs/3", second))
}

func TestStamps_UnknownKeyNeverStale(t *testing.T) {
	m := New("device-a")
	assert.False(t, m.IsStale("legs/1", Stamp{Version: 42}))
}

func TestClearLock(t *testing.T) {
	m := New("device-a")
	stamp := m.CreateLock("runners/7")
	m.ClearLock("runners/7")

	_, ok := m.Lock("runners/7")
	assert.False(t, ok)
	assert.False(t, m.IsStale("runners/7", stamp))
}
