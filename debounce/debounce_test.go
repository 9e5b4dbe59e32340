package debounce

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_BurstExecutesOnceWithLatestOp(t *testing.T) {
	d := New()
	defer d.Close()

	var executions atomic.Int32
	makeOp := func(i int) func() (any, error) {
		return func() (any, error) {
			executions.Add(1)
			return i, nil
		}
	}

	var channels []<-chan Result
	for i := 1; i <= 5; i++ {
		channels = append(channels, d.Do("legs/5", 50*time.Millisecond, makeOp(i)))
	}

	for _, ch := range channels {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
			// Every waiter sees the outcome of the last call's operation.
			assert.Equal(t, 5, res.Value)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never resolved")
		}
	}

	assert.Equal(t, int32(1), executions.Load())
}

func TestDo_SeparateKeysDoNotCoalesce(t *testing.T) {
	d := New()
	defer d.Close()

	var executions atomic.Int32
	op := func() (any, error) {
		executions.Add(1)
		return nil, nil
	}

	a := d.Do("legs/1", 10*time.Millisecond, op)
	b := d.Do("legs/2", 10*time.Millisecond, op)

	<-a
	<-b
	assert.Equal(t, int32(2), executions.Load())
}

func TestDo_ErrorPropagatesToAllWaiters(t *testing.T) {
	d := New()
	defer d.Close()

	want := fmt.Errorf("remote rejected")
	a := d.Do("runners/1", 10*time.Millisecond, func() (any, error) { return nil, want })
	b := d.Do("runners/1", 10*time.Millisecond, func() (any, error) { return nil, want })

	assert.ErrorIs(t, (<-a).Err, want)
	assert.ErrorIs(t, (<-b).Err, want)
}

func TestCancel(t *testing.T) {
	d := New()
	defer d.Close()

	var executions atomic.Int32
	ch := d.Do("legs/3", time.Hour, func() (any, error) {
		executions.Add(1)
		return nil, nil
	})

	require.True(t, d.Pending("legs/3"))
	require.True(t, d.Cancel("legs/3"))
	assert.False(t, d.Pending("legs/3"))

	assert.ErrorIs(t, (<-ch).Err, ErrCanceled)
	assert.Equal(t, int32(0), executions.Load())

	// Cancel with nothing pending reports false.
	assert.False(t, d.Cancel("legs/3"))
}

func TestDo_ReschedulesAfterExecution(t *testing.T) {
	d := New()
	defer d.Close()

	first := d.Do("legs/4", 10*time.Millisecond, func() (any, error) { return "one", nil })
	require.Equal(t, "one", (<-first).Value)

	second := d.Do("legs/4", 10*time.Millisecond, func() (any, error) { return "two", nil })
	assert.Equal(t, "two", (<-second).Value)
}

func TestFire_StaleTimerCallbackDoesNotExecuteEarly(t *testing.T) {
	d := New()
	defer d.Close()

	var executions atomic.Int32
	op := func() (any, error) {
		executions.Add(1)
		return nil, nil
	}

	first := d.Do("legs/7", time.Hour, op)
	d.mu.Lock()
	run := d.pending["legs/7"]
	gen := run.gen
	d.mu.Unlock()

	// Supersede the schedule, then deliver the first schedule's timer
	// callback late, as if it had fired just before the supersede and lost
	// the race for the lock. It must not run the new operation early.
	second := d.Do("legs/7", time.Hour, op)
	d.fire("legs/7", run, gen)

	assert.True(t, d.Pending("legs/7"))
	assert.Equal(t, int32(0), executions.Load())

	require.True(t, d.Cancel("legs/7"))
	assert.ErrorIs(t, (<-first).Err, ErrCanceled)
	assert.ErrorIs(t, (<-second).Err, ErrCanceled)
}

func TestClose(t *testing.T) {
	d := New()

	pending := d.Do("legs/6", time.Hour, func() (any, error) { return nil, nil })
	d.Close()

	assert.ErrorIs(t, (<-pending).Err, ErrCanceled)
	assert.ErrorIs(t, (<-d.Do("legs/6", time.Millisecond, func() (any, error) { return nil, nil })).Err, ErrClosed)
}
