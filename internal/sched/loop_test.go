package sched

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, clk clockwork.Clock) (*Loop, context.CancelFunc) {
	t.Helper()

	loop, err := NewLoop(&LoopConfig{Clock: clk})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
	return loop, cancel
}

func TestSched_Loop_CallRunsOnCore(t *testing.T) {
	t.Parallel()

	loop, _ := startLoop(t, nil)

	ran := false
	require.NoError(t, loop.Call(context.Background(), func() { ran = true }))
	require.True(t, ran)
}

func TestSched_Loop_PostRunsAsynchronously(t *testing.T) {
	t.Parallel()

	loop, _ := startLoop(t, nil)

	ran := make(chan struct{})
	require.NoError(t, loop.Post(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("posted function did not run")
	}
}

func TestSched_Loop_ScheduleFiresOnFakeClock(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	loop, _ := startLoop(t, clk)

	fired := make(chan struct{})
	require.NoError(t, loop.Call(context.Background(), func() {
		loop.Schedule(time.Second, func() { close(fired) })
	}))

	clk.BlockUntil(1)
	clk.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled callback did not fire")
	}
}

func TestSched_Loop_EqualDueTimesAreFIFO(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	loop, _ := startLoop(t, clk)

	var fired []int
	last := make(chan struct{})
	require.NoError(t, loop.Call(context.Background(), func() {
		for i := 1; i <= 3; i++ {
			n := i
			loop.Schedule(time.Second, func() {
				fired = append(fired, n)
				if n == 3 {
					close(last)
				}
			})
		}
	}))

	clk.BlockUntil(1)
	clk.Advance(time.Second)

	select {
	case <-last:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled callbacks did not fire")
	}
	require.NoError(t, loop.Call(context.Background(), func() {}))
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestSched_Loop_PanickingCallbackDoesNotHaltLoop(t *testing.T) {
	t.Parallel()

	loop, _ := startLoop(t, nil)

	require.NoError(t, loop.Post(func() { panic("bad callback") }))
	require.NoError(t, loop.Call(context.Background(), func() {}))
}

func TestSched_Loop_StoppedLoopRejectsWork(t *testing.T) {
	t.Parallel()

	loop, err := NewLoop(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.ErrorIs(t, loop.Post(func() {}), ErrStopped)
	require.ErrorIs(t, loop.Call(context.Background(), func() {}), ErrStopped)
}

func TestSched_Loop_CallHonorsCallerContext(t *testing.T) {
	t.Parallel()

	loop, err := NewLoop(nil)
	require.NoError(t, err)
	// Loop deliberately not running: Call must give up with the caller.

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, loop.Call(ctx, func() {}), context.DeadlineExceeded)
}
