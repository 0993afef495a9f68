package corlib

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntimeSleepWakesAfterDurationAndStaysResponsive(t *testing.T) {
	r := require.New(t)

	io, rt := newTestIOManager(t)

	var otherServiced atomic.Bool
	var before, after time.Time
	sleptDone := make(chan struct{})

	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		before = time.Now()
		r.NoError(rt.Sleep(ctx, time.Second))
		after = time.Now()
		close(sleptDone)
	}), AnyWorker)

	// A second coroutine should still get serviced while the first sleeps.
	go func() {
		time.Sleep(100 * time.Millisecond)
		done := make(chan struct{})
		io.Schedule(TaskFromFunc(func(ctx context.Context) {
			otherServiced.Store(true)
			close(done)
		}), AnyWorker)
		<-done
	}()

	select {
	case <-sleptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never woke the coroutine")
	}

	elapsed := after.Sub(before)
	r.GreaterOrEqual(elapsed, time.Second)
	r.Less(elapsed, 1250*time.Millisecond)
	r.True(otherServiced.Load())
}

func TestRuntimeSleepWithoutCoroutineFallsBackToRawSleep(t *testing.T) {
	r := require.New(t)

	io, rt := newTestIOManager(t)
	_ = io

	start := time.Now()
	err := rt.Sleep(context.Background(), 20*time.Millisecond)
	r.NoError(err)
	r.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
}
