package corlib

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestIOManager(t *testing.T) (*IOManager, *Runtime) {
	t.Helper()
	io, err := NewIOManager(WithWorkers(3))
	require.NoError(t, err)
	io.Start()
	t.Cleanup(func() { io.Close() })
	return io, NewRuntime(io, NewFdTable())
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestIOManagerPendingCountAndDuplicateRegistration(t *testing.T) {
	r := require.New(t)
	io, _ := newTestIOManager(t)

	fdA, fdB := socketpair(t)
	defer unix.Close(fdB)
	defer unix.Close(fdA)

	registered := make(chan struct{})
	resumed := make(chan struct{})
	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		co := MustCoroutineFromContext(ctx)
		r.NoError(io.AddEvent(ctx, fdA, EventRead, nil))
		close(registered)
		co.Yield(ctx)
		close(resumed)
	}), AnyWorker)

	<-registered
	time.Sleep(20 * time.Millisecond)
	r.EqualValues(1, io.pending.Load())

	r.ErrorIs(io.AddEvent(context.Background(), fdA, EventRead, nil), ErrAlready)

	r.NoError(io.CancelEvent(fdA, EventRead))
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("coroutine never resumed after CancelEvent")
	}
	r.EqualValues(0, io.pending.Load())
}

func TestIOManagerEchoRoundTrip(t *testing.T) {
	r := require.New(t)
	io, rt := newTestIOManager(t)

	serverFd, clientFd := socketpair(t)
	defer unix.Close(serverFd)
	defer unix.Close(clientFd)

	received := make(chan string, 1)
	errs := make(chan error, 2)

	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		buf := make([]byte, 5)
		n, err := rt.Read(ctx, serverFd, buf)
		if err != nil {
			errs <- err
			return
		}
		_, err = rt.Write(ctx, serverFd, buf[:n])
		errs <- err
	}), AnyWorker)

	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		if _, err := rt.Write(ctx, clientFd, []byte("hello")); err != nil {
			errs <- err
			return
		}
		buf := make([]byte, 5)
		n, err := rt.Read(ctx, clientFd, buf)
		if err != nil {
			errs <- err
			return
		}
		received <- string(buf[:n])
		errs <- nil
	}), AnyWorker)

	select {
	case got := <-received:
		r.Equal("hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("echo round trip timed out")
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			r.NoError(err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for coroutine completion")
		}
	}
}

func TestIOManagerRecvTimeout(t *testing.T) {
	r := require.New(t)
	io, rt := newTestIOManager(t)

	fdA, fdB := socketpair(t)
	defer unix.Close(fdB)
	defer unix.Close(fdA)

	rt.SetSockoptTimeout(fdA, EventRead, 100*time.Millisecond)

	type result struct {
		err     error
		elapsed time.Duration
	}
	resultCh := make(chan result, 1)
	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		start := time.Now()
		buf := make([]byte, 4)
		_, err := rt.Read(ctx, fdA, buf)
		resultCh <- result{err: err, elapsed: time.Since(start)}
	}), AnyWorker)

	select {
	case res := <-resultCh:
		r.ErrorIs(res.err, ErrTimedOut)
		r.GreaterOrEqual(res.elapsed, 100*time.Millisecond)
		r.Less(res.elapsed, 250*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout scenario never completed")
	}
}

func TestIOManagerCloseDuringWait(t *testing.T) {
	r := require.New(t)
	io, rt := newTestIOManager(t)

	fdA, fdB := socketpair(t)
	defer unix.Close(fdB)

	blocked := make(chan struct{})
	resultCh := make(chan error, 1)
	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		close(blocked)
		buf := make([]byte, 4)
		_, err := rt.Read(ctx, fdA, buf)
		resultCh <- err
	}), AnyWorker)

	<-blocked
	time.Sleep(50 * time.Millisecond) // give the read time to register and yield
	io.Schedule(TaskFromFunc(func(ctx context.Context) {
		r.NoError(rt.Close(fdA))
	}), AnyWorker)

	select {
	case err := <-resultCh:
		r.ErrorIs(err, ErrBadFd)
	case <-time.After(2 * time.Second):
		t.Fatal("close-during-wait never resolved")
	}
}

func TestIOManagerTimerCancelRace(t *testing.T) {
	r := require.New(t)
	io, _ := newTestIOManager(t)

	var fired atomic.Bool
	timer := io.AddTimer(50*time.Millisecond, func() { fired.Store(true) }, false)

	time.Sleep(25 * time.Millisecond)
	r.True(io.Timers().Cancel(timer))

	time.Sleep(60 * time.Millisecond)
	r.False(fired.Load())
}

func TestIOManagerThunderingWakeup(t *testing.T) {
	r := require.New(t)
	io, rt := newTestIOManager(t)

	const total = 40
	const signalled = 16

	type pair struct{ a, b int }
	pairs := make([]pair, total)
	for i := range pairs {
		a, b := socketpair(t)
		pairs[i] = pair{a, b}
	}
	defer func() {
		for _, p := range pairs {
			unix.Close(p.b)
		}
	}()

	var resumed atomic.Int32
	for _, p := range pairs {
		fdA := p.a
		io.Schedule(TaskFromFunc(func(ctx context.Context) {
			buf := make([]byte, 1)
			rt.Read(ctx, fdA, buf)
			resumed.Add(1)
		}), AnyWorker)
	}

	time.Sleep(150 * time.Millisecond) // let every coroutine register and yield
	r.EqualValues(total, io.pending.Load())

	for i := 0; i < signalled; i++ {
		_, err := unix.Write(pairs[i].b, []byte{1})
		r.NoError(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for resumed.Load() < int32(signalled) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.EqualValues(signalled, resumed.Load())
	r.EqualValues(total-signalled, io.pending.Load())

	// Unblock the remaining waiters so the manager has nothing pending
	// left when the test's cleanup stops it.
	for _, p := range pairs[signalled:] {
		_, err := unix.Write(p.b, []byte{1})
		r.NoError(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for resumed.Load() < int32(total) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.EqualValues(int32(total), resumed.Load())
	for _, p := range pairs {
		unix.Close(p.a)
	}
}
