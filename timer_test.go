package corlib

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerSetNextTimeout(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	r.Equal(time.Duration(-1), ts.NextTimeout())

	timer := ts.AddTimer(50*time.Millisecond, func() {}, false)
	r.NotNil(timer)
	r.Greater(ts.NextTimeout(), time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	r.Equal(time.Duration(0), ts.NextTimeout())
}

func TestTimerSetDrainExpiredFiresOnce(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	fired := 0
	ts.AddTimer(10*time.Millisecond, func() { fired++ }, false)

	time.Sleep(20 * time.Millisecond)
	cbs := ts.DrainExpired()
	r.Len(cbs, 1)
	cbs[0]()
	r.Equal(1, fired)

	// A second drain finds nothing left to fire.
	r.Empty(ts.DrainExpired())
	r.Equal(1, fired)
}

func TestTimerSetCancelPreventsFire(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	fired := false
	timer := ts.AddTimer(20*time.Millisecond, func() { fired = true }, false)

	r.True(ts.Cancel(timer))
	r.False(ts.Cancel(timer)) // already cancelled

	time.Sleep(30 * time.Millisecond)
	r.Empty(ts.DrainExpired())
	r.False(fired)
	r.True(timer.Cancelled())
}

func TestTimerSetConditionalTimerWitnessGone(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	fired := false

	func() {
		witness := new(int)
		AddConditionalTimer(ts, 10*time.Millisecond, func() { fired = true }, witness, false)
		runtime.KeepAlive(witness)
	}()

	runtime.GC()
	runtime.GC()
	time.Sleep(20 * time.Millisecond)
	for _, cb := range ts.DrainExpired() {
		cb()
	}
	r.False(fired)
}

func TestTimerSetConditionalTimerWitnessAlive(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	fired := false
	witness := new(int)
	AddConditionalTimer(ts, 10*time.Millisecond, func() { fired = true }, witness, false)

	time.Sleep(20 * time.Millisecond)
	for _, cb := range ts.DrainExpired() {
		cb()
	}
	r.True(fired)
	runtime.KeepAlive(witness)
}

func TestTimerSetRecurringReschedules(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	count := 0
	ts.AddTimer(10*time.Millisecond, func() { count++ }, true)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) && count < 3 {
		time.Sleep(10 * time.Millisecond)
		for _, cb := range ts.DrainExpired() {
			cb()
		}
	}
	r.GreaterOrEqual(count, 3)
}

func TestTimerSetRecurringHandleStaysCancellableAfterFirstFire(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	count := 0
	timer := ts.AddTimer(10*time.Millisecond, func() { count++ }, true)

	time.Sleep(15 * time.Millisecond)
	cbs := ts.DrainExpired()
	r.Len(cbs, 1)
	cbs[0]()
	r.Equal(1, count)
	r.False(timer.Cancelled())

	// The handle returned by AddTimer is still the one reinserted for the
	// next period, not a throwaway the caller has no way to reach.
	r.True(ts.Cancel(timer))
	r.True(timer.Cancelled())

	time.Sleep(20 * time.Millisecond)
	r.Empty(ts.DrainExpired())
	r.Equal(1, count)
}

func TestTimerSetOnInsertAtFrontIsSingleFlighted(t *testing.T) {
	r := require.New(t)

	var calls int
	ts := NewTimerSet(func() { calls++ })

	ts.AddTimer(50*time.Millisecond, func() {}, false)
	r.Equal(1, calls)

	// A later deadline does not become the new head.
	ts.AddTimer(100*time.Millisecond, func() {}, false)
	r.Equal(1, calls)

	// An earlier deadline does become the new head, but the wake is
	// suppressed: nobody has drained since the first tickle, so a second
	// tickle would be redundant.
	ts.AddTimer(10*time.Millisecond, func() {}, false)
	r.Equal(1, calls)

	// Draining clears the single-flight bit; the next front-moving insert
	// tickles again.
	time.Sleep(20 * time.Millisecond)
	ts.DrainExpired()
	ts.AddTimer(5*time.Millisecond, func() {}, false)
	r.Equal(2, calls)
}

func TestTimerSetClockRollbackFlushesAll(t *testing.T) {
	r := require.New(t)

	ts := NewTimerSet(nil)
	now := time.Now()
	ts.now = func() time.Time { return now }

	fired := false
	ts.AddTimer(time.Hour, func() { fired = true }, false)
	r.Greater(ts.NextTimeout(), 30*time.Minute)

	// Jump the clock backward by more than the rollback threshold.
	now = now.Add(-2 * time.Hour)
	r.Equal(time.Duration(0), ts.NextTimeout())

	for _, cb := range ts.DrainExpired() {
		cb()
	}
	r.True(fired)
}
