package corlib

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// rollbackThreshold is how far backward the clock must jump, relative
// to the previous observation, before the timer set treats it as a
// rollback and flushes every pending timer rather than leaving them to
// fire (possibly much) later than intended.
const rollbackThreshold = time.Hour

// Timer is a handle to a single scheduled callable. It is returned by
// AddTimer/AddConditionalTimer and passed back into Cancel/Refresh/Reset.
// A Timer is only ever mutated while its owning TimerSet's lock is held.
type Timer struct {
	deadline  time.Time
	period    time.Duration
	recurring bool
	cb        func()
	seq       uint64 // insertion sequence, breaks deadline ties
	index     int    // heap index, maintained by container/heap
}

// Cancelled reports whether this timer has been cancelled or, if it is
// one-shot, has already fired, and so no longer has a callable to
// invoke. A recurring timer that has fired keeps its callable.
func (t *Timer) Cancelled() bool { return t.cb == nil }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerSet is an ordered collection of deadlines, backed by a
// container/heap min-heap ordered by deadline (ties broken by
// insertion order). It is safe for concurrent use.
type TimerSet struct {
	mu             sync.Mutex
	heap           timerHeap
	seq            uint64
	prevNow        time.Time
	tickledOnFront bool

	// onInsertAtFront, if set, is invoked (outside the lock) whenever an
	// insertion makes a new timer the earliest in the set. The I/O
	// manager uses this to wake a possibly-sleeping idle loop so its
	// poll timeout gets recomputed against the new deadline.
	onInsertAtFront func()

	now func() time.Time
}

// NewTimerSet constructs an empty TimerSet. onInsertAtFront may be nil.
func NewTimerSet(onInsertAtFront func()) *TimerSet {
	return &TimerSet{
		onInsertAtFront: onInsertAtFront,
		now:             time.Now,
		prevNow:         time.Now(),
	}
}

// AddTimer schedules cb to run after d (and every d thereafter, if
// recurring). It returns a handle usable with Cancel/Refresh/Reset.
func (s *TimerSet) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return s.addTimer(d, cb, recurring)
}

// AddConditionalTimer is the generic counterpart of AddTimer: at fire
// time cb only runs if witness is still reachable (i.e. something else
// still holds a strong reference to it). It elides a fire for an
// operation whose result has already been observed on some other path,
// the same pattern the source implements with a weak_ptr witness. witness
// must be a pointer; a non-pointer T makes this a compile error.
func AddConditionalTimer[T any](s *TimerSet, d time.Duration, cb func(), witness *T, recurring bool) *Timer {
	w := weak.Make(witness)
	return s.addTimer(d, func() {
		if w.Value() == nil {
			return
		}
		cb()
	}, recurring)
}

func (s *TimerSet) addTimer(d time.Duration, cb func(), recurring bool) *Timer {
	s.mu.Lock()
	now := s.observeNow()
	s.seq++
	t := &Timer{
		deadline:  now.Add(d),
		period:    d,
		recurring: recurring,
		cb:        cb,
		seq:       s.seq,
	}
	heap.Push(&s.heap, t)
	// Single-flight the wake: only the insert that first makes the set
	// non-empty-at-the-front needs to tickle anyone. If an earlier insert
	// already moved the front and nobody has drained since, a second
	// front-moving insert (necessarily to an even earlier deadline) would
	// otherwise tickle again for no reason.
	front := s.heap[0] == t && !s.tickledOnFront
	if front {
		s.tickledOnFront = true
	}
	s.mu.Unlock()

	if front && s.onInsertAtFront != nil {
		s.onInsertAtFront()
	}
	return t
}

// Cancel removes t from the set if still present, nulling its
// callable so any concurrently-firing reference to it becomes inert.
// It reports whether t was still pending.
func (s *TimerSet) Cancel(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 || t.cb == nil {
		return false
	}
	heap.Remove(&s.heap, t.index)
	t.cb = nil
	return true
}

// Refresh reinserts t at now + its configured period, matching the
// source's refresh() (monotonic-forward reschedule from "now").
func (s *TimerSet) Refresh(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 || t.cb == nil {
		return false
	}
	heap.Remove(&s.heap, t.index)
	s.seq++
	t.seq = s.seq
	t.deadline = s.observeNow().Add(t.period)
	heap.Push(&s.heap, t)
	return true
}

// Reset changes t's period to d. If fromNow, the new deadline is
// now + d; otherwise it is computed relative to the timer's existing
// deadline (old_deadline - old_period + d), matching the source.
func (s *TimerSet) Reset(t *Timer, d time.Duration, fromNow bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 || t.cb == nil {
		return false
	}
	heap.Remove(&s.heap, t.index)
	if fromNow {
		t.deadline = s.observeNow().Add(d)
	} else {
		t.deadline = t.deadline.Add(d - t.period)
	}
	t.period = d
	s.seq++
	t.seq = s.seq
	heap.Push(&s.heap, t)
	return true
}

// NextTimeout reports how long until the earliest timer is due: zero
// if it is already due, -1 if the set is empty.
func (s *TimerSet) NextTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return -1
	}
	d := s.heap[0].deadline.Sub(s.observeNow())
	if d < 0 {
		return 0
	}
	return d
}

// DrainExpired removes and returns the callables of every timer whose
// deadline has passed, reinserting recurring timers at now + period.
// A conditional timer's callable is returned like any other; it checks
// its witness when invoked and does nothing if the witness is gone.
func (s *TimerSet) DrainExpired() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.observeNow()
	var out []func()
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		t := heap.Pop(&s.heap).(*Timer)
		cb := t.cb
		if cb == nil {
			continue
		}
		out = append(out, cb)
		if t.recurring {
			// Reuse the same handle so a caller's Cancel/Refresh/Reset
			// keeps working across expiries, instead of silently going
			// stale the moment the timer first fires.
			s.seq++
			t.seq = s.seq
			t.deadline = now.Add(t.period)
			heap.Push(&s.heap, t)
		} else {
			t.cb = nil
		}
	}
	s.tickledOnFront = false
	return out
}

// observeNow reads the wall clock and, if it has jumped backward by
// more than rollbackThreshold since the last observation, flushes every
// pending timer into an expired state by pulling the deadline of the
// whole heap down to now. Must be called with s.mu held.
func (s *TimerSet) observeNow() time.Time {
	now := s.now()
	if s.prevNow.Sub(now) > rollbackThreshold {
		for _, t := range s.heap {
			t.deadline = now
		}
	}
	s.prevNow = now
	return now
}
