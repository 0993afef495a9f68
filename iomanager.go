package corlib

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// defaultPollTimeoutCeiling bounds how long a single idle-loop poll ever
// blocks, regardless of how far out the next timer is, so a newly
// scheduled timer set after the poll began is never starved for more
// than this long.
const defaultPollTimeoutCeiling = 5 * time.Second

const defaultEventBufSize = 256

// EventContext is one direction's worth of a registered fd wait: either
// the coroutine to resume or the callable to run when the direction
// fires, plus the scheduler it should be rescheduled on. The scheduler
// reference is non-owning (REDESIGN FLAGS): the IOManager embeds the
// scheduler it fires onto, it does not keep this alive.
type EventContext struct {
	scheduler *Scheduler
	coroutine *Coroutine
	callable  func(context.Context)
}

func (ec *EventContext) empty() bool {
	return ec.coroutine == nil && ec.callable == nil
}

// FdContext is one descriptor's registration record: which directions
// are currently subscribed with the readiness notifier, and what fires
// for each.
type FdContext struct {
	mu       sync.Mutex
	fd       int
	mask     Event
	waiters  [2]EventContext // index 0 = read, 1 = write
}

func dirIndex(dir Event) int {
	if dir == EventWrite {
		return 1
	}
	return 0
}

// IOManager couples a Scheduler to a kernel readiness notifier and a
// timer set: it is the scheduler's idle loop, replaced with one that
// blocks on epoll/kqueue instead of sleeping, and harvests both expired
// timers and ready descriptors into scheduler tasks on each wakeup.
type IOManager struct {
	*Scheduler

	timers *TimerSet
	poll   *poller

	wakeupRead  int
	wakeupWrite int

	pollTimeoutCeiling time.Duration
	eventBufSize       int

	pending atomic.Int64

	fdsMu sync.RWMutex
	fds   []*FdContext

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewIOManager constructs an IOManager per opts, wiring its own
// readiness notifier and wakeup primitive. It does not start any
// workers; call Start (and RunCaller, if WithCaller was set) for that.
func NewIOManager(opts ...Option) (*IOManager, error) {
	cfg := schedulerConfig{
		workers:            1,
		name:               "corlib-io",
		logger:             NoOpLogger{},
		pollTimeoutCeiling: defaultPollTimeoutCeiling,
		eventBufSize:       defaultEventBufSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sched := NewScheduler(func(c *schedulerConfig) { *c = cfg })

	p, err := newPoller(cfg.eventBufSize)
	if err != nil {
		return nil, err
	}

	rfd, wfd, err := createWakeup()
	if err != nil {
		p.close()
		return nil, fmt.Errorf("corlib: create wakeup: %w", err)
	}
	if err := p.add(rfd, EventRead); err != nil {
		p.close()
		closeWakeup(rfd, wfd)
		return nil, err
	}

	m := &IOManager{
		Scheduler:           sched,
		timers:              NewTimerSet(nil),
		poll:                p,
		wakeupRead:          rfd,
		wakeupWrite:         wfd,
		pollTimeoutCeiling:  cfg.pollTimeoutCeiling,
		eventBufSize:        cfg.eventBufSize,
		fds:                 make([]*FdContext, 64),
	}
	m.timers.onInsertAtFront = m.Tickle
	m.tickleFunc = m.Tickle
	m.idleFunc = m.idleLoop
	m.stoppingFunc = m.ioStopping
	return m, nil
}

func closeWakeup(readFd, writeFd int) {
	unix.Close(readFd)
	if writeFd != readFd {
		unix.Close(writeFd)
	}
}

// Timers exposes the manager's timer set.
func (m *IOManager) Timers() *TimerSet { return m.timers }

// AddTimer schedules cb to fire after d on the manager's timer set. It
// returns nil if the manager has already been closed.
func (m *IOManager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	if m.closed.Load() {
		return nil
	}
	return m.timers.AddTimer(d, cb, recurring)
}

func (m *IOManager) fdContext(fd int, autoCreate bool) *FdContext {
	m.fdsMu.RLock()
	if fd < len(m.fds) && m.fds[fd] != nil {
		fc := m.fds[fd]
		m.fdsMu.RUnlock()
		return fc
	}
	m.fdsMu.RUnlock()

	if !autoCreate {
		return nil
	}

	m.fdsMu.Lock()
	defer m.fdsMu.Unlock()
	if fd >= len(m.fds) {
		grown := make([]*FdContext, int(float64(fd)*1.5)+1)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = &FdContext{fd: fd}
	}
	return m.fds[fd]
}

// AddEvent registers interest in dir on fd. cb, if non-nil, is invoked
// (on the IOManager's scheduler) when dir fires; otherwise the
// coroutine currently running on ctx is captured and resumed instead.
// It is an error to register a direction that is already registered.
func (m *IOManager) AddEvent(ctx context.Context, fd int, dir Event, cb func(context.Context)) error {
	if m.closed.Load() {
		return ErrClosed
	}
	fc := m.fdContext(fd, true)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	idx := dirIndex(dir)
	if fc.mask&dir != 0 {
		return ErrAlready
	}

	newMask := fc.mask | dir
	var err error
	if fc.mask == EventNone {
		err = m.poll.add(fd, newMask)
	} else {
		err = m.poll.modify(fd, newMask)
	}
	if err != nil {
		return err
	}
	fc.mask = newMask

	ec := EventContext{scheduler: m.Scheduler}
	if cb != nil {
		ec.callable = cb
	} else {
		ec.coroutine = MustCoroutineFromContext(ctx)
	}
	fc.waiters[idx] = ec
	m.pending.Add(1)
	return nil
}

// DelEvent clears dir's registration on fd without firing it.
func (m *IOManager) DelEvent(fd int, dir Event) error {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return nil
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	idx := dirIndex(dir)
	if fc.mask&dir == 0 {
		return nil
	}
	fc.waiters[idx] = EventContext{}
	fc.mask &^= dir
	m.pending.Add(-1)

	if fc.mask == EventNone {
		return m.poll.del(fd)
	}
	return m.poll.modify(fd, fc.mask)
}

// CancelEvent clears dir's registration and immediately fires whatever
// was waiting on it, on its own recorded scheduler.
func (m *IOManager) CancelEvent(fd int, dir Event) error {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return nil
	}

	fc.mu.Lock()
	idx := dirIndex(dir)
	if fc.mask&dir == 0 {
		fc.mu.Unlock()
		return nil
	}
	ec := fc.waiters[idx]
	fc.waiters[idx] = EventContext{}
	fc.mask &^= dir
	remaining := fc.mask
	fc.mu.Unlock()

	m.pending.Add(-1)

	var err error
	if remaining == EventNone {
		err = m.poll.del(fd)
	} else {
		err = m.poll.modify(fd, remaining)
	}
	m.fire(ec)
	return err
}

// CancelAll deletes fd from the readiness notifier outright and fires
// every direction that was still armed.
func (m *IOManager) CancelAll(fd int) error {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return nil
	}

	fc.mu.Lock()
	read := fc.waiters[0]
	write := fc.waiters[1]
	hadMask := fc.mask != EventNone
	fc.waiters = [2]EventContext{}
	fc.mask = EventNone
	fc.mu.Unlock()

	var err error
	if hadMask {
		err = m.poll.del(fd)
	}
	if !read.empty() {
		m.pending.Add(-1)
		m.fire(read)
	}
	if !write.empty() {
		m.pending.Add(-1)
		m.fire(write)
	}
	return err
}

func (m *IOManager) fire(ec EventContext) {
	if ec.empty() {
		return
	}
	if ec.coroutine != nil {
		ec.scheduler.Schedule(TaskFromCoroutine(ec.coroutine), AnyWorker)
		return
	}
	ec.scheduler.Schedule(TaskFromFunc(ec.callable), AnyWorker)
}

// Tickle wakes a worker blocked in the readiness-notifier wait, but
// only if one is actually idle: a wakeup fd write is comparatively
// expensive, so this skips it when every worker is already busy and
// will notice the new work on its own.
func (m *IOManager) Tickle() {
	if m.idleN.Load() == 0 {
		return
	}
	if err := wakeupSignal(m.wakeupWrite); err != nil {
		m.logger.Log(LogWarn, "iomanager", "tickle failed", map[string]any{"error": err.Error()})
	}
}

// ioStopping overrides the base scheduler's Stopping: an IOManager may
// not shut down while it still has armed event registrations or a
// future timer, even if its task queue has drained.
func (m *IOManager) ioStopping() bool {
	if !m.Scheduler.baseStopping() {
		return false
	}
	return m.pending.Load() == 0 && m.timers.NextTimeout() < 0
}

// idleLoop is installed as the scheduler's idle function: instead of
// sleeping, it blocks on the readiness notifier for up to the earliest
// timer deadline (capped at pollTimeoutCeiling), then harvests expired
// timers and ready descriptors into freshly scheduled tasks.
func (m *IOManager) idleLoop(ctx context.Context) {
	co := MustCoroutineFromContext(ctx)
	buf := make([]readyEvent, 0, m.eventBufSize)

	for {
		if m.stoppingFunc() {
			return
		}

		timeout := m.timers.NextTimeout()
		if timeout < 0 || timeout > m.pollTimeoutCeiling {
			timeout = m.pollTimeoutCeiling
		}

		ready := m.poll.wait(timeout, buf[:0])

		for _, cb := range m.timers.DrainExpired() {
			m.Schedule(TaskFromFunc(func(context.Context) { cb() }), AnyWorker)
		}

		for _, re := range ready {
			if re.fd == m.wakeupRead {
				wakeupDrain(m.wakeupRead)
				continue
			}
			m.handleReady(re)
		}

		ctx = co.Yield(ctx)
	}
}

// handleReady reconciles one descriptor's readiness report against its
// FdContext: an error/hangup is treated as readiness on every currently
// registered direction, fired directions are cleared and their
// remaining subscription re-armed with the kernel, and each fired
// waiter is scheduled.
func (m *IOManager) handleReady(re readyEvent) {
	fc := m.fdContext(re.fd, false)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	mask := re.mask
	if re.errHup {
		mask |= fc.mask
	}
	fired := fc.mask & mask
	remaining := fc.mask &^ fired

	var toFire []EventContext
	if fired&EventRead != 0 {
		toFire = append(toFire, fc.waiters[0])
		fc.waiters[0] = EventContext{}
	}
	if fired&EventWrite != 0 {
		toFire = append(toFire, fc.waiters[1])
		fc.waiters[1] = EventContext{}
	}
	fc.mask = remaining
	fc.mu.Unlock()

	if fired == EventNone {
		return
	}

	var err error
	if remaining == EventNone {
		err = m.poll.del(re.fd)
	} else {
		err = m.poll.modify(re.fd, remaining)
	}
	if err != nil {
		m.logger.Log(LogError, "iomanager", "re-arm failed", map[string]any{"fd": re.fd, "error": err.Error()})
	}

	for _, ec := range toFire {
		m.pending.Add(-1)
		m.fire(ec)
	}
}

// Close stops the manager, joins every worker, and releases the
// readiness notifier and wakeup primitive. It is idempotent.
func (m *IOManager) Close() error {
	m.closed.Store(true)
	m.Stop()
	var err error
	m.closeOnce.Do(func() {
		err = m.poll.close()
		closeWakeup(m.wakeupRead, m.wakeupWrite)
	})
	return err
}
