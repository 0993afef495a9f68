package corlib

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

// AnyWorker is the affinity value meaning "any worker may claim this
// task", the scheduler's default.
const AnyWorker = -1

// Task is a single unit of scheduler work: either a coroutine to
// resume, or a callable to run to completion inside a fresh coroutine,
// never both. affinity pins it to the worker whose index equals
// affinity, or AnyWorker.
type Task struct {
	coroutine *Coroutine
	callable  func(context.Context)
	affinity  int
}

// TaskFromCoroutine wraps an existing coroutine as a schedulable task.
func TaskFromCoroutine(co *Coroutine) Task {
	if co == nil {
		panic("corlib: TaskFromCoroutine requires a non-nil coroutine")
	}
	return Task{coroutine: co, affinity: AnyWorker}
}

// TaskFromFunc wraps fn as a schedulable task; the scheduler runs it to
// completion inside a fresh, throwaway coroutine.
func TaskFromFunc(fn func(context.Context)) Task {
	if fn == nil {
		panic("corlib: TaskFromFunc requires a non-nil func")
	}
	return Task{callable: fn, affinity: AnyWorker}
}

// WithAffinity returns a copy of t pinned to the given worker index.
// Schedule replaces this value with its own affinity argument.
func (t Task) WithAffinity(workerIdx int) Task {
	t.affinity = workerIdx
	return t
}

// Go schedules fn to run in a new coroutine on ctx's scheduler without
// suspending the calling coroutine, the coroutine-runtime counterpart
// of "go func() { ... }()".
func Go(ctx context.Context, fn func(context.Context)) {
	MustSchedulerFromContext(ctx).Schedule(TaskFromFunc(fn), AnyWorker)
}

// Option configures a Scheduler (or an IOManager, which embeds one) at
// construction. Functional options replace the source's positional
// boolean constructor arguments.
type Option func(*schedulerConfig)

type schedulerConfig struct {
	workers            int
	useCaller          bool
	name               string
	logger             Logger
	stackSize          int
	pollTimeoutCeiling time.Duration
	eventBufSize       int
}

// WithWorkers sets the number of dedicated worker OS threads. It
// defaults to 1.
func WithWorkers(n int) Option {
	return func(c *schedulerConfig) { c.workers = n }
}

// WithCaller makes the goroutine that calls RunCaller serve as worker
// 0, running the worker loop inline instead of spawning an extra OS
// thread for it. When set, the dedicated worker count is reduced by one.
func WithCaller() Option {
	return func(c *schedulerConfig) { c.useCaller = true }
}

// WithName sets the scheduler's name, used as the prefix for worker
// thread names and log lines.
func WithName(name string) Option {
	return func(c *schedulerConfig) { c.name = name }
}

// WithLogger sets the structured logger the scheduler writes through.
// The default is NoOpLogger{}.
func WithLogger(l Logger) Option {
	return func(c *schedulerConfig) { c.logger = l }
}

// WithStackSize sets the stack-size hint passed to every coroutine the
// scheduler creates, for a plain Scheduler and an IOManager alike. It
// is only recorded on each coroutine; it does not change the size of
// the backing goroutine's stack.
func WithStackSize(n int) Option {
	return func(c *schedulerConfig) { c.stackSize = n }
}

// WithPollTimeoutCeiling caps how long an IOManager's idle loop ever
// blocks in a single readiness-notifier wait, regardless of how far out
// the next timer is. It has no effect on a plain Scheduler. Default 5s.
func WithPollTimeoutCeiling(d time.Duration) Option {
	return func(c *schedulerConfig) { c.pollTimeoutCeiling = d }
}

// WithEventBufferSize sets the size of the readiness-notifier's event
// buffer for an IOManager. It has no effect on a plain Scheduler.
// Default 256.
func WithEventBufferSize(n int) Option {
	return func(c *schedulerConfig) { c.eventBufSize = n }
}

// Scheduler is an M:N cooperative runtime: a fixed pool of OS-thread
// workers, each running a loop that pulls tasks off a shared FIFO queue
// and resumes them, falling back to an idle coroutine that parks the
// worker when there is nothing to do.
//
// Tickle and the idle loop are overridable seams (function fields
// rather than virtual methods, since Go has no classical inheritance):
// IOManager rebinds both after embedding a Scheduler, matching the
// source's subclass override of tickle()/idle().
type Scheduler struct {
	noCopy noCopy

	name   string
	logger Logger

	mu    sync.Mutex
	queue deque.Deque[Task]

	stopping atomic.Bool
	started  atomic.Bool
	active   atomic.Int64
	idleN    atomic.Int64

	numWorkers int
	useCaller  bool
	stackSize  int
	workers    []*worker

	tickleFunc   func()
	idleFunc     func(ctx context.Context)
	stoppingFunc func() bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler constructs a Scheduler per opts. It does not start any
// workers; call Start for that.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := schedulerConfig{workers: 1, name: "corlib", logger: NoOpLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Scheduler{
		name:       cfg.name,
		logger:     cfg.logger,
		numWorkers: cfg.workers,
		useCaller:  cfg.useCaller,
		stackSize:  cfg.stackSize,
	}
	s.tickleFunc = s.defaultTickle
	s.idleFunc = s.defaultIdle
	s.stoppingFunc = s.baseStopping
	return s
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// Schedule enqueues task, pinning it to affinity (AnyWorker for none),
// and tickles a sleeping worker if the queue had been empty.
func (s *Scheduler) Schedule(task Task, affinity int) {
	task.affinity = affinity
	s.mu.Lock()
	wasEmpty := s.queue.Len() == 0
	s.queue.PushBack(task)
	s.mu.Unlock()

	if wasEmpty {
		s.tickleFunc()
	}
}

// Start spawns the configured dedicated worker threads. It does not
// block, and does not itself make the calling goroutine a worker even
// if WithCaller was set — call RunCaller for that, separately, once
// Start has returned. It is idempotent: calling it more than once is a
// no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	dedicated := s.numWorkers
	if s.useCaller {
		dedicated--
	}
	if dedicated < 0 {
		dedicated = 0
	}

	s.workers = make([]*worker, 0, dedicated)
	for i := 0; i < dedicated; i++ {
		idx := i
		if s.useCaller {
			idx++ // reserve index 0 for the caller's inline worker
		}
		s.wg.Add(1)
		w := newWorker(idx, workerName(s.name, idx), func() {
			defer s.wg.Done()
			s.workerLoop(idx)
		})
		s.workers = append(s.workers, w)
	}
}

// RunCaller turns the calling goroutine into worker 0 for the lifetime
// of the scheduler, blocking until Stop is called. It must be called
// exactly once, after Start, and only when the scheduler was built with
// WithCaller; otherwise it panics. This mirrors the source's pattern of
// the constructing thread also pumping the scheduler when use_caller is
// set, just split into two explicit calls instead of folded into
// construction.
func (s *Scheduler) RunCaller() {
	if !s.useCaller {
		panic("corlib: RunCaller called without WithCaller")
	}
	s.workerLoop(0)
}

// Stop requests shutdown: it marks the scheduler stopping and tickles
// every worker (including the caller's inline one, if any) so each
// re-checks Stopping() on its next idle wakeup. It returns once every
// dedicated worker thread has exited its loop; if WithCaller was set,
// the caller's own RunCaller call returns on its own once its
// workerLoop observes Stopping(), independently of Stop returning.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		tickles := len(s.workers)
		if s.useCaller {
			tickles++ // wake the caller's inline worker too
		}
		for i := 0; i < tickles; i++ {
			s.tickleFunc()
		}
	})
	for _, w := range s.workers {
		w.Join()
	}
}

// Stopping reports whether Stop has been called, the task queue is
// empty, and no worker currently has a task in hand. It dispatches
// through stoppingFunc, the seam the I/O manager overrides to also
// require no pending events and no future timer.
func (s *Scheduler) Stopping() bool {
	return s.stoppingFunc()
}

func (s *Scheduler) baseStopping() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := s.queue.Len() == 0
	s.mu.Unlock()
	return empty && s.active.Load() == 0
}

// defaultTickle is the base tickle: a no-op placeholder that wakes
// nobody, matching the source's base Scheduler::tickle(); the I/O
// manager overrides it to write to its wakeup fd.
func (s *Scheduler) defaultTickle() {}

// defaultIdle is the base idle loop: sleep one second and yield, matching
// the source's trivial base Scheduler::idle(). The I/O manager
// overrides this to block on its readiness notifier instead.
func (s *Scheduler) defaultIdle(ctx context.Context) {
	co := MustCoroutineFromContext(ctx)
	for !s.stoppingFunc() {
		time.Sleep(time.Second)
		ctx = co.Yield(ctx)
	}
}

// workerLoop is the body every dedicated worker thread (and the
// caller's inline worker, if any) runs. idx is this worker's stable
// affinity key.
func (s *Scheduler) workerLoop(idx int) {
	ctx := withExecState(context.Background(), &execState{scheduler: s, hookEnabled: true})

	idleCo := NewCoroutine(s.idleFunc, s.stackSize, ReturnToScheduler)

	for {
		task, tickleNeeded := s.claim(idx)

		if tickleNeeded {
			s.tickleFunc()
		}

		if task != nil {
			s.active.Add(1)
			s.runTask(ctx, *task)
			s.active.Add(-1)
			continue
		}

		if idleCo.State() == StateTerm {
			return
		}
		if s.stoppingFunc() {
			return
		}

		s.idleN.Add(1)
		idleCo.Resume(withCoroutine(ctx, idleCo))
		s.idleN.Add(-1)
	}
}

// claim removes and returns the first task in the queue whose affinity
// matches idx or AnyWorker. It also reports whether any other task is
// still queued (one skipped for affinity reasons, or one behind the
// claimed task), in which case the caller must tickle so some other
// worker picks it up.
func (s *Scheduler) claim(idx int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.queue.Len()
	tickleNeeded := false
	for i := 0; i < n; i++ {
		t := s.queue.At(i)
		if t.affinity == AnyWorker || t.affinity == idx {
			// Rotate the candidate to the front, pop it, then rotate
			// the displaced prefix back into place: the deque only
			// supports O(1) front/back operations plus Rotate, the
			// same primitive Python's collections.deque exposes.
			if i > 0 {
				s.queue.Rotate(i)
			}
			removed := s.queue.PopFront()
			if i > 0 {
				s.queue.Rotate(-i)
			}
			if i < n-1 {
				tickleNeeded = true
			}
			return &removed, tickleNeeded
		}
		tickleNeeded = true
	}
	return nil, tickleNeeded
}

// runTask resumes task's coroutine, or runs its callable to completion
// inside a fresh one-shot coroutine.
func (s *Scheduler) runTask(ctx context.Context, t Task) {
	co := t.coroutine
	if co == nil {
		co = NewCoroutine(func(ctx context.Context) { t.callable(ctx) }, s.stackSize, ReturnToScheduler)
	}
	co.Resume(withCoroutine(ctx, co))
}
