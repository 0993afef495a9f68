package corlib

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// CoroutineState is the run-state of a Coroutine.
type CoroutineState int32

const (
	// StateReady means the coroutine has not started, or has yielded and
	// is waiting to be resumed.
	StateReady CoroutineState = iota
	// StateRunning means the coroutine is currently executing.
	StateRunning
	// StateTerm means the coroutine's entry callable has returned or
	// panicked. A terminated coroutine is never resumed again.
	StateTerm
)

func (s CoroutineState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerm:
		return "term"
	default:
		return fmt.Sprintf("CoroutineState(%d)", int32(s))
	}
}

// ReturnTo fixes, at construction, which logical caller a coroutine
// yields back into. The source encoded this as a boolean
// ("returns_to_scheduler"); REDESIGN FLAGS calls for an explicit enum.
type ReturnTo int

const (
	// ReturnToScheduler is used for coroutines spawned to run scheduler
	// tasks and the idle loop: control returns to the scheduler
	// coroutine that resumed them.
	ReturnToScheduler ReturnTo = iota
	// ReturnToRoot is used for coroutines that should yield straight
	// back to a worker's root goroutine, bypassing the scheduler.
	ReturnToRoot
)

// DefaultStackSize is the stack-size hint used when NewCoroutine is
// given a non-positive size, matching the source's 128 KiB default. The
// Go runtime grows the backing goroutine's actual stack itself; this
// value is kept only for API fidelity and reporting.
const DefaultStackSize = 128 * 1024

var nextCoroutineID atomic.Uint64

// Coroutine is a stackful-style execution context with explicit
// yield/resume. It is backed by a dedicated goroutine parked on an
// unbuffered handshake channel pair: at most one side of the pair is
// ever runnable at a time, which gives the "exactly one coroutine
// Running" invariant without needing real stack switching. This is the
// same technique the teacher's coroutine dependency uses internally.
type Coroutine struct {
	noCopy noCopy

	id        uint64
	stackSize int
	returnTo  ReturnTo
	entry     func(context.Context)

	state atomic.Int32

	startOnce sync.Once
	resumeCh  chan context.Context
	yieldCh   chan context.Context

	panicVal any
}

// NewCoroutine creates a READY coroutine. entry is not invoked until
// the first Resume; a clean return from entry transitions the
// coroutine to Term and yields one last time so Resume can return.
func NewCoroutine(entry func(context.Context), stackSize int, returnTo ReturnTo) *Coroutine {
	if entry == nil {
		panic("corlib: coroutine entry must not be nil")
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &Coroutine{
		id:        nextCoroutineID.Add(1),
		stackSize: stackSize,
		returnTo:  returnTo,
		entry:     entry,
		resumeCh:  make(chan context.Context),
		yieldCh:   make(chan context.Context),
	}
}

// ID returns the coroutine's unique id.
func (c *Coroutine) ID() uint64 { return c.id }

// StackSize reports the stack-size hint this coroutine was created with.
func (c *Coroutine) StackSize() int { return c.stackSize }

// State returns the coroutine's current run-state.
func (c *Coroutine) State() CoroutineState {
	return CoroutineState(c.state.Load())
}

// ReturnTo reports which logical caller this coroutine yields into.
func (c *Coroutine) ReturnTo() ReturnTo { return c.returnTo }

// Resume switches control to the coroutine, handing it ctx as the
// context for this slice of execution (entry sees it on first Resume;
// a suspended Yield call sees it as its return value on later Resumes).
// It must be called on a Ready coroutine from its owning worker's root
// or scheduler coroutine; resuming a Term coroutine, or a coroutine
// that is already Running, is a programmer error and panics, matching
// the source's assert(). Resume blocks until the coroutine yields or
// terminates, and re-panics with the coroutine's own panic value if
// entry panicked.
func (c *Coroutine) Resume(ctx context.Context) {
	switch c.State() {
	case StateTerm:
		panic(fmt.Sprintf("corlib: resume of terminated coroutine %d", c.id))
	case StateRunning:
		panic(fmt.Sprintf("corlib: resume of already-running coroutine %d", c.id))
	}

	c.state.Store(int32(StateRunning))
	c.startOnce.Do(func() { go c.loop() })
	c.resumeCh <- ctx
	<-c.yieldCh

	if p := c.panicVal; p != nil {
		c.panicVal = nil
		panic(p)
	}
}

// Yield suspends the running coroutine, handing ctx to whichever
// goroutine most recently called Resume, and returns the context the
// next Resume call supplies. It must be called from inside the
// coroutine's own entry callable (directly or transitively). Calling it
// while the coroutine is not Running panics; which goroutine calls it
// is not checked.
func (c *Coroutine) Yield(ctx context.Context) context.Context {
	if c.State() != StateRunning {
		panic("corlib: yield from a non-running coroutine")
	}
	c.state.Store(int32(StateReady))
	c.yieldCh <- ctx
	next := <-c.resumeCh
	c.state.Store(int32(StateRunning))
	return next
}

func (c *Coroutine) loop() {
	var ctx context.Context
	defer func() {
		if r := recover(); r != nil {
			c.panicVal = r
		}
		c.state.Store(int32(StateTerm))
		c.yieldCh <- ctx
	}()
	ctx = <-c.resumeCh
	c.entry(ctx)
}
