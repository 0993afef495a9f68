package corlib

import "context"

// execContextKey is the unique type used as the context.Context key for
// the current execution state. State is threaded explicitly through
// context values rather than thread-local storage, per the runtime's
// explicit-handle design (see DESIGN.md).
type execContextKey struct{}

// execState carries the state that the original C++ runtime kept in
// thread_local variables: the running coroutine, the owning scheduler,
// and whether I/O shims are allowed to suspend on this call path.
type execState struct {
	coroutine   *Coroutine
	scheduler   *Scheduler
	hookEnabled bool
}

func withExecState(ctx context.Context, st *execState) context.Context {
	return context.WithValue(ctx, execContextKey{}, st)
}

func stateFromContext(ctx context.Context) (*execState, bool) {
	st, ok := ctx.Value(execContextKey{}).(*execState)
	return st, ok
}

// CoroutineFromContext retrieves the coroutine currently executing on
// ctx's call path, if any.
func CoroutineFromContext(ctx context.Context) (*Coroutine, bool) {
	st, ok := stateFromContext(ctx)
	if !ok || st.coroutine == nil {
		return nil, false
	}
	return st.coroutine, true
}

// MustCoroutineFromContext retrieves the coroutine currently executing
// on ctx's call path, panicking if ctx was not derived from a coroutine
// entry point or worker loop.
func MustCoroutineFromContext(ctx context.Context) *Coroutine {
	co, ok := CoroutineFromContext(ctx)
	if !ok {
		panic("corlib: no coroutine in context")
	}
	return co
}

// SchedulerFromContext retrieves the scheduler that owns the current
// execution path.
func SchedulerFromContext(ctx context.Context) (*Scheduler, bool) {
	st, ok := stateFromContext(ctx)
	if !ok || st.scheduler == nil {
		return nil, false
	}
	return st.scheduler, true
}

// MustSchedulerFromContext retrieves the scheduler owning ctx's
// execution path, panicking if there is none.
func MustSchedulerFromContext(ctx context.Context) *Scheduler {
	sched, ok := SchedulerFromContext(ctx)
	if !ok {
		panic("corlib: no scheduler in context")
	}
	return sched
}

// IsHookEnabled reports whether I/O shims on this call path are allowed
// to suspend the caller on would-block. It is false for any ctx not
// derived from a worker loop or coroutine entry point.
func IsHookEnabled(ctx context.Context) bool {
	st, ok := stateFromContext(ctx)
	return ok && st.hookEnabled
}

// SetHookEnable returns a context whose descendants have I/O-shim
// suspension enabled or disabled. It replaces the source's per-thread
// set_hook_enable(bool): the scope here is the context subtree rather
// than the OS thread, since coroutines are values, not thread-local
// cursors.
func SetHookEnable(ctx context.Context, enable bool) context.Context {
	st, ok := stateFromContext(ctx)
	next := &execState{hookEnabled: enable}
	if ok {
		next.coroutine = st.coroutine
		next.scheduler = st.scheduler
	}
	return withExecState(ctx, next)
}

// withCoroutine returns a context carrying co as the current coroutine,
// preserving whatever scheduler/hook state ctx already has. Callers that
// resume a coroutine build the context this way before handing it to
// Coroutine.Resume, rather than the coroutine capturing a creation-time
// context for its whole lifetime — this lets the scheduler refresh
// per-resume state (e.g. hook-enable) without reaching into the
// coroutine's internals.
func withCoroutine(ctx context.Context, co *Coroutine) context.Context {
	st, ok := stateFromContext(ctx)
	next := &execState{coroutine: co, hookEnabled: true}
	if ok {
		next.scheduler = st.scheduler
		next.hookEnabled = st.hookEnabled
	}
	return withExecState(ctx, next)
}
