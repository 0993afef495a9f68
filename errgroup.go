package corlib

import (
	"context"
	"sync"
)

// ErrGroup manages a group of coroutines and collects the first error
// any of them returns. It is the corlib analogue of
// golang.org/x/sync/errgroup, built on coroutine suspension rather than
// OS thread blocking.
type ErrGroup interface {
	// Go starts a new coroutine running f with the group's context.
	Go(f func(context.Context) error)
	// GoWithContext starts a new coroutine running f with ctx, which
	// must be derived from the same coroutine that created the group.
	GoWithContext(ctx context.Context, f func(context.Context) error)
	// Wait suspends the calling coroutine until every started coroutine
	// has returned, then returns the first error any of them produced.
	Wait(ctx context.Context) error
}

// errGroup implements ErrGroup.
type errGroup struct {
	parent *Coroutine
	ctx    context.Context
	cancel func(error)
	wg     WaitGroup

	mu  sync.Mutex
	err error
}

// NewErrGroup creates an ErrGroup rooted at ctx's coroutine. It derives
// a cancellable context shared by every coroutine the group starts; the
// first error any of them returns cancels it. ctx must carry a
// coroutine (see MustCoroutineFromContext).
func NewErrGroup(ctx context.Context) ErrGroup {
	return newErrGroup(ctx)
}

func newErrGroup(ctx context.Context) *errGroup {
	parent := MustCoroutineFromContext(ctx)
	child, cancel := context.WithCancelCause(ctx)
	return &errGroup{parent: parent, ctx: child, cancel: func(err error) { cancel(err) }}
}

func (g *errGroup) Go(f func(context.Context) error) {
	g.goctx(g.ctx, f)
}

func (g *errGroup) GoWithContext(ctx context.Context, f func(context.Context) error) {
	if co, ok := CoroutineFromContext(ctx); !ok || co != g.parent {
		panic("corlib: ctx does not belong to this errgroup's coroutine")
	}
	g.goctx(ctx, f)
}

func (g *errGroup) goctx(ctx context.Context, f func(context.Context) error) {
	g.wg.Add(ctx, 1)
	Go(ctx, func(ctx context.Context) {
		defer g.wg.Done(ctx)
		if err := f(ctx); err != nil {
			g.mu.Lock()
			first := g.err == nil
			if first {
				g.err = err
			}
			g.mu.Unlock()
			if first && g.cancel != nil {
				g.cancel(err)
			}
		}
	})
}

func (g *errGroup) Wait(ctx context.Context) error {
	g.wg.Wait(ctx)
	g.mu.Lock()
	err := g.err
	g.mu.Unlock()
	if g.cancel != nil {
		g.cancel(err)
	}
	return err
}
