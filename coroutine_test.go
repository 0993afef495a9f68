package corlib

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoroutineResumeYieldRoundTrip(t *testing.T) {
	r := require.New(t)

	var trace []string
	co := NewCoroutine(func(ctx context.Context) {
		trace = append(trace, "start")
		ctx = MustCoroutineFromContext(ctx).Yield(ctx)
		trace = append(trace, ctx.Value(ctxKeyTestLabel{}).(string))
	}, 0, ReturnToRoot)

	ctx := withCoroutine(context.Background(), co)
	r.Equal(StateReady, co.State())

	co.Resume(ctx)
	r.Equal(StateReady, co.State())
	r.Equal([]string{"start"}, trace)

	ctx = context.WithValue(ctx, ctxKeyTestLabel{}, "resumed")
	co.Resume(ctx)
	r.Equal(StateTerm, co.State())
	r.Equal([]string{"start", "resumed"}, trace)
}

type ctxKeyTestLabel struct{}

func TestCoroutineResumeOfTerminatedPanics(t *testing.T) {
	r := require.New(t)

	co := NewCoroutine(func(ctx context.Context) {}, 0, ReturnToRoot)
	co.Resume(withCoroutine(context.Background(), co))
	r.Equal(StateTerm, co.State())

	r.Panics(func() {
		co.Resume(withCoroutine(context.Background(), co))
	})
}

func TestCoroutineResumeOfRunningPanics(t *testing.T) {
	r := require.New(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var inner *Coroutine
	co := NewCoroutine(func(ctx context.Context) {
		close(entered)
		<-release
	}, 0, ReturnToRoot)
	inner = co

	go func() {
		inner.Resume(withCoroutine(context.Background(), inner))
	}()
	<-entered

	r.Panics(func() {
		co.Resume(withCoroutine(context.Background(), co))
	})
	close(release)
}

func TestCoroutinePanicPropagatesToResume(t *testing.T) {
	r := require.New(t)

	co := NewCoroutine(func(ctx context.Context) {
		panic("boom")
	}, 0, ReturnToRoot)

	r.PanicsWithValue("boom", func() {
		co.Resume(withCoroutine(context.Background(), co))
	})
	r.Equal(StateTerm, co.State())
}

func TestCoroutineYieldFromNonRunningPanics(t *testing.T) {
	r := require.New(t)

	co := NewCoroutine(func(ctx context.Context) {}, 0, ReturnToRoot)
	r.Panics(func() {
		co.Yield(context.Background())
	})
}
