package corlib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFdTableGetProbesSocketAndForcesNonblocking(t *testing.T) {
	r := require.New(t)

	fdA, fdB := socketpair(t)
	defer unix.Close(fdA)
	defer unix.Close(fdB)

	flagsBefore, err := unix.FcntlInt(uintptr(fdA), unix.F_GETFL, 0)
	r.NoError(err)
	r.Zero(flagsBefore & unix.O_NONBLOCK)

	table := NewFdTable()
	attr := table.Get(fdA, true)
	r.True(attr.IsSocket())
	r.True(attr.SystemNonblocking())
	r.False(attr.UserNonblocking())

	flagsAfter, err := unix.FcntlInt(uintptr(fdA), unix.F_GETFL, 0)
	r.NoError(err)
	r.NotZero(flagsAfter & unix.O_NONBLOCK)

	// Repeated Get returns the same record, not a fresh probe.
	again := table.Get(fdA, true)
	r.Same(attr, again)
}

func TestFdTableGetWithoutAutoCreateReturnsNil(t *testing.T) {
	r := require.New(t)
	table := NewFdTable()
	r.Nil(table.Get(999, false))
	r.Nil(table.Get(-1, true))
}

func TestFdTableDelMarksClosed(t *testing.T) {
	r := require.New(t)

	fdA, fdB := socketpair(t)
	defer unix.Close(fdA)
	defer unix.Close(fdB)

	table := NewFdTable()
	attr := table.Get(fdA, true)
	r.False(attr.Closed())

	table.Del(fdA)
	r.True(attr.Closed())
	r.Nil(table.Get(fdA, false))
}

func TestFdAttrTimeoutPerDirection(t *testing.T) {
	r := require.New(t)

	attr := &FdAttr{}
	r.Equal(noTimeout, attr.Timeout(EventRead))
	r.Equal(noTimeout, attr.Timeout(EventWrite))

	attr.SetTimeout(EventRead, 100*time.Millisecond)
	attr.SetTimeout(EventWrite, 250*time.Millisecond)
	r.Equal(100*time.Millisecond, attr.Timeout(EventRead))
	r.Equal(250*time.Millisecond, attr.Timeout(EventWrite))
}

func TestRuntimeFcntlReconcilesUserIntentAgainstForcedNonblock(t *testing.T) {
	r := require.New(t)

	io, rt := newTestIOManager(t)
	_ = io

	fdA, fdB := socketpair(t)
	defer unix.Close(fdA)
	defer unix.Close(fdB)

	flags, err := rt.Fcntl(fdA, unix.F_GETFL, 0)
	r.NoError(err)
	r.Zero(flags & unix.O_NONBLOCK)

	_, err = rt.Fcntl(fdA, unix.F_SETFL, unix.O_NONBLOCK)
	r.NoError(err)

	flags, err = rt.Fcntl(fdA, unix.F_GETFL, 0)
	r.NoError(err)
	r.NotZero(flags & unix.O_NONBLOCK)

	// The kernel is always nonblocking underneath regardless of what was
	// requested.
	raw, err := unix.FcntlInt(uintptr(fdA), unix.F_GETFL, 0)
	r.NoError(err)
	r.NotZero(raw & unix.O_NONBLOCK)
}
