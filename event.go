package corlib

import "fmt"

// Event is a readiness direction: Read, Write, or both. It doubles as
// the FdContext registration mask.
type Event uint8

const (
	EventNone Event = 0
	// EventRead is readiness to read. A hangup/error condition is not
	// carried in this bit but in readyEvent.errHup, which the I/O
	// manager maps onto both directions currently registered.
	EventRead Event = 1 << 0
	// EventWrite is readiness to write.
	EventWrite Event = 1 << 1
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// readyEvent is one descriptor's worth of poller output: which
// directions fired, and whether the kernel reported an error/hangup
// condition that should be treated as readiness on every registered
// direction.
type readyEvent struct {
	fd     int
	mask   Event
	errHup bool
}
