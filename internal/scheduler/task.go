// Package scheduler implements the kind/priority/state task model of the
// query-processing engine.
//
// Go's net package already supplies I/O multiplexing via the runtime
// netpoller, so here the task vocabulary (state machine, priority, kind)
// is kept as an explicit type that travels with a request end to end,
// while the "wait for I/O readiness" step is a goroutine parked on a
// net.Conn/net.PacketConn read rather than a hand-gathered fd set.
package scheduler

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"
)

// Priority orders NORMAL-queue draining, high to low.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Kind selects which of the three kind-indexed queues a task belongs to.
type Kind int

const (
	KindNormal Kind = iota
	KindIO
	KindPeriodic
)

// State is the task's position in its processing state machine.
type State int

const (
	StateNeedRead State = iota
	StateNeedQuestion
	StateNeedAnswer
	StateNeedRecursiveFwd
	StateNeedRecursiveFwdWrite
	StateNeedRecursiveFwdRetry
	StateNeedWrite
	StateNeedCleanup
)

func (s State) String() string {
	switch s {
	case StateNeedRead:
		return "NEED_READ"
	case StateNeedQuestion:
		return "NEED_QUESTION"
	case StateNeedAnswer:
		return "NEED_ANSWER"
	case StateNeedRecursiveFwd:
		return "NEED_RECURSIVE_FWD"
	case StateNeedRecursiveFwdWrite:
		return "NEED_RECURSIVE_FWD_WRITE"
	case StateNeedRecursiveFwdRetry:
		return "NEED_RECURSIVE_FWD_RETRY"
	case StateNeedWrite:
		return "NEED_WRITE"
	case StateNeedCleanup:
		return "NEED_CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Protocol is the transport the task arrived on.
type Protocol int

const (
	ProtocolDatagram Protocol = iota
	ProtocolStream
)

// Task is the unit of work for one query lifecycle. There is no separate
// free-callback to invoke: cleanup happens when the goroutine that owns
// the task returns, carried by its own call stack and closures.
type Task struct {
	TxID       uint16 // client-chosen transaction id
	InternalID uint16 // server-chosen id correlating upstream replies
	Protocol   Protocol
	Peer       net.Addr

	QName  string
	QType  uint16
	QClass uint16

	Priority Priority
	Kind     Kind
	State    State
	Deadline time.Time

	Retries int
}

// Transition advances the task to the next state and extends its deadline.
func (t *Task) Transition(next State, deadline time.Time) {
	t.State = next
	t.Deadline = deadline
}

// NewInternalID derives a task's InternalID from a fresh uuid, giving each
// task a server-chosen id independent of the client's TxID for log
// correlation across the goroutines that touch it.
func NewInternalID() uint16 {
	id := uuid.New()
	return binary.BigEndian.Uint16(id[:2])
}

// PriorityForQuery assigns priority: local authoritative queries are
// normal; queries that must forward or run administrative work (IXFR GC)
// are low because they hold resources longer.
func PriorityForQuery(mustForward bool) Priority {
	if mustForward {
		return PriorityLow
	}
	return PriorityNormal
}
