// Package scheduler implements spec §4.4: threads, per-CPU run queues
// banded by priority, blocking on endpoints/timers, preemption, and
// cancellation.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// NumBands is the fixed priority-band count (spec §4.4 design value).
const NumBands = 8

// DefaultSlice is the design-value FIFO time-slice within a band.
const DefaultSlice = 10 * time.Millisecond

// State is a thread's scheduling state (spec §3).
type State int

const (
	Spawned State = iota
	Runnable
	Running
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "Spawned"
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// BlockReason names what a Blocked thread is waiting for (spec §4.4
// state diagram).
type BlockReason int

const (
	ReasonNone BlockReason = iota
	ReasonIPCSend
	ReasonIPCReceive
	ReasonIPCReply
	ReasonTimer
	ReasonCancelled
)

// WakeEvent is delivered to a blocked thread's waiter when it becomes
// runnable again, carrying why.
type WakeEvent struct {
	Reason    BlockReason
	Cancelled bool
	TimedOut  bool
}

// Thread is spec §3's per-process execution context: priority, state,
// and (for components whose calling goroutine models "the thread
// itself blocking in the kernel") a wake channel a caller can select on.
type Thread struct {
	ID       uint64
	PID      uint64
	Priority int // band index, 0 (lowest) .. NumBands-1 (highest)

	mu          sync.Mutex
	state       State
	blockReason BlockReason
	cancelled   atomic.Bool
	wake        chan WakeEvent
	timer       *time.Timer
}

func newThread(id, pid uint64, priority int) *Thread {
	if priority < 0 {
		priority = 0
	}
	if priority >= NumBands {
		priority = NumBands - 1
	}
	return &Thread{
		ID:       id,
		PID:      pid,
		Priority: priority,
		state:    Spawned,
		wake:     make(chan WakeEvent, 1),
	}
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancelled reports whether Cancel has been called on this thread; a
// tight userspace loop with no syscalls only observes this at its next
// suspension point (spec §5).
func (t *Thread) Cancelled() bool { return t.cancelled.Load() }

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
