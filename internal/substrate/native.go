package substrate

import (
	"sync"
	"time"
)

// Native drives preemption with a real timer, one per CPU, matching
// spec §4.4: "a timer interrupt bumps the preemption flag" on x86_64.
type Native struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewNative returns a Native preemption source. One is constructed per
// CPU by internal/scheduler.
func NewNative() *Native { return &Native{} }

func (n *Native) ArmSlice(slice time.Duration, expire func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(slice, expire)
}

func (n *Native) DisarmSlice() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Native) Preemptible() bool { return true }

// SyscallEntry is a no-op on native: the timer interrupt already drives
// preemption independent of syscall boundaries.
func (n *Native) SyscallEntry() {}

var _ Source = (*Native)(nil)
