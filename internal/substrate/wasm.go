package substrate

import (
	"sync"
	"time"
)

// WASM drives preemption cooperatively: the browser supervisor hosts
// every process in one OS thread, so there is no timer interrupt.
// Instead, ArmSlice records a wall-clock deadline and SyscallEntry
// expires the slice once that deadline has passed; between syscall
// entries nothing fires (spec §4.4, §5).
type WASM struct {
	mu          sync.Mutex
	armed       bool
	deadline    time.Time
	expire      func()
	ticksPerSec int // supervisor's estimated syscall-dispatch rate; stored, not consulted by expiry
}

// NewWASM returns a WASM preemption source. ticksPerSec estimates how
// many syscalls the supervisor dispatches per second of wall-clock
// time; it is stored but not used by the expiry check, which compares
// the wall clock against the armed deadline at each SyscallEntry.
func NewWASM(ticksPerSec int) *WASM {
	if ticksPerSec <= 0 {
		ticksPerSec = 1000
	}
	return &WASM{ticksPerSec: ticksPerSec}
}

func (w *WASM) ArmSlice(slice time.Duration, expire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	w.deadline = now().Add(slice)
	w.expire = expire
}

func (w *WASM) DisarmSlice() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
	w.expire = nil
}

// Preemptible is always false: expiry only ever fires from inside
// SyscallEntry, never between two user-mode instructions, per spec
// §4.4's WASM note.
func (w *WASM) Preemptible() bool { return false }

// SyscallEntry is called by the supervisor at every exported syscall
// boundary. If the running thread's armed slice has logically elapsed,
// expire fires synchronously before the syscall is dispatched — the
// supervisor's own "pump syscalls one at a time" preemption point.
func (w *WASM) SyscallEntry() {
	w.mu.Lock()
	armed, expire := w.armed, w.expire
	var fire bool
	if armed && !now().Before(w.deadline) {
		w.armed = false
		w.expire = nil
		fire = true
	}
	w.mu.Unlock()
	if fire && expire != nil {
		expire()
	}
}

var now = time.Now

var _ Source = (*WASM)(nil)
