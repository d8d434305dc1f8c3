// Package substrate implements spec §9's "WASM vs. native preemption"
// design note: the scheduler's state machine is substrate-agnostic, but
// "should I preempt now?" is answered by one of two drivers behind this
// package's Source interface.
package substrate

import "time"

// Source arms and disarms a single thread's time-slice timer. A native
// driver uses a real timer; a WASM driver checks its deadline only at
// cooperative syscall entries instead, per spec §4.4: "the WASM substrate emulates
// preemption via cooperative yield points inserted by the supervisor at
// every syscall; time-slice enforcement reduces to pump syscalls, one
// at a time."
type Source interface {
	// ArmSlice starts timing one running thread's slice; expire is
	// called at most once, when the slice is up. Arming while already
	// armed first disarms the previous timer.
	ArmSlice(slice time.Duration, expire func())
	// DisarmSlice cancels a pending expire callback, called when the
	// running thread blocks, yields, or exits before its slice elapses.
	DisarmSlice()
	// Preemptible reports whether the scheduler may act on expire
	// outside an explicit syscall boundary. True on native (a timer
	// interrupt can fire between any two instructions); false on WASM,
	// where expire only ever fires from inside SyscallEntry.
	Preemptible() bool
	// SyscallEntry is the WASM supervisor's cooperative yield point,
	// called at the entry of every exported syscall. Native drivers
	// ignore it; the timer interrupt already drives expiry.
	SyscallEntry()
}
