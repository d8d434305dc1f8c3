package substrate

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestNativeExpiresAfterSlice(t *testing.T) {
	n := NewNative()
	done := make(chan struct{})
	n.ArmSlice(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("native slice never expired")
	}
	assert.Assert(t, n.Preemptible())
}

func TestNativeDisarmPreventsExpire(t *testing.T) {
	n := NewNative()
	fired := false
	n.ArmSlice(5*time.Millisecond, func() { fired = true })
	n.DisarmSlice()
	time.Sleep(20 * time.Millisecond)
	assert.Assert(t, !fired)
}

func TestWASMExpiresOnlyAtSyscallEntry(t *testing.T) {
	w := NewWASM(1000)
	fired := false
	w.ArmSlice(1*time.Millisecond, func() { fired = true })

	time.Sleep(5 * time.Millisecond)
	assert.Assert(t, !fired, "WASM must never expire outside SyscallEntry")
	assert.Assert(t, !w.Preemptible())

	w.SyscallEntry()
	assert.Assert(t, fired)
}

func TestWASMDisarmPreventsExpire(t *testing.T) {
	w := NewWASM(1000)
	fired := false
	w.ArmSlice(1*time.Millisecond, func() { fired = true })
	w.DisarmSlice()
	time.Sleep(5 * time.Millisecond)
	w.SyscallEntry()
	assert.Assert(t, !fired)
}
