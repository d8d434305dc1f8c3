package vmm

import (
	"sync"

	"github.com/zeroos-project/kernel/errdefs"
)

// FrameID names one physical frame in the allocator shared by every
// AddressSpace in a kernel instance.
type FrameID uint64

// Allocator is the physical frame allocator: a free list of released
// frames, a counter for never-used ones, and a refcount per allocated
// frame (spec §4.3 invariant: "every
// mapped frame has a positive refcount"). One Allocator backs every
// AddressSpace created by the same Registry, since frames are shared
// (not per-process) — that's what makes Share/Transfer possible.
type Allocator struct {
	mu       sync.Mutex
	total    uint64
	next     FrameID
	free     []FrameID
	refcount map[FrameID]int
}

// NewAllocator returns an allocator with room for total physical frames.
func NewAllocator(total uint64) *Allocator {
	return &Allocator{total: total, refcount: make(map[FrameID]int)}
}

// Alloc returns a fresh zero-filled frame with refcount 1, or
// ErrResourceExhausted (spec code OutOfMemory) if none remain.
func (a *Allocator) Alloc() (FrameID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id FrameID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else if uint64(a.next) < a.total {
		id = a.next
		a.next++
	} else {
		return 0, errdefs.ResourceExhausted(errOutOfMemory)
	}
	a.refcount[id] = 1
	return id, nil
}

// IncRef bumps a frame's refcount, called whenever a second mapping is
// created for a frame (Share) or a mapping moves to a new address space
// ahead of the old one going away (Transfer).
func (a *Allocator) IncRef(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcount[id]++
}

// DecRef drops a frame's refcount and returns it to the free list once
// it reaches zero (spec §4.3: "an unmapping that drops the count to
// zero returns the frame to the physical allocator").
func (a *Allocator) DecRef(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcount[id]--
	if a.refcount[id] <= 0 {
		delete(a.refcount, id)
		a.free = append(a.free, id)
	}
}

// RefCount reports a frame's current refcount (0 once it is freed),
// used by AddressSpace.RefCount.
func (a *Allocator) RefCount(id FrameID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount[id]
}

const errOutOfMemory = staticErr("physical frame allocator exhausted")

type staticErr string

func (e staticErr) Error() string { return string(e) }
