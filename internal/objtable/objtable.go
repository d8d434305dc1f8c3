// Package objtable implements the generational object arena described in
// spec §9 ("cyclic ownership"): kernel objects referenced by capabilities
// in multiple processes' tables (endpoints above all) live here, indexed
// by a small integer plus a generation counter, so a capability can hold
// an id instead of a live pointer and a stale reference fails closed
// instead of dangling or requiring cycle collection.
package objtable

import (
	"strconv"
	"sync"

	"github.com/moby/locker"

	"github.com/zeroos-project/kernel/errdefs"
)

// Kind identifies what sort of kernel object an entry holds, mirroring
// spec §3's capability object types.
type Kind uint8

const (
	KindEndpoint Kind = iota
	KindMemory
	KindIoPort
	KindIrq
	KindProcess
	KindThread
	KindLog
	KindService
)

// ID names an object: Index is the slot in the arena, Gen is the
// generation stamped on it when it was last allocated into that slot.
// A lookup with a stale Gen means the object was freed and the slot
// reused; it must fail, not silently resolve to the new occupant.
type ID struct {
	Index uint32
	Gen   uint32
}

type entry struct {
	gen    uint32
	live   bool
	object any
}

// Table is the arena. One Table is shared by an entire kernel instance
// (objects, not capabilities, are globally identified); capability
// tables elsewhere hold IDs into this one Table.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	free    []uint32
	locks   *locker.Locker
}

// New returns an empty object table.
func New() *Table {
	return &Table{locks: locker.New()}
}

// Alloc installs obj under a fresh ID of the given kind and returns it.
func (t *Table) Alloc(kind Kind, obj any) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[idx].gen++
		t.entries[idx].live = true
		t.entries[idx].object = obj
	} else {
		idx = uint32(len(t.entries))
		t.entries = append(t.entries, entry{gen: 1, live: true, object: obj})
	}
	return ID{Index: idx, Gen: t.entries[idx].gen}
}

// Resolve returns the live object named by id, or ErrNotFound if the
// slot is free or its generation has moved on.
func (t *Table) Resolve(id ID) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id.Index) >= len(t.entries) {
		return nil, errdefs.NotFound(errBadObject)
	}
	e := t.entries[id.Index]
	if !e.live || e.gen != id.Gen {
		return nil, errdefs.NotFound(errBadObject)
	}
	return e.object, nil
}

// Free releases id's slot for reuse. Freeing an already-stale id is a
// no-op success, matching the idempotent-teardown convention used by
// process/capability cleanup paths.
func (t *Table) Free(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id.Index) >= len(t.entries) {
		return
	}
	e := &t.entries[id.Index]
	if !e.live || e.gen != id.Gen {
		return
	}
	e.live = false
	e.object = nil
	t.free = append(t.free, id.Index)
}

// WithLock runs fn while holding the arena's keyed lock for id's index,
// serializing resolve-then-mutate sequences against concurrent Free of
// the same object (e.g. an endpoint being torn down while a sender is
// mid-delivery).
func (t *Table) WithLock(id ID, fn func() error) error {
	key := lockKey(id)
	t.locks.Lock(key)
	defer t.locks.Unlock(key)
	return fn()
}

func lockKey(id ID) string {
	return strconv.FormatUint(uint64(id.Index), 10) + "#" + strconv.FormatUint(uint64(id.Gen), 10)
}

var errBadObject = errNotFound("stale or unknown object id")

type errNotFound string

func (e errNotFound) Error() string { return string(e) }
