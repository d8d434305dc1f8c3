// Package captable implements spec §4.2: per-process capability slot
// tables, rights-checked lookup, attenuated duplication, and transitive
// revocation driven by a shared provenance tree.
package captable

import (
	"sync"
	"sync/atomic"

	radix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/objtable"
)

var nextTableID atomic.Uint64

// Auditor is the narrow slice of internal/auditlog.Log that captable
// needs, kept as an interface here to avoid an import cycle (auditlog
// never needs to know about captable).
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

// Registry owns the provenance tree shared by every process's CapTable
// in one kernel instance: revocation crosses table boundaries, so the
// tree cannot live inside a single table.
type Registry struct {
	prov  *provenance
	audit Auditor
}

// NewRegistry returns a fresh provenance registry. audit may be nil in
// tests that don't care about the audit trail.
func NewRegistry(audit Auditor) *Registry {
	return &Registry{prov: newProvenance(), audit: audit}
}

// Generation returns the revocation generation counter, bumped once per
// completed revoke. Nothing in the kernel reads it or waits on it.
func (r *Registry) Generation() uint64 { return r.prov.generation() }

// SetOnLastRef registers fn to be called once a revoke or delete drops
// an object's live-capability count to zero — the kernel uses this to
// tear down the underlying object (e.g. closing an Endpoint so any
// thread still blocked on it via a different path unblocks with
// EndpointGone, spec §3/§4.5). Must be set once at boot, before any
// capability activity; not safe to change concurrently with traffic.
func (r *Registry) SetOnLastRef(fn func(objtable.ID, objtable.Kind)) {
	r.prov.onLastRef = fn
}

// CapTable is one process's slot table.
type CapTable struct {
	mu       sync.Mutex
	id       uint64 // table identifier, used for cross-table lock ordering (spec §5)
	reg      *Registry
	audit    Auditor
	actorPID uint64
	max      int
	slots    []*slotEntry
	free     []int
	snapshot *radix.Tree[bool] // persistent snapshot for the round-trip property test
}

type slotEntry struct {
	cap capability.Capability
	id  capID
}

// New creates a CapTable for a process owned by the given Registry, with
// room for max slots (spec §3: "fixed maximum configured at process
// creation").
func (r *Registry) New(actorPID uint64, max int) *CapTable {
	t := &CapTable{
		reg:      r,
		audit:    r.audit,
		actorPID: actorPID,
		max:      max,
		slots:    make([]*slotEntry, max),
		snapshot: radix.New[bool](),
	}
	t.id = nextTableID.Add(1)
	return t
}

// ID returns the table's identifier, used to order cross-table locks
// (spec §5: "cross-table operations acquire in ascending identifier
// order").
func (t *CapTable) ID() uint64 { return t.id }

// ActorPID returns the process identifier this table's audit records
// are attributed to.
func (t *CapTable) ActorPID() uint64 { return t.actorPID }

// Lock/Unlock expose the table mutex so the kernel's cross-table
// operations (IPC capability transfer, revoke) can acquire several
// tables' locks in ascending ID order without captable itself knowing
// about the other table.
func (t *CapTable) Lock()   { t.mu.Lock() }
func (t *CapTable) Unlock() { t.mu.Unlock() }

// Install places a freshly created capability (no parent) into a free
// slot. Fails with ErrResourceExhausted (spec code NoSlots) if the table
// is full.
func (t *CapTable) Install(cap capability.Capability) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.InstallLocked(cap)
}

// InstallLocked is Install's body without locking, for callers that
// already hold t's lock via LockOrdered (e.g. IPC installing a fresh
// reply capability alongside a TransferManyTo under the same
// cross-table lock).
func (t *CapTable) InstallLocked(cap capability.Capability) (int, error) {
	slot, err := t.allocSlotLocked()
	if err != nil {
		return 0, err
	}
	id := t.reg.prov.root(cap, location{table: t, slot: slot})
	t.slots[slot] = &slotEntry{cap: cap, id: id}
	t.snapshotInsertLocked(slot)
	t.auditLocked("CapCreate", slot, cap)
	return slot, nil
}

// Lookup returns the capability in slot if it's occupied and its rights
// are a superset of required. Denied lookups (RightsViolation) still
// append a CapInvoke denied=true audit record, per spec §7.
func (t *CapTable) Lookup(slot int, required capability.Rights) (capability.Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.occupiedLocked(slot)
	if err != nil {
		return capability.Capability{}, err
	}
	if !required.Subset(e.cap.Rights) {
		t.auditDeniedLocked(slot, e.cap)
		return capability.Capability{}, errdefs.Forbidden(errRightsViolation)
	}
	return e.cap, nil
}

// Duplicate attenuates the capability in slot to mask and installs the
// derived capability into a new slot of the same table. Fails with
// RightsEscalation if mask is not a subset of the parent's rights, and
// (per DESIGN.md's resolved Open Question) requires the parent to carry
// Grant itself if mask retains Grant, since re-delegation rights are
// transitively required.
func (t *CapTable) Duplicate(slot int, mask capability.Rights, badge uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.occupiedLocked(slot)
	if err != nil {
		return 0, err
	}
	if !mask.Subset(e.cap.Rights) {
		return 0, errdefs.Forbidden(errRightsEscalation)
	}
	if mask&capability.Grant != 0 && e.cap.Rights&capability.Grant == 0 {
		return 0, errdefs.Forbidden(errRightsEscalation)
	}
	child := e.cap.Attenuate(mask, badge)

	newSlot, err := t.allocSlotLocked()
	if err != nil {
		return 0, err
	}
	childID := t.reg.prov.derive(e.id, child, location{table: t, slot: newSlot})
	t.slots[newSlot] = &slotEntry{cap: child, id: childID}
	t.snapshotInsertLocked(newSlot)
	t.auditLocked("CapDelegate", newSlot, child)
	return newSlot, nil
}

// TransferTo installs an attenuated copy of slot's capability into
// dest's table, used by IPC capability-transfer under the cross-table
// lock. Caller must already hold both t's and dest's locks in ascending
// ID order; TransferTo does not lock.
func (t *CapTable) TransferTo(dest *CapTable, slot int, mask capability.Rights, badge uint64) (int, error) {
	e, err := t.occupiedLocked(slot)
	if err != nil {
		return 0, err
	}
	if !mask.Subset(e.cap.Rights) {
		return 0, errdefs.Forbidden(errRightsEscalation)
	}
	if mask&capability.Grant != 0 && e.cap.Rights&capability.Grant == 0 {
		return 0, errdefs.Forbidden(errRightsEscalation)
	}
	child := e.cap.Attenuate(mask, badge)

	newSlot, err := dest.allocSlotLocked()
	if err != nil {
		return 0, errdefs.Unavailable(errDestFull)
	}
	childID := t.reg.prov.derive(e.id, child, location{table: dest, slot: newSlot})
	dest.slots[newSlot] = &slotEntry{cap: child, id: childID}
	dest.snapshotInsertLocked(newSlot)
	dest.auditLocked("CapDelegate", newSlot, child)
	return newSlot, nil
}

// Transfer names one capability-transfer request within a TransferManyTo
// batch: the source slot, the attenuation mask to apply, and the badge
// to stamp on the installed child.
type Transfer struct {
	Slot  int
	Mask  capability.Rights
	Badge uint64
}

// LockOrdered acquires a and b's mutexes in ascending table-ID order
// (spec §5: "cross-table operations acquire in ascending identifier
// order") and returns an unlock function covering both. Safe to call
// with a == b.
func LockOrdered(a, b *CapTable) (unlock func()) {
	if a == b {
		a.Lock()
		return a.Unlock
	}
	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// TransferManyTo installs attenuated copies of every slot named in
// transfers into dest's table, all-or-nothing: if dest cannot hold all
// of them, none are installed and the source table is unchanged (spec
// §4.5: "If the destination has no free slots, the entire send fails
// with DestFull and the source table is unchanged"). Caller must already
// hold both tables' locks, in the order LockOrdered returns.
func (t *CapTable) TransferManyTo(dest *CapTable, transfers []Transfer) ([]int, error) {
	if len(transfers) == 0 {
		return nil, nil
	}

	entries := make([]*slotEntry, len(transfers))
	for i, tr := range transfers {
		e, err := t.occupiedLocked(tr.Slot)
		if err != nil {
			return nil, err
		}
		if !tr.Mask.Subset(e.cap.Rights) {
			return nil, errdefs.Forbidden(errRightsEscalation)
		}
		if tr.Mask&capability.Grant != 0 && e.cap.Rights&capability.Grant == 0 {
			return nil, errdefs.Forbidden(errRightsEscalation)
		}
		entries[i] = e
	}

	if dest.freeCountLocked() < len(transfers) {
		return nil, errdefs.Unavailable(errDestFull)
	}

	slots := make([]int, len(transfers))
	for i, tr := range transfers {
		e := entries[i]
		child := e.cap.Attenuate(tr.Mask, tr.Badge)
		newSlot, err := dest.allocSlotLocked()
		if err != nil {
			// Unreachable given the freeCountLocked check above, but
			// fail closed rather than leave a partial install.
			return nil, errdefs.Unavailable(errDestFull)
		}
		childID := t.reg.prov.derive(e.id, child, location{table: dest, slot: newSlot})
		dest.slots[newSlot] = &slotEntry{cap: child, id: childID}
		dest.snapshotInsertLocked(newSlot)
		dest.auditLocked("CapDelegate", newSlot, child)
		slots[i] = newSlot
	}
	return slots, nil
}

func (t *CapTable) freeCountLocked() int {
	n := 0
	for _, s := range t.slots {
		if s == nil {
			n++
		}
	}
	return n
}

// Delete removes the capability in slot and cascades to every
// capability derived from it across every process's table (spec §3
// invariant: "revoking a capability revokes its entire subtree
// atomically"). A childless capability can always be deleted by its
// owner; one with descendants additionally requires the Revoke right,
// since that delete has effects outside this table (spec §4.2: "a
// revoker must hold the ancestor capability").
func (t *CapTable) Delete(slot int) error {
	t.mu.Lock()
	e, err := t.occupiedLocked(slot)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	id := e.id
	t.mu.Unlock()

	if t.reg.prov.hasChildren(id) && e.cap.Rights&capability.Revoke == 0 {
		return errdefs.Forbidden(errNotAuthorized)
	}

	// revoke's DFS appends one CapRevoke per removed node, including
	// this slot, attributed to each node's own table.
	return t.reg.prov.revoke(id)
}

// forceDelete removes whatever is in slot unconditionally; called only
// by provenance.revoke during a cascade, never directly by a syscall
// handler.
func (t *CapTable) forceDelete(slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return nil
	}
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	t.snapshotRemoveLocked(slot)
	return nil
}

func (t *CapTable) allocSlotLocked() (int, error) {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		return slot, nil
	}
	for i, s := range t.slots {
		if s == nil {
			return i, nil
		}
	}
	return 0, errdefs.ResourceExhausted(errNoSlots)
}

func (t *CapTable) occupiedLocked(slot int) (*slotEntry, error) {
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return nil, errdefs.NotFound(errBadSlot)
	}
	return t.slots[slot], nil
}

// Snapshot returns an opaque value that's comparable for equality with
// another Snapshot taken before/after a Duplicate+Delete round trip
// (spec §8 round-trip property), backed by go-immutable-radix so the
// comparison doesn't need to deep-copy the whole slot slice.
func (t *CapTable) Snapshot() *radix.Tree[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *CapTable) snapshotInsertLocked(slot int) {
	txn := t.snapshot.Txn()
	txn.Insert(slotKey(slot), true)
	t.snapshot = txn.Commit()
}

func (t *CapTable) snapshotRemoveLocked(slot int) {
	txn := t.snapshot.Txn()
	txn.Delete(slotKey(slot))
	t.snapshot = txn.Commit()
}

func slotKey(slot int) []byte {
	return []byte{byte(slot >> 24), byte(slot >> 16), byte(slot >> 8), byte(slot)}
}

func (t *CapTable) auditLocked(kind string, slot int, cap capability.Capability) {
	if t.audit == nil {
		return
	}
	_, _ = t.audit.Append(t.actorPID, kind, map[string]any{
		"slot":   slot,
		"object": cap.Object,
		"rights": cap.Rights,
		"badge":  cap.Badge,
	})
}

func (t *CapTable) auditDeniedLocked(slot int, cap capability.Capability) {
	if t.audit == nil {
		return
	}
	_, _ = t.audit.Append(t.actorPID, "CapInvoke", map[string]any{
		"slot":   slot,
		"object": cap.Object,
		"denied": true,
	})
}

// auditRevoke appends a CapRevoke record for slot. Unlike auditLocked
// and auditDeniedLocked, this is called from provenance's DFS without
// t's mutex held — Append only touches t.audit/t.actorPID, set once at
// construction, so no lock is needed.
func (t *CapTable) auditRevoke(slot int) {
	if t.audit == nil {
		return
	}
	_, _ = t.audit.Append(t.actorPID, "CapRevoke", map[string]any{"slot": slot})
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	errBadSlot          = staticErr("no capability installed in slot")
	errRightsViolation  = staticErr("rights mask is not a superset of required rights")
	errRightsEscalation = staticErr("attenuation mask is not a subset of parent rights")
	errNoSlots          = staticErr("capability table has no free slots")
	errNotAuthorized    = staticErr("caller's capability lacks the Revoke right")
	errDestFull         = staticErr("destination capability table has no free slots")
)
