// Package capability defines the capability value type shared by
// CapTable, VMM, and IPC: spec §3's tuple of object type, object id,
// rights mask, badge, and provenance link.
package capability

import "github.com/zeroos-project/kernel/internal/objtable"

// Rights is a bitmask subset of {Read, Write, Grant, Revoke, Duplicate,
// Wait, Signal}, per spec §3.
type Rights uint16

const (
	Read Rights = 1 << iota
	Write
	Grant
	Revoke
	Duplicate
	Wait
	Signal
)

// Subset reports whether r is a subset of other, the core invariant
// behind every attenuation check in the kernel (spec §3 invariant 1,
// spec §8 property 1).
func (r Rights) Subset(other Rights) bool {
	return r&^other == 0
}

// CapID names a capability independent of any particular process's slot
// table; it is what the provenance side table (captable.provenance)
// keys on. Not exported beyond internal/captable and internal/ipc.
type CapID uint64

// Capability is the kernel's unforgeable reference: an object (named by
// its objtable.ID), a rights mask, and a badge the grantor chose.
// Provenance (the parent CapID this was derived from) lives in a side
// table, not embedded here — spec §9 explicitly warns against giving
// userspace a handle on kernel-internal derivation pointers.
type Capability struct {
	Object objtable.ID
	Kind   objtable.Kind
	Rights Rights
	Badge  uint64
}

// Attenuate returns a derived capability with rights narrowed to mask.
// The caller is responsible for checking mask.Subset(c.Rights) first;
// Attenuate itself does not re-validate, so that captable can batch the
// check with the provenance-tree insert under one lock.
func (c Capability) Attenuate(mask Rights, badge uint64) Capability {
	d := c
	d.Rights = mask
	d.Badge = badge
	return d
}
