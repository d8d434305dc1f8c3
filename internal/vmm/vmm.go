// Package vmm implements spec §4.3: per-process address spaces, page
// mapping with permissions, and frame sharing/transfer between address
// spaces under explicit capability authority.
package vmm

import (
	"sync"
	"sync/atomic"

	"github.com/zeroos-project/kernel/errdefs"
)

// PageSize is the design-value page granularity every vaddr/length must
// align to.
const PageSize = 4096

// Perms is a subset of {Read, Write, Execute, User, Cached}, per spec §3.
type Perms uint8

const (
	Read Perms = 1 << iota
	Write
	Execute
	User
	Cached
)

// BackingKind names how a region's frames are populated, per spec §3.
type BackingKind int

const (
	Anonymous BackingKind = iota
	File
	Shared
)

// VAddr is a page-aligned virtual address.
type VAddr uint64

// RegionHandle names one mapped region within a single AddressSpace.
type RegionHandle uint64

// AccessKind names the operation that faulted, for Fault.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

type page struct {
	frame FrameID
	perms Perms
}

type region struct {
	vaddr  VAddr
	length uint64
	kind   BackingKind
	perms  Perms
	faulted bool // anonymous regions materialize lazily
}

// Auditor is the narrow slice of internal/auditlog.Log that vmm needs.
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

var nextSpaceID atomic.Uint64

// Registry owns the shared physical frame allocator and hands out fresh
// AddressSpaces, the way captable.Registry hands out CapTables.
type Registry struct {
	frames *Allocator
	audit  Auditor
}

// NewRegistry returns a Registry backed by an allocator with room for
// totalFrames physical frames.
func NewRegistry(totalFrames uint64, audit Auditor) *Registry {
	return &Registry{frames: NewAllocator(totalFrames), audit: audit}
}

// AddressSpace is one process's page mapping (spec §3). Exclusively
// owned by its process; reaping the process does not unmap its regions.
type AddressSpace struct {
	mu       sync.RWMutex
	id       uint64
	actorPID uint64
	reg      *Registry
	regions  map[RegionHandle]*region
	pages    map[VAddr]*page
	nextRgn  uint64
}

// New creates an empty AddressSpace for actorPID.
func (r *Registry) New(actorPID uint64) *AddressSpace {
	return &AddressSpace{
		id:       nextSpaceID.Add(1),
		actorPID: actorPID,
		reg:      r,
		regions:  make(map[RegionHandle]*region),
		pages:    make(map[VAddr]*page),
	}
}

// ID returns the address space's identifier, used to order cross-space
// locks in Share/Transfer (spec §5: "VMM cross-space operations acquire
// in ascending order").
func (a *AddressSpace) ID() uint64 { return a.id }

func (a *AddressSpace) Lock()   { a.mu.Lock() }
func (a *AddressSpace) Unlock() { a.mu.Unlock() }

// Map reserves [vaddr, vaddr+length) with the given backing kind and
// permissions. Anonymous regions are not backed by frames until first
// touch (spec §4.3 Fault); File/Shared backing is allocated eagerly here
// since there is no demand-fault path defined for them in this core.
func (a *AddressSpace) Map(vaddr VAddr, length uint64, kind BackingKind, perms Perms) (RegionHandle, error) {
	if uint64(vaddr)%PageSize != 0 || length%PageSize != 0 || length == 0 {
		return 0, errdefs.InvalidParameter(errUnaligned)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.overlapsLocked(vaddr, length) {
		return 0, errdefs.Conflict(errOverlap)
	}

	a.nextRgn++
	handle := RegionHandle(a.nextRgn)
	r := &region{vaddr: vaddr, length: length, kind: kind, perms: perms}
	a.regions[handle] = r

	if kind != Anonymous {
		n := length / PageSize
		for i := uint64(0); i < n; i++ {
			frame, err := a.reg.frames.Alloc()
			if err != nil {
				a.unmapLocked(handle)
				return 0, err
			}
			a.pages[vaddr+VAddr(i*PageSize)] = &page{frame: frame, perms: perms}
		}
		r.faulted = true
	}

	return handle, nil
}

// Unmap tears down a region's page entries and drops each backing
// frame's refcount, freeing frames that reach zero (spec §4.3).
func (a *AddressSpace) Unmap(handle RegionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmapLocked(handle)
}

func (a *AddressSpace) unmapLocked(handle RegionHandle) error {
	r, ok := a.regions[handle]
	if !ok {
		return errdefs.NotFound(errBadRegion)
	}
	n := r.length / PageSize
	for i := uint64(0); i < n; i++ {
		va := r.vaddr + VAddr(i*PageSize)
		if p, ok := a.pages[va]; ok {
			a.reg.frames.DecRef(p.frame)
			delete(a.pages, va)
		}
	}
	delete(a.regions, handle)
	return nil
}

func (a *AddressSpace) overlapsLocked(vaddr VAddr, length uint64) bool {
	end := uint64(vaddr) + length
	for _, r := range a.regions {
		rend := uint64(r.vaddr) + r.length
		if uint64(vaddr) < rend && uint64(r.vaddr) < end {
			return true
		}
	}
	return false
}

// Share creates a second mapping to src's frames in dest at destVAddr,
// incrementing each frame's refcount (spec §4.3). Caller must already
// hold a Memory capability with the Grant right over src's region;
// enforcement of that lives in the kernel's syscall dispatch, not here.
// Locks src then dest in ascending ID order to match spec §5's
// cross-space discipline; when src == dest only src's lock is taken.
func Share(src *AddressSpace, srcHandle RegionHandle, dest *AddressSpace, destVAddr VAddr, perms Perms) (RegionHandle, error) {
	return crossSpace(src, dest, func() (RegionHandle, error) {
		return copyMapping(src, srcHandle, dest, destVAddr, perms, true)
	})
}

// Transfer moves src's frames into dest (unmap in source, map in
// destination); refcount is unchanged since the mapping count stays the
// same (spec §4.3). copyMapping bumps each frame's refcount for dest's
// new mapping, and the source unmap's DecRef then just removes src's
// old mapping, leaving the net count at one.
func Transfer(src *AddressSpace, srcHandle RegionHandle, dest *AddressSpace, destVAddr VAddr, perms Perms) (RegionHandle, error) {
	return crossSpace(src, dest, func() (RegionHandle, error) {
		handle, err := copyMapping(src, srcHandle, dest, destVAddr, perms, true)
		if err != nil {
			return 0, err
		}
		if err := src.unmapLocked(srcHandle); err != nil {
			return 0, err
		}
		return handle, nil
	})
}

func crossSpace(src, dest *AddressSpace, fn func() (RegionHandle, error)) (RegionHandle, error) {
	if src.id == dest.id {
		src.mu.Lock()
		defer src.mu.Unlock()
		return fn()
	}
	first, second := src, dest
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	return fn()
}

// copyMapping installs dest's mapping for src's region, bumping each
// shared frame's refcount unless incRef is false. Share leaves the
// source mapping in place, so its extra refcount reflects the new
// mapping; Transfer immediately unmaps the source, whose DecRef then
// cancels this bump out, leaving the frame's refcount at one mapping.
// Caller holds both spaces' locks already.
func copyMapping(src *AddressSpace, srcHandle RegionHandle, dest *AddressSpace, destVAddr VAddr, perms Perms, incRef bool) (RegionHandle, error) {
	r, ok := src.regions[srcHandle]
	if !ok {
		return 0, errdefs.NotFound(errBadRegion)
	}
	if uint64(destVAddr)%PageSize != 0 {
		return 0, errdefs.InvalidParameter(errUnaligned)
	}
	if dest.overlapsLocked(destVAddr, r.length) {
		return 0, errdefs.Conflict(errOverlap)
	}

	dest.nextRgn++
	handle := RegionHandle(dest.nextRgn)
	dr := &region{vaddr: destVAddr, length: r.length, kind: Shared, perms: perms, faulted: true}
	dest.regions[handle] = dr

	n := r.length / PageSize
	for i := uint64(0); i < n; i++ {
		srcVA := r.vaddr + VAddr(i*PageSize)
		p, ok := src.pages[srcVA]
		if !ok {
			continue // unfaulted anonymous page: nothing to share yet
		}
		if incRef {
			src.reg.frames.IncRef(p.frame)
		}
		dest.pages[destVAddr+VAddr(i*PageSize)] = &page{frame: p.frame, perms: perms}
	}
	return handle, nil
}

// Fault is the page-fault handler: an anonymous page materializes
// zero-filled on first touch; a permission violation is reported to the
// caller, who kills the faulting thread (not the process, unless the
// fault is itself unrecoverable) per spec §4.3.
func (a *AddressSpace) Fault(vaddr VAddr, access AccessKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := VAddr(uint64(vaddr) - uint64(vaddr)%PageSize)
	if p, ok := a.pages[aligned]; ok {
		if !accessAllowed(p.perms, access) {
			return errdefs.Forbidden(errPermissionFault)
		}
		return nil
	}

	r := a.regionContainingLocked(aligned)
	if r == nil {
		return errdefs.NotFound(errBadRegion)
	}
	if r.kind != Anonymous {
		return errdefs.NotFound(errBadRegion)
	}
	if !accessAllowed(r.perms, access) {
		return errdefs.Forbidden(errPermissionFault)
	}
	frame, err := a.reg.frames.Alloc()
	if err != nil {
		return err
	}
	a.pages[aligned] = &page{frame: frame, perms: r.perms}
	return nil
}

func (a *AddressSpace) regionContainingLocked(vaddr VAddr) *region {
	for _, r := range a.regions {
		if uint64(vaddr) >= uint64(r.vaddr) && uint64(vaddr) < uint64(r.vaddr)+r.length {
			return r
		}
	}
	return nil
}

func accessAllowed(perms Perms, access AccessKind) bool {
	switch access {
	case AccessRead:
		return perms&Read != 0
	case AccessWrite:
		return perms&Write != 0
	case AccessExecute:
		return perms&Execute != 0
	default:
		return false
	}
}

// RefCount exposes a mapped vaddr's backing frame refcount, used by the
// package's unit tests to check refcounts after map, share and transfer.
func (a *AddressSpace) RefCount(vaddr VAddr) int {
	a.mu.RLock()
	p, ok := a.pages[vaddr]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return a.reg.frames.RefCount(p.frame)
}

func (a *AddressSpace) auditLocked(kind string, fields map[string]any) {
	if a.reg.audit == nil {
		return
	}
	fields["space"] = a.id
	_, _ = a.reg.audit.Append(a.actorPID, kind, fields)
}

const (
	errUnaligned       = staticErr("vaddr/length not page-aligned")
	errOverlap         = staticErr("region overlaps an existing mapping")
	errBadRegion       = staticErr("no such region handle")
	errPermissionFault = staticErr("access kind not permitted by page permissions")
)
