package captable

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/objtable"
)

// capID names one node in the provenance derivation tree, independent of
// any process's slot table. Not the same as an objtable.ID: many CapIDs
// (one per delegation) can reference the same underlying kernel object.
type capID uint64

type location struct {
	table *CapTable
	slot  int
}

// provenance is the side table spec §9 calls for: parent/children edges
// live here, never inside the Capability struct itself, so userspace
// never gets a handle on the derivation tree.
type provenance struct {
	mu       sync.Mutex
	nextID   atomic.Uint64
	parent   map[capID]capID
	children map[capID][]capID
	at       map[capID]location
	cap      map[capID]capability.Capability
	gen      atomic.Uint64

	// refcount tracks, per underlying kernel object, how many live
	// capabilities (across every process's table) currently reference
	// it — spec §3: "Endpoints are referenced by capability; the object
	// outlives any single capability until the last capability to it is
	// destroyed." onLastRef fires once a revoke/delete drops an object's
	// count to zero, letting the kernel tear the object down.
	refcount  map[objtable.ID]int
	onLastRef func(objtable.ID, objtable.Kind)
}

func newProvenance() *provenance {
	return &provenance{
		parent:   make(map[capID]capID),
		children: make(map[capID][]capID),
		at:       make(map[capID]location),
		cap:      make(map[capID]capability.Capability),
		refcount: make(map[objtable.ID]int),
	}
}

// root registers a freshly created capability with no parent (an
// original creation, spec §3).
func (p *provenance) root(c capability.Capability, loc location) capID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := capID(p.nextID.Add(1))
	p.at[id] = loc
	p.cap[id] = c
	p.refcount[c.Object]++
	return id
}

// derive registers a child of parent, recording the edge both ways.
func (p *provenance) derive(parentID capID, c capability.Capability, loc location) capID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := capID(p.nextID.Add(1))
	p.parent[id] = parentID
	p.children[parentID] = append(p.children[parentID], id)
	p.at[id] = loc
	p.cap[id] = c
	p.refcount[c.Object]++
	return id
}

// relocate updates the recorded slot location of id (e.g. after a
// duplicate/transfer installs it in a different slot than where Delete
// will look it up); provenance edges are unaffected.
func (p *provenance) relocate(id capID, loc location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.at[id] = loc
}

// revoke performs the DFS walk spec §4.2 describes: id and every
// descendant are atomically removed from their containing tables. The
// caller already verified authorization (Revoke right on id's slot)
// before calling this. Returns an aggregate of any per-node teardown
// errors, never partial: every reachable node is visited regardless of
// an individual error.
func (p *provenance) revoke(id capID) error {
	p.mu.Lock()
	subtree := p.collect(id)
	p.mu.Unlock()

	var errs *multierror.Error
	for _, node := range subtree {
		p.mu.Lock()
		loc, ok := p.at[node]
		c := p.cap[node]
		delete(p.at, node)
		delete(p.cap, node)
		delete(p.children, node)
		if pid, hasParent := p.parent[node]; hasParent {
			delete(p.parent, node)
			siblings := p.children[pid]
			for i, sib := range siblings {
				if sib == node {
					siblings = append(siblings[:i:i], siblings[i+1:]...)
					break
				}
			}
			if len(siblings) == 0 {
				delete(p.children, pid)
			} else {
				p.children[pid] = siblings
			}
		}
		lastRef := false
		if ok {
			p.refcount[c.Object]--
			if p.refcount[c.Object] <= 0 {
				delete(p.refcount, c.Object)
				lastRef = true
			}
		}
		p.mu.Unlock()

		if ok {
			if err := loc.table.forceDelete(loc.slot); err != nil {
				errs = multierror.Append(errs, err)
			}
			loc.table.auditRevoke(loc.slot)
			if lastRef && p.onLastRef != nil {
				p.onLastRef(c.Object, c.Kind)
			}
		}
	}
	p.gen.Add(1)
	return errs.ErrorOrNil()
}

// collect returns id and all of its descendants in depth-first
// pre-order, root first, caller holds p.mu.
func (p *provenance) collect(id capID) []capID {
	var out []capID
	stack := []capID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		kids := p.children[cur]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// hasChildren reports whether id has any recorded descendants, used to
// decide whether deleting id requires the Revoke right (only a cascade
// into other tables needs that authorization; tearing down a childless
// leaf never affects anyone else).
func (p *provenance) hasChildren(id capID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children[id]) > 0
}

// ancestorOf reports whether ancestor is id itself or a transitive
// parent of id — the provenance check behind "a revoker must hold the
// ancestor capability" (spec §4.2).
func (p *provenance) ancestorOf(ancestor, id capID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for cur := id; ; {
		if cur == ancestor {
			return true
		}
		next, ok := p.parent[cur]
		if !ok {
			return false
		}
		cur = next
	}
}

// generation returns the revocation generation counter used by the
// cross-CPU quiescence protocol (spec §9 Open Question, resolved in
// DESIGN.md): bumped once per completed revoke call.
func (p *provenance) generation() uint64 { return p.gen.Load() }
