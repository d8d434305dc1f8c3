// Package service implements spec §9's Service lookup contract: init
// maintains a name -> endpoint-capability map, and any process holding
// a Service capability can resolve a name without the kernel itself
// parsing names or meanings.
package service

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"resenje.org/singleflight"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/objtable"
)

// Lookup is the right a Service capability must carry for its holder to
// query the registry (spec §9: "processes receive Service capabilities
// with the Lookup right"). The kernel's closed rights set (spec §3) has
// no distinct Lookup bit, so Service capabilities reuse Read for it:
// "read the name -> endpoint mapping" is exactly what a lookup does.
const Lookup = capability.Read

// Auditor is the narrow slice of internal/auditlog.Log the registry needs.
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

// Registry is init's name -> endpoint-capability map, shared by the
// whole kernel instance. It never parses names; it only forwards
// lookups once the caller's Service capability has been rights-checked.
type Registry struct {
	objs  *objtable.Table
	audit Auditor

	mu    sync.RWMutex
	names map[string]capability.Capability

	cache *lru.Cache[string, capability.Capability]
	group singleflight.Group[string, capability.Capability]

	rootObj objtable.ID
}

// NewRegistry constructs an empty registry with an LRU cache of the
// given size in front of the name map, and mints the root Service
// object init's own capability points at.
func NewRegistry(objs *objtable.Table, audit Auditor, cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, _ := lru.New[string, capability.Capability](cacheSize)
	r := &Registry{
		objs:  objs,
		audit: audit,
		names: make(map[string]capability.Capability),
		cache: cache,
	}
	r.rootObj = objs.Alloc(objtable.KindService, r)
	return r
}

// RootCapability returns the all-rights Service capability init installs
// in its own CapTable at boot (spec §9: "one root Service capability is
// held by init").
func (r *Registry) RootCapability() capability.Capability {
	return capability.Capability{Object: r.rootObj, Kind: objtable.KindService, Rights: Lookup | capability.Grant | capability.Duplicate}
}

// Register records that name resolves to ep (an Endpoint capability
// init holds), invalidating any stale cached entry for name.
func (r *Registry) Register(name string, ep capability.Capability) {
	r.mu.Lock()
	r.names[name] = ep
	r.mu.Unlock()
	r.cache.Remove(name)
}

// Unregister removes name from the map, e.g. when the service backing it exits.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
	r.cache.Remove(name)
}

// Lookup resolves name on behalf of a caller holding a Service
// capability in callerTable at serviceSlot, installing an attenuated
// copy of the named endpoint capability into callerTable and returning
// its new slot. Concurrent lookups of the same name collapse into one
// resolution via singleflight; resolved entries are cached by an LRU so
// a hot name never re-walks the map after its first miss.
func (r *Registry) Lookup(ctx context.Context, callerTable *captable.CapTable, serviceSlot int, name string) (int, error) {
	if _, err := callerTable.Lookup(serviceSlot, Lookup); err != nil {
		return 0, err
	}

	ep, _, err := r.group.Do(ctx, name, func(ctx context.Context) (capability.Capability, error) {
		if cached, ok := r.cache.Get(name); ok {
			return cached, nil
		}
		r.mu.RLock()
		ep, ok := r.names[name]
		r.mu.RUnlock()
		if !ok {
			return capability.Capability{}, errdefs.NotFound(errNoSuchService)
		}
		r.cache.Add(name, ep)
		return ep, nil
	})
	if err != nil {
		return 0, err
	}

	slot, err := callerTable.Install(ep.Attenuate(ep.Rights&^capability.Grant, ep.Badge))
	if err != nil {
		return 0, err
	}
	r.auditAppend(callerTable, name)
	return slot, nil
}

func (r *Registry) auditAppend(table *captable.CapTable, name string) {
	if r.audit == nil {
		return
	}
	_, _ = r.audit.Append(table.ActorPID(), "CapInvoke", map[string]any{"service": name})
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errNoSuchService = staticErr("no service registered under this name")
