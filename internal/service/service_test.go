package service

import (
	"context"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/objtable"
)

func TestLookupRequiresServiceCapability(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(objs, nil, 0)
	caps := captable.NewRegistry(nil)
	table := caps.New(1, 8)

	_, err := reg.Lookup(context.Background(), table, 0, "identity")
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestLookupDelegatesAttenuatedEndpoint(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(objs, nil, 0)
	caps := captable.NewRegistry(nil)
	table := caps.New(1, 8)

	svcSlot, err := table.Install(reg.RootCapability())
	assert.NilError(t, err)

	epID := objs.Alloc(objtable.KindEndpoint, struct{}{})
	reg.Register("identity", capability.Capability{
		Object: epID, Kind: objtable.KindEndpoint, Rights: capability.Read | capability.Write | capability.Grant, Badge: 99,
	})

	slot, err := reg.Lookup(context.Background(), table, svcSlot, "identity")
	assert.NilError(t, err)

	got, err := table.Lookup(slot, capability.Read|capability.Write)
	assert.NilError(t, err)
	assert.Equal(t, got.Badge, uint64(99))
	assert.Assert(t, !capability.Grant.Subset(got.Rights))
}

func TestLookupUnknownNameFails(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(objs, nil, 0)
	caps := captable.NewRegistry(nil)
	table := caps.New(1, 8)

	svcSlot, err := table.Install(reg.RootCapability())
	assert.NilError(t, err)

	_, err = reg.Lookup(context.Background(), table, svcSlot, "missing")
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestUnregisterInvalidatesCache(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(objs, nil, 0)
	caps := captable.NewRegistry(nil)
	table := caps.New(1, 8)

	svcSlot, err := table.Install(reg.RootCapability())
	assert.NilError(t, err)

	epID := objs.Alloc(objtable.KindEndpoint, struct{}{})
	reg.Register("vfs", capability.Capability{Object: epID, Kind: objtable.KindEndpoint, Rights: capability.Read})

	_, err = reg.Lookup(context.Background(), table, svcSlot, "vfs")
	assert.NilError(t, err)

	reg.Unregister("vfs")
	_, err = reg.Lookup(context.Background(), table, svcSlot, "vfs")
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestConcurrentLookupsCollapseViaSingleflight(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(objs, nil, 0)
	caps := captable.NewRegistry(nil)

	epID := objs.Alloc(objtable.KindEndpoint, struct{}{})
	reg.Register("net", capability.Capability{Object: epID, Kind: objtable.KindEndpoint, Rights: capability.Read})

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		i := i
		table := caps.New(uint64(i+1), 8)
		svcSlot, err := table.Install(reg.RootCapability())
		assert.NilError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.Lookup(context.Background(), table, svcSlot, "net")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NilError(t, err)
	}
}
