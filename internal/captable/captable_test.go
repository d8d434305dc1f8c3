package captable

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/objtable"
)

func newEndpointCap(objs *objtable.Table, rights capability.Rights) capability.Capability {
	id := objs.Alloc(objtable.KindEndpoint, struct{}{})
	return capability.Capability{Object: id, Kind: objtable.KindEndpoint, Rights: rights}
}

func TestInstallLookup(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read|capability.Write))
	assert.NilError(t, err)

	_, err = tab.Lookup(slot, capability.Read)
	assert.NilError(t, err)

	_, err = tab.Lookup(slot, capability.Grant)
	assert.Assert(t, errdefs.IsForbidden(err))
}

func TestDuplicateRejectsEscalation(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read))
	assert.NilError(t, err)

	_, err = tab.Duplicate(slot, capability.Read|capability.Write, 42)
	assert.Assert(t, errdefs.IsForbidden(err))
}

func TestDuplicateGrantRequiresParentGrant(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read))
	assert.NilError(t, err)

	_, err = tab.Duplicate(slot, capability.Read|capability.Grant, 0)
	assert.Assert(t, errdefs.IsForbidden(err))
}

func TestNoSlots(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 1)

	_, err := tab.Install(newEndpointCap(objs, capability.Read))
	assert.NilError(t, err)

	_, err = tab.Install(newEndpointCap(objs, capability.Read))
	assert.Assert(t, errdefs.IsResourceExhausted(err))
}

func TestDeleteWithDescendantsRequiresRevokeRight(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read|capability.Grant))
	assert.NilError(t, err)

	_, err = tab.Duplicate(slot, capability.Read, 1)
	assert.NilError(t, err)

	err = tab.Delete(slot)
	assert.Assert(t, errdefs.IsForbidden(err))
}

func TestDeleteChildlessCapNeedsNoRevokeRight(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read))
	assert.NilError(t, err)

	assert.NilError(t, tab.Delete(slot))
}

func TestTransitiveRevoke(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	a := reg.New(1, 8)
	b := reg.New(2, 8)
	c := reg.New(3, 8)

	slotA, err := a.Install(newEndpointCap(objs, capability.Read|capability.Write|capability.Grant|capability.Revoke))
	assert.NilError(t, err)

	slotB, err := a.TransferTo(b, slotA, capability.Read|capability.Grant, 1)
	assert.NilError(t, err)

	slotC, err := b.TransferTo(c, slotB, capability.Read, 2)
	assert.NilError(t, err)

	assert.NilError(t, a.Delete(slotA))

	_, err = b.Lookup(slotB, capability.Read)
	assert.Assert(t, errdefs.IsNotFound(err))
	_, err = c.Lookup(slotC, capability.Read)
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestDuplicateDeleteRoundTrip(t *testing.T) {
	objs := objtable.New()
	reg := NewRegistry(nil)
	tab := reg.New(1, 8)

	slot, err := tab.Install(newEndpointCap(objs, capability.Read|capability.Grant|capability.Revoke))
	assert.NilError(t, err)

	before := tab.Snapshot()

	childSlot, err := tab.Duplicate(slot, capability.Read, 7)
	assert.NilError(t, err)
	assert.NilError(t, tab.Delete(childSlot))

	after := tab.Snapshot()
	assert.Equal(t, before.Len(), after.Len())
}
