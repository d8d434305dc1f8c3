package vmm

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/errdefs"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	reg := NewRegistry(64, nil)
	as := reg.New(1)

	handle, err := as.Map(0, PageSize*4, File, Read|Write)
	assert.NilError(t, err)
	assert.Equal(t, as.RefCount(0), 1)

	assert.NilError(t, as.Unmap(handle))
	assert.Equal(t, as.RefCount(0), 0)
}

func TestMapRejectsUnaligned(t *testing.T) {
	reg := NewRegistry(64, nil)
	as := reg.New(1)

	_, err := as.Map(1, PageSize, Anonymous, Read)
	assert.Assert(t, errdefs.IsInvalidParameter(err))
}

func TestMapRejectsOverlap(t *testing.T) {
	reg := NewRegistry(64, nil)
	as := reg.New(1)

	_, err := as.Map(0, PageSize*2, File, Read)
	assert.NilError(t, err)

	_, err = as.Map(PageSize, PageSize, File, Read)
	assert.Assert(t, errdefs.IsConflict(err))
}

func TestAnonymousFaultsZeroFilledOnFirstTouch(t *testing.T) {
	reg := NewRegistry(64, nil)
	as := reg.New(1)

	_, err := as.Map(0, PageSize, Anonymous, Read|Write)
	assert.NilError(t, err)
	assert.Equal(t, as.RefCount(0), 0) // not yet backed

	assert.NilError(t, as.Fault(0, AccessWrite))
	assert.Equal(t, as.RefCount(0), 1)
}

func TestFaultPermissionViolation(t *testing.T) {
	reg := NewRegistry(64, nil)
	as := reg.New(1)

	_, err := as.Map(0, PageSize, Anonymous, Read)
	assert.NilError(t, err)

	err = as.Fault(0, AccessWrite)
	assert.Assert(t, errdefs.IsForbidden(err))
}

func TestShareIncrementsRefcount(t *testing.T) {
	reg := NewRegistry(64, nil)
	a := reg.New(1)
	b := reg.New(2)

	handle, err := a.Map(0, PageSize, File, Read|Write)
	assert.NilError(t, err)
	assert.Equal(t, a.RefCount(0), 1)

	_, err = Share(a, handle, b, 0, Read)
	assert.NilError(t, err)
	assert.Equal(t, a.RefCount(0), 2)
	assert.Equal(t, b.RefCount(0), 2)
}

func TestTransferLeavesRefcountUnchanged(t *testing.T) {
	reg := NewRegistry(64, nil)
	a := reg.New(1)
	b := reg.New(2)

	handle, err := a.Map(0, PageSize, File, Read|Write)
	assert.NilError(t, err)

	_, err = Transfer(a, handle, b, 0, Read|Write)
	assert.NilError(t, err)
	assert.Equal(t, b.RefCount(0), 1)

	// source mapping is gone
	err = a.Fault(0, AccessRead)
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestUnmapFreesFrameForReuse(t *testing.T) {
	reg := NewRegistry(1, nil) // exactly one frame in the whole system
	as := reg.New(1)

	h1, err := as.Map(0, PageSize, File, Read)
	assert.NilError(t, err)
	assert.NilError(t, as.Unmap(h1))

	// the freed frame must be reusable, not exhausted
	_, err = as.Map(0, PageSize, File, Read)
	assert.NilError(t, err)
}

func TestMapOutOfMemory(t *testing.T) {
	reg := NewRegistry(1, nil)
	as := reg.New(1)

	_, err := as.Map(0, PageSize, File, Read)
	assert.NilError(t, err)

	_, err = as.Map(PageSize, PageSize, File, Read)
	assert.Assert(t, errdefs.IsResourceExhausted(err))
}
