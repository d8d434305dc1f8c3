package objtable

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAllocResolveFree(t *testing.T) {
	tbl := New()

	id := tbl.Alloc(KindEndpoint, "ep-1")
	obj, err := tbl.Resolve(id)
	assert.NilError(t, err)
	assert.Equal(t, obj, "ep-1")

	tbl.Free(id)
	_, err = tbl.Resolve(id)
	assert.ErrorContains(t, err, "stale or unknown")
}

func TestGenerationBumpOnReuse(t *testing.T) {
	tbl := New()

	first := tbl.Alloc(KindMemory, "frame-a")
	tbl.Free(first)

	second := tbl.Alloc(KindMemory, "frame-b")
	assert.Equal(t, first.Index, second.Index)
	assert.Assert(t, second.Gen > first.Gen)

	// The stale first ID must never resolve to the new occupant.
	_, err := tbl.Resolve(first)
	assert.ErrorContains(t, err, "stale or unknown")

	obj, err := tbl.Resolve(second)
	assert.NilError(t, err)
	assert.Equal(t, obj, "frame-b")
}

func TestFreeOfStaleIDIsNoop(t *testing.T) {
	tbl := New()
	id := tbl.Alloc(KindThread, "t1")
	tbl.Free(id)
	tbl.Free(id) // double free must not panic or corrupt the free-list

	next := tbl.Alloc(KindThread, "t2")
	assert.Equal(t, id.Index, next.Index)
}

func TestWithLockRunsFn(t *testing.T) {
	tbl := New()
	id := tbl.Alloc(KindEndpoint, "ep")

	done := make(chan struct{})
	go func() {
		_ = tbl.WithLock(id, func() error {
			close(done)
			return nil
		})
	}()
	<-done
}
