package process

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/scheduler"
	"github.com/zeroos-project/kernel/internal/vmm"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	sched := scheduler.New(scheduler.Config{NumCPU: 1, Slice: time.Hour})
	t.Cleanup(sched.Close)
	return NewManager(Config{
		Caps:  captable.NewRegistry(nil),
		Space: vmm.NewRegistry(256, nil),
		Sched: sched,
	})
}

func TestSpawnCreatesRunningProcess(t *testing.T) {
	m := newManager(t)
	p := m.Spawn(1, uuid.Nil, 3)
	assert.Equal(t, p.State(), Running)
	assert.Assert(t, p.Caps != nil)
	assert.Assert(t, p.Space != nil)
}

func TestExitTransitionsToZombieAndWaitReturnsCode(t *testing.T) {
	m := newManager(t)
	p := m.Spawn(1, uuid.Nil, 3)

	done := make(chan struct{})
	var code int
	var err error
	go func() {
		code, err = m.Wait(p.ID, time.Time{})
		close(done)
	}()

	assert.NilError(t, m.Exit(p, 7, false))
	<-done
	assert.NilError(t, err)
	assert.Equal(t, code, 7)
	assert.Equal(t, p.State(), Zombie)
}

func TestReapRequiresZombie(t *testing.T) {
	m := newManager(t)
	p := m.Spawn(1, uuid.Nil, 3)

	err := m.Reap(p.ID)
	assert.Assert(t, errdefs.IsConflict(err))

	assert.NilError(t, m.Exit(p, 0, false))
	assert.NilError(t, m.Reap(p.ID))

	_, err = m.Lookup(p.ID)
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestCascadingExitTearsDownChildren(t *testing.T) {
	m := newManager(t)
	parent := m.Spawn(1, uuid.Nil, 3)
	child := m.Spawn(1, parent.ID, 3)
	grandchild := m.Spawn(1, child.ID, 3)

	assert.NilError(t, m.Exit(parent, 0, true))
	assert.Equal(t, child.State(), Zombie)
	assert.Equal(t, grandchild.State(), Zombie)
}

func TestWaitTimesOutWithNoExit(t *testing.T) {
	m := newManager(t)
	p := m.Spawn(1, uuid.Nil, 3)

	_, err := m.Wait(p.ID, time.Now().Add(10*time.Millisecond))
	assert.Assert(t, errdefs.IsDeadlineExceeded(err))
}
