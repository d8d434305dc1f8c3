package ipc

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/objtable"
	"github.com/zeroos-project/kernel/internal/scheduler"
)

type harness struct {
	objs  *objtable.Table
	caps  *captable.Registry
	sched *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := scheduler.New(scheduler.Config{NumCPU: 2, Slice: time.Hour})
	t.Cleanup(sched.Close)
	return &harness{
		objs:  objtable.New(),
		caps:  captable.NewRegistry(nil),
		sched: sched,
	}
}

func (h *harness) table(pid uint64) *captable.CapTable { return h.caps.New(pid, 16) }

func (h *harness) thread(pid uint64) *scheduler.Thread { return h.sched.Spawn(pid, 3) }

func TestBlockingSendWaitsThenReceiverMatches(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	senderTable := h.table(1)
	recvTable := h.table(2)
	sender := h.thread(1)
	receiver := h.thread(2)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Send(senderTable, sender, 7, Message{Payload: []byte("hello")}, nil, Blocking, time.Time{})
		done <- err
	}()

	waitBlocked(t, sender)

	badge, msg, _, err := ep.Receive(recvTable, receiver, time.Time{})
	assert.NilError(t, err)
	assert.Equal(t, badge, uint64(7))
	assert.DeepEqual(t, msg.Payload, []byte("hello"))

	assert.NilError(t, <-done)
}

func TestNonBlockingSendWithNoReceiverReturnsWouldBlock(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	senderTable := h.table(1)
	sender := h.thread(1)

	_, err := ep.Send(senderTable, sender, 1, Message{}, nil, NonBlocking, time.Time{})
	assert.Assert(t, errdefs.IsUnavailable(err))
}

func TestReceiveTimesOutWithNoSender(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	recvTable := h.table(1)
	receiver := h.thread(1)

	_, _, _, err := ep.Receive(recvTable, receiver, time.Now().Add(10*time.Millisecond))
	assert.Assert(t, errdefs.IsDeadlineExceeded(err))
}

func TestSendDelegatesAttenuatedCapability(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	senderTable := h.table(1)
	recvTable := h.table(2)
	sender := h.thread(1)
	receiver := h.thread(2)

	memID := h.objs.Alloc(objtable.KindMemory, struct{}{})
	srcSlot, err := senderTable.Install(capability.Capability{
		Object: memID, Kind: objtable.KindMemory, Rights: capability.Read | capability.Write | capability.Grant,
	})
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Send(senderTable, sender, 0, Message{}, []CapTransfer{{Slot: srcSlot, Mask: capability.Read}}, Blocking, time.Time{})
		done <- err
	}()
	waitBlocked(t, sender)

	_, _, slots, err := ep.Receive(recvTable, receiver, time.Time{})
	assert.NilError(t, err)
	assert.Assert(t, len(slots) == 1)

	got, err := recvTable.Lookup(slots[0], capability.Read)
	assert.NilError(t, err)
	assert.Assert(t, !capability.Write.Subset(got.Rights))

	assert.NilError(t, <-done)
}

func TestSendRejectsEscalatingTransfer(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	senderTable := h.table(1)
	recvTable := h.table(2)
	sender := h.thread(1)
	receiver := h.thread(2)

	memID := h.objs.Alloc(objtable.KindMemory, struct{}{})
	srcSlot, err := senderTable.Install(capability.Capability{
		Object: memID, Kind: objtable.KindMemory, Rights: capability.Read,
	})
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Send(senderTable, sender, 0, Message{}, []CapTransfer{{Slot: srcSlot, Mask: capability.Read | capability.Write}}, Blocking, time.Time{})
		done <- err
	}()
	waitBlocked(t, sender)

	_, _, _, err = ep.Receive(recvTable, receiver, time.Now().Add(50*time.Millisecond))
	assert.Assert(t, errdefs.IsDeadlineExceeded(err))

	sendErr := <-done
	assert.Assert(t, errdefs.IsForbidden(sendErr))
}

func TestCallBlocksUntilReply(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	callerTable := h.table(1)
	serverTable := h.table(2)
	caller := h.thread(1)
	server := h.thread(2)

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := ep.Send(callerTable, caller, 0, Message{Payload: []byte("ping")}, nil, Call, time.Time{})
		done <- result{msg, err}
	}()
	waitBlocked(t, caller)

	_, msg, slots, err := ep.Receive(serverTable, server, time.Time{})
	assert.NilError(t, err)
	assert.Assert(t, len(slots) == 1)
	assert.DeepEqual(t, msg.Payload, []byte("ping"))

	assert.NilError(t, Reply(h.objs, serverTable, slots[0], Message{Payload: []byte("pong")}, nil))

	res := <-done
	assert.NilError(t, res.err)
	assert.DeepEqual(t, res.msg.Payload, []byte("pong"))
}

func TestReplyToConsumedSlotFailsBadSlot(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	callerTable := h.table(1)
	serverTable := h.table(2)
	caller := h.thread(1)
	server := h.thread(2)

	go func() { _, _ = ep.Send(callerTable, caller, 0, Message{}, nil, Call, time.Time{}) }()
	waitBlocked(t, caller)

	_, _, slots, err := ep.Receive(serverTable, server, time.Time{})
	assert.NilError(t, err)

	assert.NilError(t, Reply(h.objs, serverTable, slots[0], Message{}, nil))

	err = Reply(h.objs, serverTable, slots[0], Message{}, nil)
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestCloseWakesBlockedPeersWithEndpointGone(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)
	senderTable := h.table(1)
	sender := h.thread(1)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Send(senderTable, sender, 0, Message{}, nil, Blocking, time.Time{})
		done <- err
	}()
	waitBlocked(t, sender)

	ep.Close()
	err := <-done
	assert.Assert(t, errdefs.IsConflict(err))
}

func TestNotifyDeliversBitmaskToWaiter(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)

	done := make(chan uint64, 1)
	go func() {
		bits, err := ep.WaitNotify(time.Time{})
		assert.Check(t, err == nil)
		done <- bits
	}()

	time.Sleep(20 * time.Millisecond)
	ep.Notify(0b101)

	select {
	case bits := <-done:
		assert.Equal(t, bits, uint64(0b101))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notify")
	}
}

func TestWaitNotifyTimesOutWithNoNotify(t *testing.T) {
	h := newHarness(t)
	ep := New(h.objs, h.sched, nil)

	_, err := ep.WaitNotify(time.Now().Add(10 * time.Millisecond))
	assert.Assert(t, errdefs.IsDeadlineExceeded(err))
}

func waitBlocked(t *testing.T, th *scheduler.Thread) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if th.State() == scheduler.Blocked {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("thread never blocked")
}
