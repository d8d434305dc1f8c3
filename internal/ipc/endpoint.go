package ipc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-events"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/objtable"
	"github.com/zeroos-project/kernel/internal/scheduler"
)

// Auditor is the narrow slice of internal/auditlog.Log IPC needs.
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

var nextEndpointID atomic.Uint64
var nextReplyBadge atomic.Uint64

// Endpoint is spec §3's rendezvous object: a receive queue, a send
// queue, a monotonically increasing local message counter, and a
// notification broadcaster. No notification word is stored; see Notify.
type Endpoint struct {
	id    uint64
	objs  *objtable.Table
	sched *scheduler.Scheduler
	audit Auditor

	mu      sync.Mutex
	recvQ   []*recvWaiter
	sendQ   []*sendWaiter
	counter uint64
	gone    bool

	notify *events.Broadcaster
}

type recvWaiter struct {
	thread *scheduler.Thread
	table  *captable.CapTable
	badge  uint64
	msg    Message
	slots  []int
	err    error
}

type sendWaiter struct {
	thread    *scheduler.Thread
	table     *captable.CapTable
	badge     uint64
	msg       Message
	transfers []CapTransfer
	replyCap  *capability.Capability
	replyEp   *Endpoint
	err       error
}

// New constructs an Endpoint backed by objs (for allocating one-shot
// reply endpoints) and sched (for blocking callers).
func New(objs *objtable.Table, sched *scheduler.Scheduler, audit Auditor) *Endpoint {
	return &Endpoint{
		id:     nextEndpointID.Add(1),
		objs:   objs,
		sched:  sched,
		audit:  audit,
		notify: events.NewBroadcaster(),
	}
}

// Close marks the endpoint gone: every blocked sender and receiver
// unblocks with EndpointGone (spec §4.5 failure semantics — modeling
// "the capability is revoked mid-send").
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.gone = true
	senders := e.sendQ
	receivers := e.recvQ
	e.sendQ, e.recvQ = nil, nil
	e.mu.Unlock()

	for _, sw := range senders {
		sw.err = errdefs.Conflict(errEndpointGone)
		e.sched.Wake(sw.thread, scheduler.ReasonIPCSend)
	}
	for _, rw := range receivers {
		rw.err = errdefs.Conflict(errEndpointGone)
		e.sched.Wake(rw.thread, scheduler.ReasonIPCReceive)
	}
	_ = e.notify.Close()
}

func validate(msg Message, transfers []CapTransfer) error {
	if len(msg.Payload) > MaxPayload {
		return errdefs.InvalidParameter(errPayloadTooLarge)
	}
	if len(transfers) > MaxCapTransfers {
		return errdefs.InvalidParameter(errTooManyCaps)
	}
	return nil
}

// Send implements spec §4.5 send(): mode selects Blocking, NonBlocking,
// or Call. Call returns the reply payload; the other modes always
// return a zero Message.
func (e *Endpoint) Send(table *captable.CapTable, th *scheduler.Thread, badge uint64, msg Message, transfers []CapTransfer, mode Mode, deadline time.Time) (Message, error) {
	if err := validate(msg, transfers); err != nil {
		return Message{}, err
	}

	var replyEp *Endpoint
	var replyCap *capability.Capability
	if mode == Call {
		replyEp = New(e.objs, e.sched, e.audit)
		id := e.objs.Alloc(objtable.KindEndpoint, replyEp)
		c := capability.Capability{Object: id, Kind: objtable.KindEndpoint, Rights: capability.Write, Badge: nextReplyBadge.Add(1)}
		replyCap = &c
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return Message{}, errdefs.Conflict(errEndpointGone)
	}

	if len(e.recvQ) > 0 {
		rw := e.recvQ[0]
		e.recvQ = e.recvQ[1:]
		e.counter++
		e.mu.Unlock()

		slots, err := deliverCaps(table, rw.table, transfers, replyCap)
		if err != nil {
			e.mu.Lock()
			e.recvQ = append([]*recvWaiter{rw}, e.recvQ...)
			e.mu.Unlock()
			return Message{}, err
		}

		e.auditAppend(table, "IpcSend", badge)
		e.auditAppend(rw.table, "IpcReceive", badge)
		rw.badge, rw.msg, rw.slots, rw.err = badge, msg, slots, nil
		e.sched.Wake(rw.thread, scheduler.ReasonIPCReceive)

		if mode == Call {
			return e.blockForReply(replyEp, table, th, deadline)
		}
		return Message{}, nil
	}

	if mode == NonBlocking {
		e.mu.Unlock()
		return Message{}, errdefs.Unavailable(errWouldBlock)
	}

	sw := &sendWaiter{thread: th, table: table, badge: badge, msg: msg, transfers: transfers, replyCap: replyCap, replyEp: replyEp}
	e.sendQ = append(e.sendQ, sw)
	e.mu.Unlock()

	ev := e.sched.BlockOn(th, scheduler.ReasonIPCSend, deadline)
	if ev.TimedOut {
		e.removeSender(sw)
		return Message{}, errdefs.DeadlineExceeded(errTimeout)
	}
	if ev.Cancelled {
		e.removeSender(sw)
		return Message{}, errdefs.Cancelled(errCancelledMsg)
	}
	if sw.err != nil {
		return Message{}, sw.err
	}
	if mode == Call {
		return e.blockForReply(replyEp, table, th, deadline)
	}
	return Message{}, nil
}

func (e *Endpoint) blockForReply(replyEp *Endpoint, table *captable.CapTable, th *scheduler.Thread, deadline time.Time) (Message, error) {
	_, msg, _, err := replyEp.Receive(table, th, deadline)
	return msg, err
}

// Receive implements spec §4.5 receive(): matches the earliest queued
// sender (FIFO, spec §4.5 ordering) or blocks until one arrives or
// deadline fires.
func (e *Endpoint) Receive(table *captable.CapTable, th *scheduler.Thread, deadline time.Time) (badge uint64, msg Message, slots []int, err error) {
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return 0, Message{}, nil, errdefs.Conflict(errEndpointGone)
	}

	for len(e.sendQ) > 0 {
		sw := e.sendQ[0]
		e.sendQ = e.sendQ[1:]
		e.counter++
		e.mu.Unlock()

		installed, derr := deliverCaps(sw.table, table, sw.transfers, sw.replyCap)
		if derr != nil {
			sw.err = derr
			e.sched.Wake(sw.thread, scheduler.ReasonIPCSend)
			e.mu.Lock()
			continue
		}

		e.auditAppend(sw.table, "IpcSend", sw.badge)
		e.auditAppend(table, "IpcReceive", sw.badge)
		sw.err = nil
		e.sched.Wake(sw.thread, scheduler.ReasonIPCSend)
		return sw.badge, sw.msg, installed, nil
	}

	rw := &recvWaiter{thread: th, table: table}
	e.recvQ = append(e.recvQ, rw)
	e.mu.Unlock()

	ev := e.sched.BlockOn(th, scheduler.ReasonIPCReceive, deadline)
	if ev.TimedOut {
		e.removeReceiver(rw)
		return 0, Message{}, nil, errdefs.DeadlineExceeded(errTimeout)
	}
	if ev.Cancelled {
		e.removeReceiver(rw)
		return 0, Message{}, nil, errdefs.Cancelled(errCancelledMsg)
	}
	return rw.badge, rw.msg, rw.slots, rw.err
}

func (e *Endpoint) removeSender(target *sendWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sw := range e.sendQ {
		if sw == target {
			e.sendQ = append(e.sendQ[:i], e.sendQ[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) removeReceiver(target *recvWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rw := range e.recvQ {
		if rw == target {
			e.recvQ = append(e.recvQ[:i], e.recvQ[i+1:]...)
			return
		}
	}
}

// deliverCaps transfers every requested slot from src to dest under the
// cross-table lock, ordered by table id (spec §4.5, §5), plus an
// optional freshly created reply capability installed directly as a
// root capability in dest (no corresponding source slot exists for it).
// All-or-nothing: a DestFull leaves src unchanged.
func deliverCaps(src, dest *captable.CapTable, transfers []CapTransfer, replyCap *capability.Capability) ([]int, error) {
	if dest == nil {
		if len(transfers) > 0 || replyCap != nil {
			return nil, errdefs.InvalidParameter(errNoCapTable)
		}
		return nil, nil
	}
	if src == nil {
		if len(transfers) > 0 {
			return nil, errdefs.InvalidParameter(errNoCapTable)
		}
		if replyCap == nil {
			return nil, nil
		}
		dest.Lock()
		defer dest.Unlock()
		slot, err := dest.InstallLocked(*replyCap)
		if err != nil {
			return nil, err
		}
		return []int{slot}, nil
	}

	unlock := captable.LockOrdered(src, dest)
	defer unlock()

	reqs := make([]captable.Transfer, len(transfers))
	for i, t := range transfers {
		reqs[i] = captable.Transfer{Slot: t.Slot, Mask: t.Mask, Badge: t.Badge}
	}
	slots, err := src.TransferManyTo(dest, reqs)
	if err != nil {
		return nil, err
	}
	if replyCap != nil {
		slot, err := dest.InstallLocked(*replyCap)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// Reply delivers msg through the one-shot reply capability installed in
// table at slot (spec §4.5: "reply() consumes the reply capability; a
// second reply on the same slot fails BadSlot"). The reply capability is
// an ordinary Write-only Endpoint capability minted by Send's Call mode,
// so delivery reuses Send's NonBlocking path rather than a parallel
// mechanism. The reply capability is deleted after the delivery attempt,
// whether or not it succeeded.
func Reply(objs *objtable.Table, table *captable.CapTable, slot int, msg Message, transfers []CapTransfer) error {
	replyCap, err := table.Lookup(slot, capability.Write)
	if err != nil {
		return err
	}
	obj, err := objs.Resolve(replyCap.Object)
	if err != nil {
		return err
	}
	replyEp, ok := obj.(*Endpoint)
	if !ok {
		return errdefs.InvalidParameter(errNotAnEndpoint)
	}

	_, err = replyEp.Send(table, nil, replyCap.Badge, msg, transfers, NonBlocking, time.Time{})
	if derr := table.Delete(slot); derr != nil && err == nil {
		err = derr
	}
	objs.Free(replyCap.Object)
	return err
}

// Notify hands flags to every waiter currently registered via
// WaitNotify, fire-and-forget. Backed by docker/go-events' broadcaster
// so a slow or absent waiter never blocks the notifier — each waiter's
// sink keeps the first flags it receives and drops later ones. Flags
// are not stored or OR'd on the endpoint: a Notify made while no waiter
// is registered is lost, and successive Notify calls are not merged.
func (e *Endpoint) Notify(flags uint64) {
	_ = e.notify.Write(flags)
}

// WaitNotify blocks until the next Notify call, or deadline, returning
// the flags of the first Notify made after it registered; a Notify made
// before the call is not seen. Requires the caller
// to hold a capability with the Wait right; that check is the kernel
// dispatch layer's responsibility, not this package's.
func (e *Endpoint) WaitNotify(deadline time.Time) (uint64, error) {
	sink := &dropSink{ch: make(chan uint64, 1)}
	e.notify.Add(sink)
	defer e.notify.Remove(sink)

	var after <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		after = timer.C
	}
	select {
	case bits := <-sink.ch:
		return bits, nil
	case <-after:
		return 0, errdefs.DeadlineExceeded(errTimeout)
	}
}

// dropSink is a bounded, droppable events.Sink: Write never blocks the
// broadcaster, matching notify()'s fire-and-forget contract.
type dropSink struct{ ch chan uint64 }

func (s *dropSink) Write(ev events.Event) error {
	bits, _ := ev.(uint64)
	select {
	case s.ch <- bits:
	default:
	}
	return nil
}

func (s *dropSink) Close() error { close(s.ch); return nil }

func (e *Endpoint) auditAppend(table *captable.CapTable, kind string, badge uint64) {
	if e.audit == nil {
		return
	}
	actor := uint64(0)
	if table != nil {
		actor = table.ActorPID()
	}
	_, _ = e.audit.Append(actor, kind, map[string]any{"endpoint": e.id, "badge": badge})
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	errPayloadTooLarge = staticErr("message payload exceeds the 4 KiB bound")
	errTooManyCaps     = staticErr("message carries more than the maximum capability transfers")
	errWouldBlock      = staticErr("no receiver waiting and mode is NonBlocking")
	errTimeout         = staticErr("deadline fired before the operation completed")
	errCancelledMsg    = staticErr("thread cancelled while blocked")
	errEndpointGone    = staticErr("endpoint capability revoked mid-operation")
	errNoCapTable      = staticErr("capability transfer requested with no destination table")
	errNotAnEndpoint   = staticErr("slot's object is not an endpoint")
)
