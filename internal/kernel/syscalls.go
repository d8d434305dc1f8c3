package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/auditlog"
	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/ipc"
	"github.com/zeroos-project/kernel/internal/objtable"
	"github.com/zeroos-project/kernel/internal/process"
	"github.com/zeroos-project/kernel/internal/scheduler"
	"github.com/zeroos-project/kernel/internal/vmm"
)

// SpawnResult bundles a freshly spawned process with the slots of the
// capabilities a spawn auto-installs: the root Memory capability over
// the child's own address space (installed into the child's own
// table), and, if the caller supplied a parent, a Process capability
// (Wait right) and a Thread capability (Signal right) over the child
// and its initial thread, installed into the parent's table — spec §5
// "a parent holding a Thread capability with Signal right may cancel a
// child thread" and §6 wait(pid) presuppose the parent already holds
// something to wait/signal on.
type SpawnResult struct {
	Process       *process.Process
	MemCapSlot    int
	ProcCapSlot   int // -1 if Parent was nil (init's own processes)
	ThreadCapSlot int // -1 if Parent was nil
}

// Spawn implements spec §6 spawn(image, caps_initial) → pid, generalized
// to a Go-native signature: parent is nil for a process with no
// supervising parent (init's own children), otherwise the new process's
// Parent field and the parent's CapTable are both populated.
func (k *Kernel) Spawn(ctx context.Context, parent *process.Process, owner uint64, priority int) (SpawnResult, error) {
	var actorPID uint64
	if parent != nil {
		actorPID = parent.ActorID()
	}
	return dispatch(k, ctx, "spawn", actorPID, func(ctx context.Context) (SpawnResult, error) {
		parentID := uuid.Nil
		if parent != nil {
			parentID = parent.ID
		}
		child := k.Procs.Spawn(owner, parentID, priority)

		memID := k.Objs.Alloc(objtable.KindMemory, child.Space)
		memCap := capability.Capability{
			Object: memID, Kind: objtable.KindMemory,
			Rights: capability.Read | capability.Write | capability.Grant | capability.Revoke | capability.Duplicate,
		}
		memSlot, err := child.Caps.Install(memCap)
		if err != nil {
			return SpawnResult{}, err
		}

		res := SpawnResult{Process: child, MemCapSlot: memSlot, ProcCapSlot: -1, ThreadCapSlot: -1}
		if parent == nil {
			return res, nil
		}

		procID := k.Objs.Alloc(objtable.KindProcess, child)
		procCap := capability.Capability{Object: procID, Kind: objtable.KindProcess, Rights: capability.Wait | capability.Signal}
		procSlot, err := parent.Caps.Install(procCap)
		if err != nil {
			return res, err
		}
		res.ProcCapSlot = procSlot

		threads := child.Threads()
		if len(threads) > 0 {
			thID := k.Objs.Alloc(objtable.KindThread, threads[0])
			thCap := capability.Capability{Object: thID, Kind: objtable.KindThread, Rights: capability.Signal}
			thSlot, err := parent.Caps.Install(thCap)
			if err != nil {
				return res, err
			}
			res.ThreadCapSlot = thSlot
		}
		return res, nil
	})
}

// Exit implements spec §6 exit(code): the cascade flag mirrors spec
// §3's "termination cascades if the parent requests it".
func (k *Kernel) Exit(ctx context.Context, p *process.Process, code int, cascade bool) error {
	_, err := dispatch(k, ctx, "exit", p.ActorID(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.Procs.Exit(p, code, cascade)
	})
	return err
}

// Wait implements spec §6 wait(pid, timeout) → exit_code: the caller
// presents a Process capability with the Wait right rather than a raw
// pid, so the kernel never hands a process's internal identity to a
// caller that was never granted it.
func (k *Kernel) Wait(ctx context.Context, callerTable *captable.CapTable, procCapSlot int, deadline time.Time) (int, error) {
	return dispatch(k, ctx, "wait", callerTable.ActorPID(), func(ctx context.Context) (int, error) {
		p, err := k.resolveProcess(callerTable, procCapSlot, capability.Wait)
		if err != nil {
			return 0, err
		}
		return k.Procs.Wait(p.ID, deadline)
	})
}

// Reap finalizes a Zombie process named by a Process capability with
// the Wait right (spec §3 Zombie -> Reaped).
func (k *Kernel) Reap(ctx context.Context, callerTable *captable.CapTable, procCapSlot int) error {
	_, err := dispatch(k, ctx, "reap", callerTable.ActorPID(), func(ctx context.Context) (struct{}, error) {
		p, err := k.resolveProcess(callerTable, procCapSlot, capability.Wait)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, k.Procs.Reap(p.ID)
	})
	return err
}

func (k *Kernel) resolveProcess(table *captable.CapTable, slot int, required capability.Rights) (*process.Process, error) {
	cap, err := table.Lookup(slot, required)
	if err != nil {
		return nil, err
	}
	obj, err := k.Objs.Resolve(cap.Object)
	if err != nil {
		return nil, err
	}
	p, ok := obj.(*process.Process)
	if !ok {
		return nil, errdefs.InvalidParameter(errNotAProcess)
	}
	return p, nil
}

// ThreadCreate implements spec §6 thread_create(entry, stack, priority)
// → tid: entry/stack are userspace register-context concerns out of
// this core's scope (spec §1), so this spawns a new Thread owned by p
// at the given priority band and records it on p for cascading exit.
func (k *Kernel) ThreadCreate(ctx context.Context, p *process.Process, priority int) (*scheduler.Thread, error) {
	return dispatch(k, ctx, "thread_create", p.ActorID(), func(ctx context.Context) (*scheduler.Thread, error) {
		th := k.Sched.Spawn(p.ActorID(), priority)
		p.AddThread(th)
		return th, nil
	})
}

// ThreadExit implements spec §6 thread_exit.
func (k *Kernel) ThreadExit(ctx context.Context, th *scheduler.Thread) error {
	_, err := dispatch(k, ctx, "thread_exit", th.PID, func(ctx context.Context) (struct{}, error) {
		k.Sched.Exit(th)
		return struct{}{}, nil
	})
	return err
}

// Yield implements spec §6 yield: a voluntary slice surrender.
func (k *Kernel) Yield(ctx context.Context, th *scheduler.Thread) error {
	_, err := dispatch(k, ctx, "yield", th.PID, func(ctx context.Context) (struct{}, error) {
		k.Sched.Yield(th)
		return struct{}{}, nil
	})
	return err
}

// Cancel implements spec §6 cancel(tid): the caller presents a Thread
// capability with the Signal right (spec §5: "a parent holding a
// Thread capability with Signal right may cancel a child thread").
func (k *Kernel) Cancel(ctx context.Context, callerTable *captable.CapTable, threadCapSlot int) error {
	_, err := dispatch(k, ctx, "cancel", callerTable.ActorPID(), func(ctx context.Context) (struct{}, error) {
		cap, err := callerTable.Lookup(threadCapSlot, capability.Signal)
		if err != nil {
			return struct{}{}, err
		}
		obj, err := k.Objs.Resolve(cap.Object)
		if err != nil {
			return struct{}{}, err
		}
		th, ok := obj.(*scheduler.Thread)
		if !ok {
			return struct{}{}, errdefs.InvalidParameter(errNotAThread)
		}
		k.Sched.Cancel(th)
		return struct{}{}, nil
	})
	return err
}

// CapDuplicate implements spec §6 cap_duplicate(slot, rights) → slot'.
func (k *Kernel) CapDuplicate(ctx context.Context, table *captable.CapTable, slot int, mask capability.Rights, badge uint64) (int, error) {
	return dispatch(k, ctx, "cap_duplicate", table.ActorPID(), func(ctx context.Context) (int, error) {
		return table.Duplicate(slot, mask, badge)
	})
}

// GrantTo implements spec §4.2 transfer_to(dest_table, slot, rights_mask)
// → dest_slot: a direct cross-table delegation outside of any IPC
// rendezvous, used for seeding a freshly spawned child's initial
// capabilities and for the scenario-level "A grants B a capability"
// step spec §8 describes. Locks both tables in ascending ID order (spec
// §5) for the duration of the transfer.
func (k *Kernel) GrantTo(ctx context.Context, table *captable.CapTable, slot int, mask capability.Rights, badge uint64, dest *captable.CapTable) (int, error) {
	return dispatch(k, ctx, "cap_grant", table.ActorPID(), func(ctx context.Context) (int, error) {
		unlock := captable.LockOrdered(table, dest)
		defer unlock()
		return table.TransferTo(dest, slot, mask, badge)
	})
}

// CapDelete implements spec §6 cap_delete(slot).
func (k *Kernel) CapDelete(ctx context.Context, table *captable.CapTable, slot int) error {
	_, err := dispatch(k, ctx, "cap_delete", table.ActorPID(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, table.Delete(slot)
	})
	return err
}

// CapInfo is spec §6 cap_info(slot)'s return value: the parts of a
// capability that are safe to hand back to the userspace holder (never
// the provenance link itself — spec §9 warns against giving userspace
// a handle on kernel-internal derivation pointers).
type CapInfo struct {
	Kind   objtable.Kind
	Rights capability.Rights
	Badge  uint64
}

// CapInfo implements spec §6 cap_info(slot) → CapInfo.
func (k *Kernel) CapInfo(ctx context.Context, table *captable.CapTable, slot int) (CapInfo, error) {
	return dispatch(k, ctx, "cap_info", table.ActorPID(), func(ctx context.Context) (CapInfo, error) {
		cap, err := table.Lookup(slot, 0)
		if err != nil {
			return CapInfo{}, err
		}
		return CapInfo{Kind: cap.Kind, Rights: cap.Rights, Badge: cap.Badge}, nil
	})
}

// rightsForPerms projects a memory-mapping permission request onto the
// generic capability rights checked against a Memory capability's mask:
// spec §8 scenario 2 ("B attempts map(..., perms=Write) → RightsViolation"
// after being delegated a Read-only Memory cap) requires that a plain
// map() call, not just share(), is gated by the caller's own Memory
// capability. Execute/User/Cached have no capability-rights analogue and
// are enforced only at the page-table level by internal/vmm.
func rightsForPerms(perms vmm.Perms) capability.Rights {
	var r capability.Rights
	if perms&vmm.Read != 0 {
		r |= capability.Read
	}
	if perms&vmm.Write != 0 {
		r |= capability.Write
	}
	return r
}

// MemMap implements spec §6 map(vaddr, len, kind, perms) → region,
// gated by the capability at memCapSlot in the caller's table, whose
// rights must cover perms (see rightsForPerms).
func (k *Kernel) MemMap(ctx context.Context, p *process.Process, memCapSlot int, vaddr vmm.VAddr, length uint64, kind vmm.BackingKind, perms vmm.Perms) (vmm.RegionHandle, error) {
	return dispatch(k, ctx, "map", p.ActorID(), func(ctx context.Context) (vmm.RegionHandle, error) {
		if _, err := p.Caps.Lookup(memCapSlot, rightsForPerms(perms)); err != nil {
			return 0, err
		}
		return p.Space.Map(vaddr, length, kind, perms)
	})
}

// MemUnmap implements spec §6 unmap(region).
func (k *Kernel) MemUnmap(ctx context.Context, p *process.Process, region vmm.RegionHandle) error {
	_, err := dispatch(k, ctx, "unmap", p.ActorID(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Space.Unmap(region)
	})
	return err
}

// MemShare implements spec §6 share(region, dest_space_cap, dest_vaddr,
// perms): spec §4.3 "requires a Memory capability with Grant right".
func (k *Kernel) MemShare(ctx context.Context, src *process.Process, memCapSlot int, srcRegion vmm.RegionHandle, dest *process.Process, destVAddr vmm.VAddr, perms vmm.Perms) (vmm.RegionHandle, error) {
	return dispatch(k, ctx, "share", src.ActorID(), func(ctx context.Context) (vmm.RegionHandle, error) {
		required := capability.Grant | rightsForPerms(perms)
		if _, err := src.Caps.Lookup(memCapSlot, required); err != nil {
			return 0, err
		}
		return vmm.Share(src.Space, srcRegion, dest.Space, destVAddr, perms)
	})
}

// MemTransfer implements the transfer() half of spec §4.3's share/
// transfer pair, gated the same way as MemShare since it moves frames
// across the same trust boundary.
func (k *Kernel) MemTransfer(ctx context.Context, src *process.Process, memCapSlot int, srcRegion vmm.RegionHandle, dest *process.Process, destVAddr vmm.VAddr, perms vmm.Perms) (vmm.RegionHandle, error) {
	return dispatch(k, ctx, "transfer", src.ActorID(), func(ctx context.Context) (vmm.RegionHandle, error) {
		required := capability.Grant | rightsForPerms(perms)
		if _, err := src.Caps.Lookup(memCapSlot, required); err != nil {
			return 0, err
		}
		return vmm.Transfer(src.Space, srcRegion, dest.Space, destVAddr, perms)
	})
}

// EndpointCreate implements spec §6 endpoint_create() → slot: a freshly
// created object's creator receives the root capability with all
// rights (spec §3 Lifecycle summary).
func (k *Kernel) EndpointCreate(ctx context.Context, table *captable.CapTable) (int, *ipc.Endpoint, error) {
	type result struct {
		slot int
		ep   *ipc.Endpoint
	}
	res, err := dispatch(k, ctx, "endpoint_create", table.ActorPID(), func(ctx context.Context) (result, error) {
		ep := ipc.New(k.Objs, k.Sched, k.Audit)
		id := k.Objs.Alloc(objtable.KindEndpoint, ep)
		cap := capability.Capability{
			Object: id, Kind: objtable.KindEndpoint,
			Rights: capability.Read | capability.Write | capability.Grant | capability.Revoke | capability.Duplicate | capability.Wait | capability.Signal,
		}
		slot, err := table.Install(cap)
		return result{slot: slot, ep: ep}, err
	})
	return res.slot, res.ep, err
}

func (k *Kernel) resolveEndpoint(table *captable.CapTable, slot int, required capability.Rights) (capability.Capability, *ipc.Endpoint, error) {
	cap, err := table.Lookup(slot, required)
	if err != nil {
		return capability.Capability{}, nil, err
	}
	obj, err := k.Objs.Resolve(cap.Object)
	if err != nil {
		return capability.Capability{}, nil, err
	}
	ep, ok := obj.(*ipc.Endpoint)
	if !ok {
		return capability.Capability{}, nil, errdefs.InvalidParameter(errNotAnEndpoint)
	}
	return cap, ep, nil
}

// Send implements spec §6 send(ep, msg, mode): the sender's badge on
// the delivered message is the badge carried by their own capability
// to ep (spec §3 Capability: "the receiver sees this tag on every
// message from that capability").
func (k *Kernel) Send(ctx context.Context, table *captable.CapTable, th *scheduler.Thread, epSlot int, msg ipc.Message, transfers []ipc.CapTransfer, mode ipc.Mode, deadline time.Time) (ipc.Message, error) {
	return dispatch(k, ctx, "send", table.ActorPID(), func(ctx context.Context) (ipc.Message, error) {
		cap, ep, err := k.resolveEndpoint(table, epSlot, capability.Write)
		if err != nil {
			return ipc.Message{}, err
		}
		return ep.Send(table, th, cap.Badge, msg, transfers, mode, deadline)
	})
}

// Receive implements spec §6 receive(ep, timeout) → (badge, msg).
func (k *Kernel) Receive(ctx context.Context, table *captable.CapTable, th *scheduler.Thread, epSlot int, deadline time.Time) (uint64, ipc.Message, []int, error) {
	type result struct {
		badge uint64
		msg   ipc.Message
		slots []int
	}
	res, err := dispatch(k, ctx, "receive", table.ActorPID(), func(ctx context.Context) (result, error) {
		_, ep, err := k.resolveEndpoint(table, epSlot, capability.Read)
		if err != nil {
			return result{}, err
		}
		badge, msg, slots, err := ep.Receive(table, th, deadline)
		return result{badge: badge, msg: msg, slots: slots}, err
	})
	return res.badge, res.msg, res.slots, err
}

// Reply implements spec §6 reply(reply_cap, msg): the reply capability
// is single-use and consumed by this call (spec §4.5).
func (k *Kernel) Reply(ctx context.Context, table *captable.CapTable, replySlot int, msg ipc.Message, transfers []ipc.CapTransfer) error {
	_, err := dispatch(k, ctx, "reply", table.ActorPID(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ipc.Reply(k.Objs, table, replySlot, msg, transfers)
	})
	return err
}

// Notify implements spec §6 notify(ep, bits): fire-and-forget, no
// payload; bits reach only waiters already registered (see
// ipc.Endpoint.Notify).
func (k *Kernel) Notify(ctx context.Context, table *captable.CapTable, epSlot int, bits uint64) error {
	_, err := dispatch(k, ctx, "notify", table.ActorPID(), func(ctx context.Context) (struct{}, error) {
		_, ep, err := k.resolveEndpoint(table, epSlot, capability.Write)
		if err != nil {
			return struct{}{}, err
		}
		ep.Notify(bits)
		return struct{}{}, nil
	})
	return err
}

// WaitNotify blocks until the next Notify on ep, requiring the
// Wait right (spec §4.5: "receivers waiting with Wait right are woken").
func (k *Kernel) WaitNotify(ctx context.Context, table *captable.CapTable, epSlot int, deadline time.Time) (uint64, error) {
	return dispatch(k, ctx, "wait_notify", table.ActorPID(), func(ctx context.Context) (uint64, error) {
		_, ep, err := k.resolveEndpoint(table, epSlot, capability.Wait)
		if err != nil {
			return 0, err
		}
		return ep.WaitNotify(deadline)
	})
}

// LogQuery implements spec §6 log_query(from, to, filter, limit) →
// records.
func (k *Kernel) LogQuery(ctx context.Context, actorPID uint64, fromSeq, toSeq uint64, filter auditlog.Filter, limit int) ([]auditlog.Record, error) {
	return dispatch(k, ctx, "log_query", actorPID, func(ctx context.Context) ([]auditlog.Record, error) {
		return k.Audit.Query(fromSeq, toSeq, filter, limit)
	})
}

// LogWatch implements spec §6 log_watch(filter) → notify_ep: a live
// subscription channel rather than a one-shot result, so it bypasses
// the single-result dispatch wrapper (internal/auditstream exposes this
// to out-of-process subscribers over gRPC).
func (k *Kernel) LogWatch(filter auditlog.Filter) <-chan auditlog.Record {
	return k.Audit.Watch(filter)
}

// NowMonotonic implements spec §6 now_monotonic() → nanoseconds.
func (k *Kernel) NowMonotonic(ctx context.Context) int64 {
	return time.Now().UnixNano()
}

// SleepUntil implements spec §6 sleep_until(deadline), blocking the
// calling thread on the scheduler's timer wheel (spec §5: "deadlines
// are enforced by the scheduler's timer wheel").
func (k *Kernel) SleepUntil(ctx context.Context, th *scheduler.Thread, deadline time.Time) error {
	_, err := dispatch(k, ctx, "sleep_until", th.PID, func(ctx context.Context) (struct{}, error) {
		ev := k.Sched.BlockOn(th, scheduler.ReasonTimer, deadline)
		if ev.Cancelled {
			return struct{}{}, errdefs.Cancelled(errSleepCancelled)
		}
		return struct{}{}, nil
	})
	return err
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	errNotAProcess    = staticErr("slot's object is not a process")
	errNotAThread     = staticErr("slot's object is not a thread")
	errNotAnEndpoint  = staticErr("slot's object is not an endpoint")
	errSleepCancelled = staticErr("thread cancelled while sleeping")
)
