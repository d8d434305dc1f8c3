package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/ipc"
	"github.com/zeroos-project/kernel/internal/kernel"
	"github.com/zeroos-project/kernel/internal/process"
	"github.com/zeroos-project/kernel/internal/scheduler"
	"github.com/zeroos-project/kernel/internal/vmm"
)

// scenarios names every spec §8 reference scenario runnable from the
// command line, each a thin driver over the same Kernel methods
// internal/kernel/scenario_test.go exercises in-process.
var scenarios = map[string]func(context.Context, *kernel.Kernel) error{
	"echo":      runEcho,
	"delegate":  runDelegate,
	"revoke":    runRevoke,
	"callreply": runCallReply,
}

func newRunCmd(flags *bootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "boot a kernel and run one of spec §8's reference scenarios",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, ok := scenarios[args[0]]
			if !ok {
				return fmt.Errorf("unknown scenario %q (known: echo, delegate, revoke, callreply)", args[0])
			}
			k, err := flags.boot()
			if err != nil {
				return err
			}
			defer k.Close()

			start := time.Now()
			if err := fn(cmd.Context(), k); err != nil {
				return fmt.Errorf("scenario %q failed: %w", args[0], err)
			}
			fmt.Printf("scenario %q ok in %s\n", args[0], time.Since(start))
			return nil
		},
	}
	return cmd
}

func spawn(ctx context.Context, k *kernel.Kernel, priority int) (*process.Process, error) {
	res, err := k.Spawn(ctx, nil, 1000, priority)
	if err != nil {
		return nil, err
	}
	return res.Process, nil
}

func waitBlocked(th *scheduler.Thread, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if th.State() == scheduler.Blocked {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func runEcho(ctx context.Context, k *kernel.Kernel) error {
	a, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}
	b, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}

	epSlotA, _, err := k.EndpointCreate(ctx, a.Caps)
	if err != nil {
		return err
	}
	epSlotB, err := k.GrantTo(ctx, a.Caps, epSlotA, capability.Read|capability.Write, 42, b.Caps)
	if err != nil {
		return err
	}

	aThread, bThread := a.Threads()[0], b.Threads()[0]
	sendErr := make(chan error, 1)
	go func() {
		_, err := k.Send(ctx, a.Caps, aThread, epSlotA, ipc.Message{Payload: []byte("ping")}, nil, ipc.Blocking, time.Time{})
		sendErr <- err
	}()
	waitBlocked(aThread, time.Second)

	badge, msg, _, err := k.Receive(ctx, b.Caps, bThread, epSlotB, time.Time{})
	if err != nil {
		return err
	}
	if err := <-sendErr; err != nil {
		return err
	}
	fmt.Printf("  A -> B: badge=%d payload=%q\n", badge, msg.Payload)
	return nil
}

func runDelegate(ctx context.Context, k *kernel.Kernel) error {
	spawned, err := k.Spawn(ctx, nil, 1000, 3)
	if err != nil {
		return err
	}
	a := spawned.Process
	b, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}

	readOnly, err := k.GrantTo(ctx, a.Caps, spawned.MemCapSlot, capability.Read, 0, b.Caps)
	if err != nil {
		return err
	}

	if _, err := k.MemMap(ctx, b, readOnly, 0, vmm.PageSize, vmm.Anonymous, vmm.Read); err != nil {
		return err
	}
	fmt.Println("  B mapped with its Read-only delegated capability")

	if _, err := k.MemMap(ctx, b, readOnly, vmm.PageSize, vmm.PageSize, vmm.Anonymous, vmm.Read|vmm.Write); err != nil {
		fmt.Printf("  B's write-mode map correctly rejected: %v\n", err)
		return nil
	}
	return fmt.Errorf("B's write-mode map should have been rejected but succeeded")
}

func runRevoke(ctx context.Context, k *kernel.Kernel) error {
	a, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}
	b, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}
	c, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}

	epSlotA, _, err := k.EndpointCreate(ctx, a.Caps)
	if err != nil {
		return err
	}
	full := capability.Read | capability.Write | capability.Grant | capability.Duplicate
	epSlotB, err := k.GrantTo(ctx, a.Caps, epSlotA, full, 0, b.Caps)
	if err != nil {
		return err
	}
	epSlotC, err := k.GrantTo(ctx, b.Caps, epSlotB, full, 0, c.Caps)
	if err != nil {
		return err
	}

	if err := k.CapDelete(ctx, a.Caps, epSlotA); err != nil {
		return err
	}

	if _, err := c.Caps.Lookup(epSlotC, 0); err == nil {
		return fmt.Errorf("C's capability survived A's revoke")
	}
	fmt.Println("  revoking A's root capability tore down B's and C's derived copies")
	return nil
}

func runCallReply(ctx context.Context, k *kernel.Kernel) error {
	caller, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}
	server, err := spawn(ctx, k, 3)
	if err != nil {
		return err
	}

	epSlotCaller, _, err := k.EndpointCreate(ctx, caller.Caps)
	if err != nil {
		return err
	}
	epSlotServer, err := k.GrantTo(ctx, caller.Caps, epSlotCaller, capability.Read|capability.Write, 0, server.Caps)
	if err != nil {
		return err
	}

	callerThread, serverThread := caller.Threads()[0], server.Threads()[0]
	type result struct {
		msg ipc.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := k.Send(ctx, caller.Caps, callerThread, epSlotCaller, ipc.Message{Payload: []byte("request")}, nil, ipc.Call, time.Time{})
		done <- result{msg, err}
	}()
	waitBlocked(callerThread, time.Second)

	_, msg, slots, err := k.Receive(ctx, server.Caps, serverThread, epSlotServer, time.Time{})
	if err != nil {
		return err
	}
	if err := k.Reply(ctx, server.Caps, slots[0], ipc.Message{Payload: []byte("response to " + string(msg.Payload))}, nil); err != nil {
		return err
	}
	res := <-done
	if res.err != nil {
		return res.err
	}
	fmt.Printf("  caller received: %q\n", res.msg.Payload)
	return nil
}
