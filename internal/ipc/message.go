// Package ipc implements spec §4.5: endpoints, typed messages with
// capability transfer, synchronous Call/reply, and fan-out notify.
package ipc

import (
	"github.com/zeroos-project/kernel/internal/capability"
)

// MaxPayload is the design-value inline payload bound (spec §3: "up to
// a small fixed bound, design value 4 KiB").
const MaxPayload = 4096

// MaxCapTransfers is the design-value cap on slot references per
// message (spec §3: "design value 8").
const MaxCapTransfers = 8

// Message is spec §3's immutable-once-sent envelope: an inline payload
// plus a list of capability transfer requests.
type Message struct {
	Payload []byte
	Caps    []CapTransfer
}

// CapTransfer names one slot in the sender's CapTable to delegate,
// attenuated to Mask and stamped with Badge, per spec §4.5: "each slot
// reference in a send names a slot in the sender's CapTable plus an
// optional attenuation mask."
type CapTransfer struct {
	Slot  int
	Mask  capability.Rights
	Badge uint64
}

// Mode selects a send's blocking behavior (spec §4.5).
type Mode int

const (
	Blocking Mode = iota
	NonBlocking
	Call
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "Blocking"
	case NonBlocking:
		return "NonBlocking"
	case Call:
		return "Call"
	default:
		return "Unknown"
	}
}
