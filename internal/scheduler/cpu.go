package scheduler

import (
	"sync"

	"github.com/zeroos-project/kernel/internal/substrate"
)

// cpu is one per-CPU run queue set: NumBands FIFO bands, cooperative
// within a band, preempted across the band by the substrate driver
// (spec §4.4: "preemptive, priority-based, per-CPU run queues,
// cooperative within a priority band").
type cpu struct {
	id      int
	mu      sync.Mutex
	bands   [NumBands][]*Thread
	running *Thread // dispatched by PickNext; nil when idle
	source  substrate.Source
	slice   uint64 // nanoseconds; see Scheduler.sliceDur
	sched   *Scheduler
}

func (c *cpu) enqueueLocked(t *Thread) {
	c.bands[t.Priority] = append(c.bands[t.Priority], t)
}

// enqueueHeadLocked is used by wake/timer-fire: spec §4.4 "on deadline
// or wakeup, rejoin at head of band (to honor round-trip latency)".
func (c *cpu) enqueueHeadLocked(t *Thread) {
	c.bands[t.Priority] = append([]*Thread{t}, c.bands[t.Priority]...)
}

// dequeueHighestLocked pops the earliest thread in the highest
// non-empty band. Caller holds c.mu.
func (c *cpu) dequeueHighestLocked() *Thread {
	for band := NumBands - 1; band >= 0; band-- {
		q := c.bands[band]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		c.bands[band] = q[1:]
		return t
	}
	return nil
}

func (c *cpu) removeLocked(t *Thread) bool {
	q := c.bands[t.Priority]
	for i, qt := range q {
		if qt == t {
			c.bands[t.Priority] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

func (c *cpu) runnableCountLocked() int {
	n := 0
	for _, q := range c.bands {
		n += len(q)
	}
	return n
}

// Snapshot returns a read-only view of runnable thread IDs per band,
// used by cmd/zerokernel's ps.
type Snapshot struct {
	CPU   int
	Bands [NumBands][]uint64
}

func (c *cpu) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Snapshot
	s.CPU = c.id
	for b, q := range c.bands {
		for _, t := range q {
			s.Bands[b] = append(s.Bands[b], t.ID)
		}
	}
	return s
}
