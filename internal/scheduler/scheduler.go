package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/substrate"
)

// Auditor is the narrow slice of internal/auditlog.Log the scheduler
// needs, to append ThreadStateChange records (spec §3).
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

// NewSource constructs a fresh substrate.Source for one CPU; the
// kernel supplies substrate.NewNative or substrate.NewWASM depending on
// which binary it's built for (spec §9).
type NewSource func() substrate.Source

// Scheduler owns every CPU's run queues and the shared timer wheel
// (spec §4.4, §5).
type Scheduler struct {
	cpus     []*cpu
	timers   *timerWheel
	audit    Auditor
	sliceDur time.Duration
	nextTID  atomic.Uint64
	nextCPU  atomic.Uint64

	mu      sync.Mutex
	threads map[uint64]*Thread
	home    map[uint64]int // thread ID -> owning CPU index
}

// Config controls the scheduler's CPU count and time-slice.
type Config struct {
	NumCPU int
	Slice  time.Duration // 0 defaults to DefaultSlice
	Source NewSource      // 0 defaults to substrate.NewNative
	Audit  Auditor
}

// New constructs a Scheduler with cfg.NumCPU per-CPU run queues.
func New(cfg Config) *Scheduler {
	if cfg.NumCPU <= 0 {
		cfg.NumCPU = 1
	}
	if cfg.Slice <= 0 {
		cfg.Slice = DefaultSlice
	}
	if cfg.Source == nil {
		cfg.Source = func() substrate.Source { return substrate.NewNative() }
	}
	s := &Scheduler{
		timers:   newTimerWheel(),
		audit:    cfg.Audit,
		sliceDur: cfg.Slice,
		threads:  make(map[uint64]*Thread),
		home:     make(map[uint64]int),
	}
	for i := 0; i < cfg.NumCPU; i++ {
		s.cpus = append(s.cpus, &cpu{id: i, source: cfg.Source(), sched: s})
	}
	return s
}

// Close stops the shared timer wheel's background goroutine.
func (s *Scheduler) Close() { s.timers.close() }

// Spawn creates a new thread for pid at the given priority band,
// enqueued Runnable on the least-loaded CPU (spec §3: thread lifecycle
// begins at Spawned, immediately made Runnable once it has a register
// context and stack — out of scope here, assumed ready).
func (s *Scheduler) Spawn(pid uint64, priority int) *Thread {
	t := newThread(s.nextTID.Add(1), pid, priority)
	t.state = Runnable

	idx := s.pickCPU()
	c := s.cpus[idx]
	c.mu.Lock()
	c.enqueueLocked(t)
	c.mu.Unlock()

	s.mu.Lock()
	s.threads[t.ID] = t
	s.home[t.ID] = idx
	s.mu.Unlock()

	s.auditState(t, Runnable)
	return t
}

func (s *Scheduler) pickCPU() int {
	if len(s.cpus) == 1 {
		return 0
	}
	best, bestLoad := 0, -1
	for i, c := range s.cpus {
		c.mu.Lock()
		load := c.runnableCountLocked()
		c.mu.Unlock()
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

// PickNext selects the next runnable thread on the given CPU, marks it
// Running, and arms its time-slice via the CPU's substrate.Source. ok is
// false if no thread is runnable.
func (s *Scheduler) PickNext(cpuIdx int) (t *Thread, ok bool) {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	t = c.dequeueHighestLocked()
	if t == nil {
		c.mu.Unlock()
		return nil, false
	}
	c.running = t
	c.mu.Unlock()

	t.setState(Running)
	s.auditState(t, Running)

	c.source.ArmSlice(s.sliceDur, func() { s.preempt(c, t) })
	return t, true
}

// preempt is the substrate callback fired when a running thread's slice
// expires. It rejoins the tail of its band (spec §4.4: "Running ->
// (time-slice) -> Runnable"). A no-op if the thread has since blocked
// or exited on its own.
func (s *Scheduler) preempt(c *cpu, t *Thread) {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	t.state = Runnable
	t.mu.Unlock()

	c.mu.Lock()
	if c.running == t {
		c.running = nil
	}
	c.enqueueLocked(t)
	c.mu.Unlock()

	s.auditState(t, Runnable)
}

// Yield is the voluntary slice surrender (spec §4.4): t rejoins the
// tail of its band immediately, and cross-CPU migration may occur here
// (spec §4.4/§5: "cross-CPU migration occurs only at explicit yield
// points") by re-picking the least-loaded CPU.
func (s *Scheduler) Yield(t *Thread) {
	home := s.homeCPU(t)
	c := s.cpus[home]
	c.mu.Lock()
	if c.running == t {
		c.running = nil
	}
	c.source.DisarmSlice()
	c.mu.Unlock()

	t.setState(Runnable)

	dest := s.pickCPU()
	dc := s.cpus[dest]
	dc.mu.Lock()
	dc.enqueueLocked(t)
	dc.mu.Unlock()

	if dest != home {
		s.mu.Lock()
		s.home[t.ID] = dest
		s.mu.Unlock()
	}
	s.auditState(t, Runnable)
}

// BlockOn removes t from its run queue, arms deadline (zero means
// indefinite), and blocks the calling goroutine until a matching Wake,
// Cancel, or deadline. This models spec §5's "no lock is held across a
// call that may block the thread": the caller (an IPC or timer
// operation) must not hold any table/endpoint lock while calling this.
func (s *Scheduler) BlockOn(t *Thread, reason BlockReason, deadline time.Time) WakeEvent {
	if t.cancelled.Load() {
		return WakeEvent{Reason: ReasonCancelled, Cancelled: true}
	}
	c := s.cpus[s.homeCPU(t)]
	c.mu.Lock()
	if c.running == t {
		c.running = nil
		c.source.DisarmSlice()
	} else {
		c.removeLocked(t)
	}
	c.mu.Unlock()

	t.mu.Lock()
	t.state = Blocked
	t.blockReason = reason
	t.mu.Unlock()
	s.auditState(t, Blocked)

	var entry *timerEntry
	if !deadline.IsZero() {
		entry = s.timers.schedule(deadline, func() {
			s.wakeInternal(t, ReasonTimer, true, false)
		})
	}

	ev := <-t.wake
	if entry != nil {
		s.timers.cancelEntry(entry)
	}
	return ev
}

// Wake deposits wakeReason for t; idempotent, and dropped if t is not
// Blocked on a matching reason (spec §4.4).
func (s *Scheduler) Wake(t *Thread, reason BlockReason) {
	s.wakeInternal(t, reason, false, false)
}

// Cancel marks t for cancellation; if t is currently blocked it is woken
// immediately with a Cancelled event regardless of its block reason,
// matching spec §5: "the child wakes from its blocking syscall with
// Cancelled". If t is running or runnable, it observes Cancelled() at
// its next suspension point.
func (s *Scheduler) Cancel(t *Thread) {
	t.cancelled.Store(true)
	s.wakeInternal(t, ReasonCancelled, false, true)
}

func (s *Scheduler) wakeInternal(t *Thread, reason BlockReason, timedOut, cancelled bool) {
	t.mu.Lock()
	if t.state != Blocked {
		t.mu.Unlock()
		return
	}
	if !cancelled && !timedOut && t.blockReason != reason {
		t.mu.Unlock()
		return
	}
	t.state = Runnable
	t.blockReason = ReasonNone
	t.mu.Unlock()

	c := s.cpus[s.homeCPU(t)]
	c.mu.Lock()
	c.enqueueHeadLocked(t)
	c.mu.Unlock()
	s.auditState(t, Runnable)

	ev := WakeEvent{Reason: reason, Cancelled: cancelled, TimedOut: timedOut}
	select {
	case t.wake <- ev:
	default:
	}
}

// Exit transitions t to Exited and removes it from scheduling
// entirely — called on explicit exit or a fatal fault (spec §4.4).
func (s *Scheduler) Exit(t *Thread) {
	c := s.cpus[s.homeCPU(t)]
	c.mu.Lock()
	if c.running == t {
		c.running = nil
		c.source.DisarmSlice()
	} else {
		c.removeLocked(t)
	}
	c.mu.Unlock()

	t.setState(Exited)
	s.auditState(t, Exited)

	s.mu.Lock()
	delete(s.threads, t.ID)
	delete(s.home, t.ID)
	s.mu.Unlock()
}

func (s *Scheduler) homeCPU(t *Thread) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home[t.ID]
}

// Snapshot returns every CPU's run-queue contents, used by
// cmd/zerokernel ps.
func (s *Scheduler) Snapshot() []Snapshot {
	out := make([]Snapshot, len(s.cpus))
	for i, c := range s.cpus {
		out[i] = c.snapshot()
	}
	return out
}

// SyscallEntry forwards to every CPU's substrate driver, used by the
// WASM supervisor's cooperative yield point (spec §4.4, §9). On native
// this is a no-op per CPU.
func (s *Scheduler) SyscallEntry(cpuIdx int) {
	s.cpus[cpuIdx].source.SyscallEntry()
}

func (s *Scheduler) auditState(t *Thread, state State) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Append(t.PID, "ThreadStateChange", map[string]any{
		"tid":   t.ID,
		"state": state.String(),
	})
}

// Lookup returns the thread named by tid, or ErrNotFound once it has
// exited and been reaped.
func (s *Scheduler) Lookup(tid uint64) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return nil, errdefs.NotFound(errNoSuchThread)
	}
	return t, nil
}

var errNoSuchThread = staticErr("no such thread")

type staticErr string

func (e staticErr) Error() string { return string(e) }
