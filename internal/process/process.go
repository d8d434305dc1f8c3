// Package process implements spec §3's Process data model and the
// spawn/exit/wait lifecycle of spec §6: Spawned -> Running -> Zombie ->
// Reaped, exclusively owned by its parent for supervision, with
// cascading termination when the parent requests it.
package process

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/zeroos-project/kernel/errdefs"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/scheduler"
	"github.com/zeroos-project/kernel/internal/vmm"
)

// State is a process's lifecycle state (spec §3).
type State int

const (
	Spawned State = iota
	Running
	Zombie
	Reaped
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "Spawned"
	case Running:
		return "Running"
	case Zombie:
		return "Zombie"
	case Reaped:
		return "Reaped"
	default:
		return "Unknown"
	}
}

// Auditor is the narrow slice of internal/auditlog.Log the process
// manager needs.
type Auditor interface {
	Append(actorPID uint64, kind string, fields map[string]any) (uint64, error)
}

// Process is spec §3's process: a unique non-reusable identifier, an
// owner, a parent, an address space, a capability table, and a set of
// threads.
type Process struct {
	ID     uuid.UUID
	Owner  uint64
	Parent uuid.UUID // zero value means "no parent" (init)

	Space *vmm.AddressSpace
	Caps  *captable.CapTable

	mu       sync.Mutex
	state    State
	exitCode int
	threads  []*scheduler.Thread
	children []uuid.UUID
	waitCh   chan struct{}
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the code Exit was called with; meaningful only once
// State() is Zombie or Reaped.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// AddThread records an additionally spawned thread (spec §6
// thread_create) as belonging to p, so a cascading Exit tears it down
// along with the thread Spawn created.
func (p *Process) AddThread(th *scheduler.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, th)
}

// Threads returns a snapshot of every thread currently owned by p.
func (p *Process) Threads() []*scheduler.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*scheduler.Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// Manager owns every live process in one kernel instance and the
// capability/address-space registries that hand each process its own
// table (spec §3: "a process is exclusively owned by its parent for
// supervision").
type Manager struct {
	mu       sync.Mutex
	procs    map[uuid.UUID]*Process
	caps     *captable.Registry
	space    *vmm.Registry
	sched    *scheduler.Scheduler
	audit    Auditor
	maxSlots int
}

// Config controls per-process resource limits.
type Config struct {
	MaxCapSlots int
	Caps        *captable.Registry
	Space       *vmm.Registry
	Sched       *scheduler.Scheduler
	Audit       Auditor
}

// NewManager constructs a process Manager wired to the kernel's shared
// capability, address-space, and scheduler components.
func NewManager(cfg Config) *Manager {
	if cfg.MaxCapSlots <= 0 {
		cfg.MaxCapSlots = 256
	}
	return &Manager{
		procs:    make(map[uuid.UUID]*Process),
		caps:     cfg.Caps,
		space:    cfg.Space,
		sched:    cfg.Sched,
		audit:    cfg.Audit,
		maxSlots: cfg.MaxCapSlots,
	}
}

// Spawn creates a process owned by owner, a child of parent (the zero
// UUID for init's own children-of-nobody case), with a fresh CapTable
// and AddressSpace, and its first thread at priority (spec §6 spawn).
func (m *Manager) Spawn(owner uint64, parent uuid.UUID, priority int) *Process {
	p := &Process{
		ID:     uuid.New(),
		Owner:  owner,
		Parent: parent,
		state:  Running,
		waitCh: make(chan struct{}),
	}
	actorPID := idToActor(p.ID)
	p.Caps = m.caps.New(actorPID, m.maxSlots)
	p.Space = m.space.New(actorPID)
	th := m.sched.Spawn(actorPID, priority)
	p.threads = append(p.threads, th)

	m.mu.Lock()
	m.procs[p.ID] = p
	if parentProc, ok := m.procs[parent]; ok {
		parentProc.mu.Lock()
		parentProc.children = append(parentProc.children, p.ID)
		parentProc.mu.Unlock()
	}
	m.mu.Unlock()

	m.auditf(p, "ProcessSpawn", map[string]any{"parent": parent.String(), "owner": owner})
	return p
}

// ActorID returns the stable uint64 actor id derived from p's UUID, the
// same id used as the PID attribution on every thread/cap/audit record
// for p (spec records are keyed on a compact actor id, not the UUID
// itself).
func (p *Process) ActorID() uint64 { return idToActor(p.ID) }

// idToActor derives a stable uint64 actor id from a process's UUID for
// audit records and capability-table ownership, which are keyed on
// uint64 elsewhere in the kernel for compactness.
func idToActor(id uuid.UUID) uint64 {
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// Exit transitions p to Zombie, exits every one of its threads, and —
// if cascade is set — recursively exits every descendant first (spec
// §3: "termination cascades if the parent requests it"). Errors from
// descendant teardown are aggregated, not short-circuited: every
// reachable descendant is torn down regardless of an individual
// failure.
func (m *Manager) Exit(p *Process, code int, cascade bool) error {
	var errs *multierror.Error
	if cascade {
		for _, childID := range p.snapshotChildren() {
			m.mu.Lock()
			child, ok := m.procs[childID]
			m.mu.Unlock()
			if !ok {
				continue
			}
			if err := m.Exit(child, code, true); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	p.mu.Lock()
	if p.state == Zombie || p.state == Reaped {
		p.mu.Unlock()
		return errs.ErrorOrNil()
	}
	p.state = Zombie
	p.exitCode = code
	threads := p.threads
	close(p.waitCh)
	p.mu.Unlock()

	for _, th := range threads {
		m.sched.Exit(th)
	}

	m.auditf(p, "ProcessExit", map[string]any{"code": code, "cascade": cascade})
	return errs.ErrorOrNil()
}

func (p *Process) snapshotChildren() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, len(p.children))
	copy(out, p.children)
	return out
}

// Wait blocks the caller until child (looked up by id) becomes a
// Zombie or the deadline fires, per spec §6 wait(pid, timeout). A zero
// deadline means indefinite.
func (m *Manager) Wait(id uuid.UUID, deadline time.Time) (int, error) {
	m.mu.Lock()
	p, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return 0, errdefs.NotFound(errNoSuchProcess)
	}

	if deadline.IsZero() {
		<-p.waitCh
		return p.ExitCode(), nil
	}
	select {
	case <-p.waitCh:
		return p.ExitCode(), nil
	case <-time.After(time.Until(deadline)):
		return 0, errdefs.DeadlineExceeded(errWaitTimeout)
	}
}

// Reap finalizes a Zombie process: marks it Reaped and removes it from
// the manager's table, per spec §3's Zombie -> Reaped transition. Its
// address space's regions and frames and its capability table's slots
// are not released here. The caller (the parent, via wait) must
// already have observed the exit code.
func (m *Manager) Reap(id uuid.UUID) error {
	m.mu.Lock()
	p, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return errdefs.NotFound(errNoSuchProcess)
	}

	p.mu.Lock()
	if p.state != Zombie {
		p.mu.Unlock()
		return errdefs.Conflict(errNotZombie)
	}
	p.state = Reaped
	p.mu.Unlock()

	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
	return nil
}

// Lookup returns the process named by id.
func (m *Manager) Lookup(id uuid.UUID) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, errdefs.NotFound(errNoSuchProcess)
	}
	return p, nil
}

func (m *Manager) auditf(p *Process, kind string, fields map[string]any) {
	if m.audit == nil {
		return
	}
	fields["pid"] = p.ID.String()
	_, _ = m.audit.Append(idToActor(p.ID), kind, fields)
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	errNoSuchProcess = staticErr("no such process")
	errWaitTimeout   = staticErr("wait deadline fired before child exited")
	errNotZombie     = staticErr("process must be a zombie before it can be reaped")
)
