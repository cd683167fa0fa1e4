// Package process implements process control blocks, the pid-indexed
// process table, and the spawn/wait/signal lifecycle that sits on top of
// the scheduler, capability, and vmm packages.
package process

import (
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/vmm"
)

type PID uint32

const (
	InvalidPID PID = 0
	PIDKernel  PID = 0
	PIDInit    PID = 1
)

type State int

const (
	Running State = iota
	Zombie
)

func (s State) String() string {
	if s == Zombie {
		return "zombie"
	}
	return "running"
}

// Process is the kernel's PCB: identity, address space, handle table, the
// family tree used for reparenting and waitpid, and the thread list whose
// last departure marks the process Zombie.
type Process struct {
	mu sync.Mutex

	PID      PID
	Name     string
	State    State
	ExitCode int
	Cwd      string

	AS      *vmm.AddressSpace
	handles *capability.Table

	Parent   *Process
	Children []*Process
	Threads  []*sched.Thread

	PendingSignals uint32

	// EntryPoint and InitialSP record the ELF entry and the bootstrap
	// thread's initial stack pointer, for introspection and tests; nothing
	// here actually performs a ring-3 transition.
	EntryPoint uint32
	InitialSP  uint32
}

// Handles satisfies ipc.HandleOwner so Send/Receive/Reply can resolve
// handle-transfer against whichever process owns the thread they're acting
// on.
func (p *Process) Handles() *capability.Table { return p.handles }

func (p *Process) addThread(t *sched.Thread) {
	p.mu.Lock()
	p.Threads = append(p.Threads, t)
	p.mu.Unlock()
}

func (p *Process) removeThread(t *sched.Thread) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, th := range p.Threads {
		if th == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	return len(p.Threads)
}

func (p *Process) snapshotChildren() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.Children
	p.Children = nil
	return out
}

func (p *Process) snapshotThreads() []*sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sched.Thread(nil), p.Threads...)
}

// Config wires Manager to the rest of the kernel.
type Config struct {
	Sched *sched.Scheduler
	VMM   *vmm.Manager
	Log   *kmsg.Ring
}

// Manager owns the pid-indexed process table and is the entry point for
// spawn, waitpid, kill, and signal delivery.
type Manager struct {
	mu      sync.Mutex
	byPID   map[PID]*Process
	nextPID PID

	sched *sched.Scheduler
	vmm   *vmm.Manager
	log   *kmsg.Ring

	Kernel *Process
}

func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = kmsg.New(256)
	}
	m := &Manager{
		byPID: map[PID]*Process{},
		sched: cfg.Sched,
		vmm:   cfg.VMM,
		log:   cfg.Log,
	}
	m.Kernel = &Process{PID: PIDKernel, Name: "kernel", State: Running, handles: capability.NewTable()}
	m.byPID[PIDKernel] = m.Kernel
	m.nextPID = PIDInit

	if cfg.Sched != nil {
		cfg.Sched.OnThreadExit = m.onThreadExit
	}
	return m
}

func (m *Manager) allocPID() PID {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.nextPID
	m.nextPID++
	return pid
}

// FindByPID returns the process with the given pid, or nil.
func (m *Manager) FindByPID(pid PID) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPID[pid]
}

// Snapshot returns every live process in the table, for introspection.
func (m *Manager) Snapshot() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Process, 0, len(m.byPID))
	for _, p := range m.byPID {
		out = append(out, p)
	}
	return out
}

// createProcess allocates a pid, a fresh address space and handle table,
// and links proc as a child of parent (nil for a parentless process, used
// only for the very first spawn of init).
func (m *Manager) createProcess(name string, parent *Process) (*Process, error) {
	as, err := m.vmm.Create()
	if err != nil {
		return nil, fmt.Errorf("process: create address space: %w", err)
	}

	p := &Process{
		PID:     m.allocPID(),
		Name:    name,
		State:   Running,
		AS:      as,
		handles: capability.NewTable(),
		Parent:  parent,
	}
	if parent != nil {
		parent.mu.Lock()
		p.Cwd = parent.Cwd
		parent.Children = append(parent.Children, p)
		parent.mu.Unlock()
	}

	m.mu.Lock()
	m.byPID[p.PID] = p
	m.mu.Unlock()

	m.log.Write(kmsg.LevelInfo, "process", "created pid %d '%s' parent=%v", p.PID, name, parentPID(parent))
	return p, nil
}

func parentPID(p *Process) PID {
	if p == nil {
		return InvalidPID
	}
	return p.PID
}

// onThreadExit is the scheduler's ThreadExit/ForceExit hook: it removes the
// exiting thread from its owning process and, once a process has no
// threads left and isn't already Zombie, exits it with that thread's code —
// matching a process's last thread falling off the end of main.
func (m *Manager) onThreadExit(t *sched.Thread) {
	proc, ok := t.Process.(*Process)
	if !ok || proc == nil {
		return
	}
	remaining := proc.removeThread(t)
	proc.mu.Lock()
	alreadyZombie := proc.State == Zombie
	proc.mu.Unlock()
	if remaining == 0 && !alreadyZombie {
		m.Exit(proc, t.ExitCode)
	}
}
