// Package sched implements the kernel's preemptive, per-CPU scheduler: a
// pluggable policy vtable, blocking/wakeup with the pending_wakeup latch,
// timed sleep, and SMP migration.
//
// There is no real context switch here — a Thread is scheduling state, not
// a goroutine, and whatever owns the "current" thread's execution drives it
// forward by calling the package's exported operations. This lets tests
// (and the rest of the kernel) exercise exact tick-by-tick scheduling
// decisions deterministically.
package sched

import (
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
)

type TID uint64
type CPUID uint32

const InvalidCPU CPUID = ^CPUID(0)

type ThreadState int

const (
	Ready ThreadState = iota
	Running
	Blocked
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is the unit of scheduling. It also carries the per-thread IPC slots
// the ipc package reads and writes (IPCPeer, IPCRequest, IPCReply,
// NotifiedBits) since those belong to "whichever thread is blocked", not to
// any one kernel object.
type Thread struct {
	TID       TID
	Name      string
	State     ThreadState
	Priority  int
	RunningOn CPUID
	Affinity  uint64 // bitmap of CPUs this thread may run on; 0 means "all"

	WaitChan      any
	PendingWakeup bool
	WakeupTick    uint64 // 0 means "not sleeping"
	TimedOut      bool
	TicksRun      int

	quantumLeft int
	pendingMig  CPUID // InvalidCPU if no migration requested

	ExitCode int
	Process  any // owning process, opaque to avoid an import cycle; nil for kernel threads

	IPCPeer      TID
	IPCRequest   any
	IPCReply     any
	IPCErr       error // set by ipc.ReplyTo's failure paths before waking a sender, if ever needed
	NotifiedBits uint32

	wake chan struct{} // Block parks the calling goroutine here until Wakeup/WakeupThread/a timeout fires.
}

// Policy is the scheduler's pluggable vtable. RoundRobin is the default.
type Policy interface {
	Init()
	Enqueue(rq *Runqueue, t *Thread)
	Dequeue(rq *Runqueue, t *Thread)
	PickNext(rq *Runqueue) *Thread
	Tick(t *Thread) bool
	SelectCPU(s *Scheduler, t *Thread) CPUID
}

// Runqueue is one CPU's ready queue plus its currently-running thread.
type Runqueue struct {
	threads []*Thread
	current *Thread
}

func (rq *Runqueue) Current() *Thread { return rq.current }
func (rq *Runqueue) Len() int         { return len(rq.threads) }

// Scheduler owns every CPU's runqueue, the blocked list, and per-CPU zombie
// lists, all behind one lock — the simulator's stand-in for the spinlock
// with interrupts disabled that every real scheduler operation holds.
type Scheduler struct {
	mu          sync.Mutex
	policy      Policy
	runqueues   []*Runqueue
	blocked     []*Thread
	zombies     [][]*Thread
	nextTID     TID
	ticks       uint64
	inInterrupt bool
	log         *kmsg.Ring
	byTID       map[TID]*Thread

	// OnThreadExit, if set, is invoked (with the scheduler lock released) once
	// a thread reaches Exited, letting the process package react (last thread
	// of a process exiting marks it Zombie).
	OnThreadExit func(t *Thread)

	// OnPreempt, if set, is invoked just before a tick-driven switch commits,
	// standing in for the end-of-interrupt a real kernel must send at that
	// point because the switch may never return to the interrupt prologue.
	// Called with the scheduler lock held; it must not call back in.
	OnPreempt func(cpu CPUID)
}

// Config configures a Scheduler.
type Config struct {
	CPUCount int
	Policy   Policy
	Log      *kmsg.Ring
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRoundRobin(2)
	}
	if cfg.Log == nil {
		cfg.Log = kmsg.New(256)
	}
	s := &Scheduler{
		policy:    cfg.Policy,
		runqueues: make([]*Runqueue, cfg.CPUCount),
		zombies:   make([][]*Thread, cfg.CPUCount),
		log:       cfg.Log,
		byTID:     make(map[TID]*Thread),
	}
	for i := range s.runqueues {
		s.runqueues[i] = &Runqueue{}
	}
	s.policy.Init()
	return s
}

func (s *Scheduler) Runqueue(cpu CPUID) *Runqueue { return s.runqueues[cpu] }
func (s *Scheduler) CPUCount() int                { return len(s.runqueues) }

// CreateThread allocates a new Ready thread and enqueues it via the policy's
// initial CPU placement.
func (s *Scheduler) CreateThread(name string, priority int, process any) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTID++
	t := &Thread{
		TID:        s.nextTID,
		Name:       name,
		State:      Ready,
		Priority:   priority,
		RunningOn:  InvalidCPU,
		Process:    process,
		pendingMig: InvalidCPU,
		wake:       make(chan struct{}, 1),
	}
	cpu := s.policy.SelectCPU(s, t)
	s.policy.Enqueue(s.runqueues[cpu], t)
	s.byTID[t.TID] = t
	s.log.Write(kmsg.LevelInfo, "sched", "thread %d '%s' created on cpu %d", t.TID, t.Name, cpu)
	return t
}

// LookupBlocked returns the thread with the given TID if it exists and is
// currently Blocked, matching Reply's "sender must still be waiting"
// precondition. It returns nil for an unknown, exited, or already-woken TID.
func (s *Scheduler) LookupBlocked(tid TID) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byTID[tid]
	if !ok || t.State != Blocked {
		return nil
	}
	return t
}

// Current returns the thread running on cpu, or nil.
func (s *Scheduler) Current(cpu CPUID) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runqueues[cpu].current
}

// Schedule runs the seven-step schedule() routine for cpu.
func (s *Scheduler) Schedule(cpu CPUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(cpu)
}

func (s *Scheduler) scheduleLocked(cpu CPUID) {
	rq := s.runqueues[cpu]

	// Step 1: reap this CPU's zombies.
	s.zombies[cpu] = nil

	prev := rq.current
	next := s.policy.PickNext(rq)
	if next == nil || next == prev {
		return
	}

	if prev != nil {
		if prev.State == Running {
			prev.State = Ready
			if prev.pendingMig != InvalidCPU {
				target := prev.pendingMig
				prev.pendingMig = InvalidCPU
				prev.RunningOn = InvalidCPU
				s.policy.Enqueue(s.runqueues[target], prev)
			} else {
				prev.RunningOn = InvalidCPU
				s.policy.Enqueue(rq, prev)
			}
		} else {
			prev.RunningOn = InvalidCPU
		}
	}

	next.State = Running
	next.RunningOn = cpu
	rq.current = next

	if s.inInterrupt {
		s.log.Write(kmsg.LevelDebug, "sched", "eoi cpu=%d", cpu)
		if s.OnPreempt != nil {
			s.OnPreempt(cpu)
		}
	}
}

// Yield voluntarily gives up the CPU.
func (s *Scheduler) Yield(cpu CPUID) { s.Schedule(cpu) }

// Block moves the current thread on cpu onto the global blocked list keyed
// on waitChan, schedules something else onto cpu, then parks the calling
// goroutine until Wakeup/WakeupThread/a timeout fires. If a wakeup already
// landed on this thread (pending_wakeup), Block returns immediately without
// descheduling or parking — this closes the TOCTOU window between deciding
// to block and actually joining the blocked list.
func (s *Scheduler) Block(cpu CPUID, waitChan any) {
	s.mu.Lock()
	rq := s.runqueues[cpu]
	current := rq.current
	if current == nil {
		s.mu.Unlock()
		return
	}

	if current.PendingWakeup {
		current.PendingWakeup = false
		s.mu.Unlock()
		return
	}

	current.State = Blocked
	current.WaitChan = waitChan
	s.policy.Dequeue(rq, current)
	rq.current = nil
	s.blocked = append(s.blocked, current)
	s.scheduleLocked(cpu)
	s.mu.Unlock()

	<-current.wake
}

// BlockTimeout behaves like Block but also arms a wakeup tick ticksFromNow
// simulated ticks in the future (a goroutine driving Tick must actually
// advance time for the timeout to fire). Returns true if woken normally,
// false if the timeout fired first.
func (s *Scheduler) BlockTimeout(cpu CPUID, waitChan any, ticksFromNow uint64) bool {
	s.mu.Lock()
	rq := s.runqueues[cpu]
	current := rq.current
	if current == nil {
		s.mu.Unlock()
		return false
	}
	current.WakeupTick = s.ticks + ticksFromNow
	current.TimedOut = false
	s.mu.Unlock()

	s.Block(cpu, waitChan)

	s.mu.Lock()
	timedOut := current.TimedOut
	current.WakeupTick = 0
	current.TimedOut = false
	s.mu.Unlock()
	return !timedOut
}

// Wakeup moves every thread blocked on waitChan back to a Ready runqueue
// and releases its parked goroutine.
func (s *Scheduler) Wakeup(waitChan any) {
	s.mu.Lock()
	remaining := s.blocked[:0]
	var woke []*Thread
	for _, t := range s.blocked {
		if t.WaitChan == waitChan {
			t.State = Ready
			t.WaitChan = nil
			cpu := s.policy.SelectCPU(s, t)
			s.policy.Enqueue(s.runqueues[cpu], t)
			woke = append(woke, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.blocked = remaining
	s.mu.Unlock()

	for _, t := range woke {
		signal(t)
	}
}

// WakeupThread wakes one specific thread. If it has not yet reached the
// blocked list (still mid-Block), its pending_wakeup latch is set instead,
// so the thread's subsequent Block call returns immediately.
func (s *Scheduler) WakeupThread(t *Thread) {
	s.mu.Lock()
	for i, b := range s.blocked {
		if b == t {
			t.State = Ready
			t.WaitChan = nil
			cpu := s.policy.SelectCPU(s, t)
			s.policy.Enqueue(s.runqueues[cpu], t)
			s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
			s.mu.Unlock()
			signal(t)
			return
		}
	}
	t.PendingWakeup = true
	s.mu.Unlock()
}

// signal releases a thread parked in Block without blocking itself, since
// wake is buffered to depth 1 and each thread only ever waits on its own
// channel at a time.
func signal(t *Thread) {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ThreadExit terminates the current thread on cpu with the given exit code.
func (s *Scheduler) ThreadExit(cpu CPUID, code int) {
	s.mu.Lock()
	rq := s.runqueues[cpu]
	current := rq.current
	if current == nil {
		s.mu.Unlock()
		return
	}
	current.State = Exited
	current.ExitCode = code
	rq.current = nil
	s.zombies[cpu] = append(s.zombies[cpu], current)
	s.log.Write(kmsg.LevelInfo, "sched", "thread %d '%s' exited with code %d", current.TID, current.Name, code)
	hook := s.OnThreadExit
	s.scheduleLocked(cpu)
	s.mu.Unlock()

	if hook != nil {
		hook(current)
	}
}

// ForceExit unconditionally terminates t regardless of its current state —
// Ready, Running, or Blocked — for process termination fanning out across
// every thread of a killed process except the one driving the kill itself.
// Unlike ThreadExit it does not require t to be the current thread on any
// particular CPU.
func (s *Scheduler) ForceExit(t *Thread, code int) {
	s.mu.Lock()
	if t.State == Exited {
		s.mu.Unlock()
		return
	}

	wasRunning := t.State == Running
	cpu := t.RunningOn
	switch t.State {
	case Ready:
		// A Ready thread carries no RunningOn, so scan every runqueue.
		s.dequeueAnyLocked(t)
	case Blocked:
		for i, b := range s.blocked {
			if b == t {
				s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
				break
			}
		}
	}

	t.State = Exited
	t.ExitCode = code
	hook := s.OnThreadExit
	if wasRunning {
		s.runqueues[cpu].current = nil
		s.zombies[cpu] = append(s.zombies[cpu], t)
		s.scheduleLocked(cpu)
	}
	s.mu.Unlock()

	signal(t) // release a parked goroutine, if any, so it doesn't leak
	if hook != nil {
		hook(t)
	}
}

// Migrate requests that t run on target. If t is currently Running, the
// migration is latched and honored at its next scheduling point; otherwise
// it is dequeued from its current runqueue and enqueued on the target
// immediately. Disallowed by affinity, it returns an error.
func (s *Scheduler) Migrate(t *Thread, target CPUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Affinity != 0 && t.Affinity&(1<<uint(target)) == 0 {
		return fmt.Errorf("sched: thread %d may not run on cpu %d (affinity %#x)", t.TID, target, t.Affinity)
	}

	switch t.State {
	case Running:
		t.pendingMig = target
	case Ready:
		s.dequeueAnyLocked(t)
		s.policy.Enqueue(s.runqueues[target], t)
	default:
		// Blocked threads sit on the blocked list, not a runqueue; their
		// placement is re-decided by SelectCPU at wakeup.
	}
	return nil
}

// dequeueAnyLocked removes t from whichever runqueue currently holds it.
// Ready threads record no RunningOn, so membership has to be found by scan.
func (s *Scheduler) dequeueAnyLocked(t *Thread) {
	for _, rq := range s.runqueues {
		s.policy.Dequeue(rq, t)
	}
}

// Tick simulates a timer IRQ on cpu: wakes any timed-out sleepers, then asks
// the policy whether the current thread should be preempted.
func (s *Scheduler) Tick(cpu CPUID) {
	s.mu.Lock()
	s.ticks++
	s.inInterrupt = true
	woke := s.checkSleepersLocked()

	rq := s.runqueues[cpu]
	current := rq.current
	if current == nil {
		if next := s.policy.PickNext(rq); next != nil {
			next.State = Running
			next.RunningOn = cpu
			rq.current = next
		}
		s.inInterrupt = false
		s.mu.Unlock()
		for _, t := range woke {
			signal(t)
		}
		return
	}

	current.TicksRun++
	needResched := s.policy.Tick(current)
	if needResched {
		s.scheduleLocked(cpu)
	}
	s.inInterrupt = false
	s.mu.Unlock()

	for _, t := range woke {
		signal(t)
	}
}

func (s *Scheduler) checkSleepersLocked() []*Thread {
	var woke []*Thread
	remaining := s.blocked[:0]
	for _, t := range s.blocked {
		if t.WakeupTick != 0 && t.WakeupTick <= s.ticks {
			woke = append(woke, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.blocked = remaining
	for _, t := range woke {
		t.State = Ready
		t.WaitChan = nil
		t.TimedOut = true
		cpu := s.policy.SelectCPU(s, t)
		s.policy.Enqueue(s.runqueues[cpu], t)
	}
	return woke
}

// RoundRobin is the default scheduling policy: FIFO ready queue, quantum
// decremented on every tick, requeue-at-tail on exhaustion.
type RoundRobin struct {
	quantum int
}

func NewRoundRobin(quantum int) *RoundRobin {
	if quantum <= 0 {
		quantum = 2
	}
	return &RoundRobin{quantum: quantum}
}

func (p *RoundRobin) Init() {}

func (p *RoundRobin) Enqueue(rq *Runqueue, t *Thread) {
	if t.quantumLeft == 0 {
		t.quantumLeft = p.quantum
	}
	rq.threads = append(rq.threads, t)
}

func (p *RoundRobin) Dequeue(rq *Runqueue, t *Thread) {
	for i, cur := range rq.threads {
		if cur == t {
			rq.threads = append(rq.threads[:i], rq.threads[i+1:]...)
			return
		}
	}
}

func (p *RoundRobin) PickNext(rq *Runqueue) *Thread {
	if len(rq.threads) == 0 {
		return rq.current
	}
	next := rq.threads[0]
	rq.threads = rq.threads[1:]
	return next
}

func (p *RoundRobin) Tick(t *Thread) bool {
	t.quantumLeft--
	if t.quantumLeft <= 0 {
		t.quantumLeft = p.quantum
		return true
	}
	return false
}

func (p *RoundRobin) SelectCPU(s *Scheduler, t *Thread) CPUID {
	if t.Affinity == 0 {
		return leastLoaded(s)
	}
	for cpu := 0; cpu < s.CPUCount(); cpu++ {
		if t.Affinity&(1<<uint(cpu)) != 0 {
			return CPUID(cpu)
		}
	}
	return 0
}

func leastLoaded(s *Scheduler) CPUID {
	best := CPUID(0)
	bestLoad := -1
	for i, rq := range s.runqueues {
		load := rq.Len()
		if rq.current != nil {
			load++
		}
		if bestLoad == -1 || load < bestLoad {
			best = CPUID(i)
			bestLoad = load
		}
	}
	return best
}
