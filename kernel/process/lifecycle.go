package process

import (
	"errors"
	"fmt"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
)

// Signal is one of the small set of signals this kernel recognizes.
type Signal int

const (
	SIGINT  Signal = 2
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
	SIGTERM Signal = 15
)

func sigmask(sig Signal) uint32 { return 1 << uint(sig) }

const fatalMask = uint32(1<<SIGKILL | 1<<SIGINT | 1<<SIGTERM | 1<<SIGSEGV)

var (
	ErrNoSuchProcess = errors.New("process: no such process")
	ErrNoChildren    = errors.New("process: no children")
	ErrInvalidSignal = errors.New("process: invalid signal")
)

// reparentChildren hands proc's children to init (pid 1), or disowns them
// if init itself isn't registered yet (early boot). A child that is already
// a zombie wakes init's waitpid loop immediately.
func (m *Manager) reparentChildren(proc *Process) {
	children := proc.snapshotChildren()
	if len(children) == 0 {
		return
	}

	init := m.FindByPID(PIDInit)
	if init == nil {
		for _, c := range children {
			c.mu.Lock()
			c.Parent = nil
			c.mu.Unlock()
		}
		return
	}

	init.mu.Lock()
	anyZombie := false
	for _, c := range children {
		c.mu.Lock()
		c.Parent = init
		if c.State == Zombie {
			anyZombie = true
		}
		c.mu.Unlock()
		init.Children = append(init.Children, c)
	}
	init.mu.Unlock()

	if anyZombie {
		m.sched.Wakeup(init)
	}
}

// Exit marks proc Zombie with the given exit code, reparents its children
// to init, and wakes its parent's waitpid loop. Exiting the kernel process
// is a no-op; Exit is idempotent against a process already Zombie.
func (m *Manager) Exit(proc *Process, code int) {
	if proc.PID == PIDKernel {
		return
	}
	proc.mu.Lock()
	if proc.State == Zombie {
		proc.mu.Unlock()
		return
	}
	proc.State = Zombie
	proc.ExitCode = code
	parent := proc.Parent
	proc.mu.Unlock()

	m.log.Write(kmsg.LevelInfo, "process", "pid %d '%s' exited code %d", proc.PID, proc.Name, code)
	m.reparentChildren(proc)
	if parent != nil {
		m.sched.Wakeup(parent)
	}
}

// TerminateCurrent ends proc with the given fatal signal: Zombie with
// exit_code -sig, children reparented to init, every other thread of the
// process force-exited, and finally the calling thread itself exits
// (ThreadExit triggers onThreadExit, but Exit here is already idempotent so
// that second call is a no-op). Terminating the kernel process or init
// itself is an unrecoverable kernel invariant violation.
func (m *Manager) TerminateCurrent(proc *Process, current *sched.Thread, sig Signal) {
	if proc.PID == PIDKernel {
		panic("process: attempt to terminate the kernel process")
	}
	if proc.PID == PIDInit {
		panic(fmt.Sprintf("process: init process terminated by signal %d", sig))
	}

	m.log.Write(kmsg.LevelWarn, "process", "pid %d '%s' terminated by signal %d", proc.PID, proc.Name, sig)

	proc.mu.Lock()
	proc.State = Zombie
	proc.ExitCode = -int(sig)
	parent := proc.Parent
	proc.mu.Unlock()

	m.reparentChildren(proc)
	if parent != nil {
		m.sched.Wakeup(parent)
	}

	for _, t := range proc.snapshotThreads() {
		if t == current {
			continue
		}
		m.sched.ForceExit(t, -int(sig))
	}

	m.sched.ThreadExit(current.RunningOn, -int(sig))
}

// Waitpid implements waitpid(pid, options): pid == -1 matches any child.
// With noHang (WNOHANG), a call that has a matching child but no zombie yet
// returns (0, 0, nil) instead of blocking; a call with no matching child
// returns ErrNoChildren either way.
func (m *Manager) Waitpid(caller *Process, pid PID, noHang bool) (PID, int, error) {
	for {
		caller.mu.Lock()
		var found *Process
		idx := -1
		hasChild := false
		for i, c := range caller.Children {
			if pid == InvalidPID || c.PID == pid {
				hasChild = true
				c.mu.Lock()
				isZombie := c.State == Zombie
				c.mu.Unlock()
				if isZombie {
					found = c
					idx = i
					break
				}
			}
		}
		if found != nil {
			caller.Children = append(caller.Children[:idx], caller.Children[idx+1:]...)
		}
		caller.mu.Unlock()

		if found != nil {
			found.mu.Lock()
			code := found.ExitCode
			found.Parent = nil
			found.mu.Unlock()
			return found.PID, code, nil
		}
		if !hasChild {
			return InvalidPID, 0, ErrNoChildren
		}
		if noHang {
			return InvalidPID, 0, nil
		}

		m.sched.Block(currentCPU(caller), caller)
	}
}

// currentCPU finds the CPU the caller's first thread is running on, falling
// back to CPU 0; Waitpid only needs a CPU to deschedule from, and a
// process blocked in waitpid always has exactly one thread driving the
// call.
func currentCPU(caller *Process) sched.CPUID {
	threads := caller.snapshotThreads()
	for _, t := range threads {
		if t.RunningOn != sched.InvalidCPU {
			return t.RunningOn
		}
	}
	return 0
}

// Kill sets a pending-signal bit on the target process and wakes its first
// thread so it observes the signal on its next CheckSignals call.
func (m *Manager) Kill(pid PID, sig Signal) error {
	if sig < 1 || sig > 31 {
		return ErrInvalidSignal
	}
	proc := m.FindByPID(pid)
	if proc == nil {
		return ErrNoSuchProcess
	}
	if proc.PID == PIDKernel {
		return fmt.Errorf("process: cannot signal the kernel process")
	}

	proc.mu.Lock()
	proc.PendingSignals |= sigmask(sig)
	threads := append([]*sched.Thread(nil), proc.Threads...)
	proc.mu.Unlock()

	if len(threads) > 0 {
		m.sched.WakeupThread(threads[0])
	}
	return nil
}

// CheckSignals is called on every return-to-user path: if a fatal signal is
// pending, it terminates the current thread's process and does not return.
func (m *Manager) CheckSignals(proc *Process, current *sched.Thread) {
	if proc.PID == PIDKernel {
		return
	}
	proc.mu.Lock()
	pending := proc.PendingSignals
	proc.mu.Unlock()
	if pending&fatalMask == 0 {
		return
	}

	var sig Signal
	switch {
	case pending&sigmask(SIGKILL) != 0:
		sig = SIGKILL
	case pending&sigmask(SIGINT) != 0:
		sig = SIGINT
	case pending&sigmask(SIGTERM) != 0:
		sig = SIGTERM
	default:
		sig = SIGSEGV
	}

	proc.mu.Lock()
	proc.PendingSignals &^= sigmask(sig)
	proc.mu.Unlock()

	m.TerminateCurrent(proc, current, sig)
}
