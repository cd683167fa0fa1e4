package initsvc

import (
	"fmt"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
)

var errNoImageLoader = fmt.Errorf("initsvc: no image loader configured")

// StartService spawns a Pending service's process, duplicating its resolved
// handles (plus init_notify, if one was configured) into the child and
// recording its pid in the runtime table. A failed spawn marks the service
// Failed and is not retried automatically.
func (m *Manager) StartService(idx int) (process.PID, error) {
	svc := m.services[idx]
	rt := m.runtime[idx]
	rt.State = Starting
	m.log.Write(kmsg.LevelInfo, "initsvc", "starting %s", svc.Name)

	if svc.Profile != "" {
		perms, err := m.ResolveProfile(svc.Profile)
		if err != nil {
			rt.State = Failed
			m.log.Write(kmsg.LevelWarn, "initsvc", "profile for %s: %v", svc.Name, err)
			return 0, err
		}
		for name, allowed := range perms {
			if allowed {
				capability.RegisterPerm(name)
			}
		}
		rt.Perms = perms
	}

	img, err := m.loadImage(svc)
	if err != nil {
		rt.State = Failed
		m.log.Write(kmsg.LevelWarn, "initsvc", "failed to load image for %s: %v", svc.Name, err)
		return 0, err
	}

	inherit := make([]process.InheritCap, 0, len(svc.Handles))
	for _, h := range svc.Handles {
		if h.Src == invalidHandle {
			continue
		}
		inherit = append(inherit, process.InheritCap{
			Src:     h.Src,
			Rights:  capability.Read | capability.Write,
			DstHint: invalidHandle,
		})
	}

	proc, err := m.procs.Spawn(process.SpawnArgs{
		Name:           svc.Name,
		ELF:            img,
		Creator:        m.initProc,
		InheritCaps:    inherit,
		NotifyEndpoint: m.initNotifyEP,
	})
	if err != nil {
		rt.State = Failed
		m.log.Write(kmsg.LevelWarn, "initsvc", "failed to start %s: %v", svc.Name, err)
		return 0, err
	}

	rt.State = Running
	rt.PID = uint32(proc.PID)
	rt.StartTicks = m.ticks
	rt.ReportedReady = false
	rt.Mounted = false
	rt.ProbeStart = 0
	rt.Ready = false
	m.log.Write(kmsg.LevelInfo, "initsvc", "%s started (pid %d)", svc.Name, proc.PID)
	return proc.PID, nil
}

func (m *Manager) loadImage(svc *Service) ([]byte, error) {
	if m.images == nil {
		return nil, errNoImageLoader
	}
	return m.images.Load(svc)
}

// tryMountService performs the configured mount once a running service has
// reported ready, using the endpoint it provides (the first name in its
// provides list) as the mount's backing connection. The endpoint is probed
// with a trivial VFS_INFO round-trip first; probes retry on the 50ms tick
// cadence for up to mountProbeTicks, and a service whose filesystem never
// answers is marked Failed rather than mounted blind.
func (m *Manager) tryMountService(idx int) {
	svc := m.services[idx]
	rt := m.runtime[idx]
	if svc.Mount == "" || rt.State != Running {
		return
	}
	if !rt.ReportedReady || rt.Mounted {
		return
	}

	provides := m.graph[idx].provides
	if len(provides) == 0 {
		m.log.Write(kmsg.LevelWarn, "initsvc", "service %s: mount requires a provided endpoint", svc.Name)
		rt.State = Failed
		return
	}

	epName := provides[0]
	svc.MountEP = invalidHandle
	for _, h := range svc.Handles {
		if h.Name == epName {
			svc.MountEP = h.Src
			break
		}
	}
	if svc.MountEP == invalidHandle || m.mounter == nil {
		m.log.Write(kmsg.LevelWarn, "initsvc", "service %s: mount endpoint unresolved", svc.Name)
		rt.State = Failed
		return
	}

	if rt.ProbeStart == 0 {
		rt.ProbeStart = m.ticks
		m.log.Write(kmsg.LevelInfo, "initsvc", "probing %s readiness (ep=%d for '%s')", svc.Name, svc.MountEP, epName)
	}
	if err := m.mounter.Probe(svc.MountEP); err != nil {
		if m.ticks-rt.ProbeStart >= mountProbeTicks {
			m.log.Write(kmsg.LevelWarn, "initsvc", "timeout: %s did not respond to probes: %v", svc.Name, err)
			rt.State = Failed
		}
		return
	}

	if err := m.mounter.Mount(svc.Mount, svc.MountEP); err != nil {
		m.log.Write(kmsg.LevelWarn, "initsvc", "mount %s failed: %v", svc.Mount, err)
		rt.State = Failed
		return
	}
	rt.Mounted = true
	rt.Ready = true
	m.log.Write(kmsg.LevelInfo, "initsvc", "%s mounted on %s", svc.Name, svc.Mount)
}

// ReportReady marks a running service's init_notify readiness report as
// received; called by whatever decodes init_notify signals (the kernel
// aggregate, in the finished wiring) for the pid that signaled.
func (m *Manager) ReportReady(pid process.PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rt := range m.runtime {
		if process.PID(rt.PID) == pid && rt.State == Running {
			rt.ReportedReady = true
			if m.services[i].Mount == "" {
				rt.Ready = true
			}
			return
		}
	}
}

// checkReadyTimeouts fails a Running-but-never-ready service once
// readyTimeoutTicks elapse, unless nothing else depends on its readiness —
// in which case it is silently marked ready instead.
func (m *Manager) checkReadyTimeouts() {
	for i, rt := range m.runtime {
		if rt.State != Running || rt.Ready {
			continue
		}
		if m.ticks-rt.StartTicks < readyTimeoutTicks {
			continue
		}
		if !m.isReadyDependedOn(i) {
			rt.Ready = true
			continue
		}
		m.log.Write(kmsg.LevelWarn, "initsvc", "timeout: %s not ready (pid=%d)", m.services[i].Name, rt.PID)
		rt.State = Failed
	}
}

func (m *Manager) isReadyDependedOn(idx int) bool {
	name := m.services[idx].Name
	for i, svc := range m.services {
		if i == idx {
			continue
		}
		for _, r := range svc.Ready {
			if r == name {
				return true
			}
		}
	}
	return false
}

// propagateFailedRequires fails any still-Pending service whose "ready"
// dependency has already failed, so it never blocks the tick loop forever.
func (m *Manager) propagateFailedRequires() {
	for i, svc := range m.services {
		rt := m.runtime[i]
		if rt.State != Pending {
			continue
		}
		for _, name := range svc.Ready {
			dep, ok := m.index[name]
			if !ok {
				continue
			}
			if m.runtime[dep].State == Failed {
				m.log.Write(kmsg.LevelWarn, "initsvc", "failed: %s requires %s", svc.Name, name)
				rt.State = Failed
				break
			}
		}
	}
}

// Tick advances the service graph by one 50ms runtime step: mount
// probes for ready services, ready-timeout and failure propagation, then
// starting eligible Pending services (respecting per-service delay) and
// promoting expired Waiting services to Starting.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticks += tickIncrement

	for i := range m.services {
		m.tryMountService(i)
	}
	m.checkReadyTimeouts()
	m.propagateFailedRequires()

	// Eligibility is decided against the state the graph was in when this
	// tick began, so a service and whatever depends on it never both start
	// within the same tick — dependents only become eligible on the tick
	// after their dependency actually transitions.
	startable := make([]int, 0, len(m.runtime))
	for i, rt := range m.runtime {
		if rt.State == Pending && m.CanStart(i) {
			startable = append(startable, i)
		}
	}
	for _, i := range startable {
		if m.services[i].DelayMS > 0 {
			m.runtime[i].State = Waiting
			m.runtime[i].DelayStart = m.ticks
		} else {
			m.StartService(i)
		}
	}

	for i, rt := range m.runtime {
		if rt.State != Waiting {
			continue
		}
		if m.ticks-rt.DelayStart >= m.services[i].DelayMS {
			m.StartService(i)
		}
	}
}

// HandleExit reaps an exited child: marks it Stopped, and if configured to
// respawn, rolls it back to Pending so the next Tick restarts it.
func (m *Manager) HandleExit(pid process.PID, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rt := range m.runtime {
		if process.PID(rt.PID) != pid || rt.State == Stopped {
			continue
		}
		svc := m.services[i]
		m.log.Write(kmsg.LevelInfo, "initsvc", "%s exited (status=%d)", svc.Name, exitCode)

		rt.State = Stopped
		rt.PID = 0
		rt.StartTicks = 0
		rt.ReportedReady = false
		rt.Mounted = false
		rt.ProbeStart = 0
		rt.Ready = false

		if svc.Respawn {
			m.log.Write(kmsg.LevelInfo, "initsvc", "respawning %s", svc.Name)
			rt.State = Pending
		}
		return
	}
}

// ReapExited polls the init process's children with WNOHANG and feeds any
// zombie through HandleExit — the init main loop's counterpart to the
// kernel calling svc_handle_exit from a SIGCHLD-style notification.
func (m *Manager) ReapExited() {
	for {
		pid, code, err := m.procs.Waitpid(m.initProc, process.InvalidPID, true)
		if err != nil || pid == process.InvalidPID {
			return
		}
		m.HandleExit(pid, code)
	}
}
