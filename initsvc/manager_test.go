package initsvc

import (
	"fmt"
	"testing"
	"time"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/pagealloc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/vmm"
)

const testELFAddr = 0x08048000

// fakeImages returns a minimal valid ET_EXEC image for every service,
// standing in for the module-image store this graph doesn't implement.
type fakeImages struct{ fail map[string]bool }

func (f *fakeImages) Load(svc *Service) ([]byte, error) {
	if f.fail[svc.Name] {
		return nil, fmt.Errorf("no image for %s", svc.Name)
	}
	const ehsize, phsize = 52, 32
	buf := make([]byte, ehsize+phsize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 1, 1, 1
	put16 := func(off int, v uint16) { buf[off], buf[off+1] = byte(v), byte(v>>8) }
	put32 := func(off int, v uint32) {
		buf[off], buf[off+1], buf[off+2], buf[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	put16(16, 2)
	put16(18, 3)
	put32(20, 1)
	put32(24, testELFAddr)
	put32(28, ehsize)
	put16(40, ehsize)
	put16(42, phsize)
	put16(44, 1)
	ph := buf[ehsize:]
	ph[0] = 1
	put32(ehsize+4, ehsize+phsize)
	put32(ehsize+8, testELFAddr)
	put32(ehsize+12, testELFAddr)
	put32(ehsize+16, 0)
	put32(ehsize+20, 0)
	put32(ehsize+24, 5)
	put32(ehsize+28, 0x1000)
	return buf, nil
}

type fakeMounter struct {
	mounted  map[string]uint32
	probeErr error // returned by Probe until cleared, simulating a filesystem that isn't answering yet
	probes   int
}

func (f *fakeMounter) Probe(ep uint32) error {
	f.probes++
	return f.probeErr
}

func (f *fakeMounter) Mount(path string, ep uint32) error {
	if f.mounted == nil {
		f.mounted = map[string]uint32{}
	}
	f.mounted[path] = ep
	return nil
}

func newTestSetup(t *testing.T) (*Manager, *process.Manager, *process.Process, *fakeImages) {
	t.Helper()
	s := sched.NewScheduler(sched.Config{CPUCount: 1})
	vm := vmm.NewManager(vmm.Config{Allocator: pagealloc.NewAllocator(pagealloc.Config{})})
	procs := process.NewManager(process.Config{Sched: s, VMM: vm, Log: kmsg.New(256)})

	initImg := (&fakeImages{}).mustBuild(t)
	initProc, err := procs.Spawn(process.SpawnArgs{Name: "init", ELF: initImg})
	if err != nil {
		t.Fatalf("spawn init: %v", err)
	}
	initProc.PID = process.PIDInit

	images := &fakeImages{fail: map[string]bool{}}
	m := NewManager(Config{
		Procs:    procs,
		InitProc: initProc,
		Log:      kmsg.New(256),
		Images:   images,
		Mounter:  &fakeMounter{},
	})
	return m, procs, initProc, images
}

func (f *fakeImages) mustBuild(t *testing.T) []byte {
	t.Helper()
	img, err := f.Load(&Service{Name: "init"})
	if err != nil {
		t.Fatalf("build init image: %v", err)
	}
	return img
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

const basicConfig = `
[service.logger]
module_name = logger
builtin = true

[service.netd]
module_name = netd
after = logger
provides = net_ep
requires =

[service.shell]
module_name = shell
after = netd
ready = netd
`

func TestLoadConfigStringParsesServicesAndGraph(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(basicConfig); err != nil {
		t.Fatalf("load config: %v", err)
	}

	names := m.Services()
	if len(names) != 3 {
		t.Fatalf("expected 3 services, got %d: %v", len(names), names)
	}

	logger, rt, ok := m.ServiceByName("logger")
	if !ok {
		t.Fatalf("logger not found")
	}
	if !logger.Builtin {
		t.Fatalf("logger should be marked builtin")
	}
	if rt.State != Running || !rt.Ready {
		t.Fatalf("builtin logger should resolve to Running and ready, got %s ready=%v", rt.State, rt.Ready)
	}

	netd, _, _ := m.ServiceByName("netd")
	if len(netd.After) != 1 || netd.After[0] != "logger" {
		t.Fatalf("netd.After = %v", netd.After)
	}
	if len(netd.Provides) != 1 || netd.Provides[0] != "net_ep" {
		t.Fatalf("netd.Provides = %v", netd.Provides)
	}

	shell, _, _ := m.ServiceByName("shell")
	if len(shell.Ready) != 1 || shell.Ready[0] != "netd" {
		t.Fatalf("shell.Ready = %v", shell.Ready)
	}
}

func TestBuildDependencyGraphRejectsCycle(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	cfg := `
[service.a]
after = b

[service.b]
after = a
`
	if err := m.LoadConfigString(cfg); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestCanStartRespectsAfterReadyAndWaitPath(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.logger]
module_name = logger

[service.netd]
module_name = netd
after = logger
provides = net_ep

[service.shell]
module_name = shell
after = netd
ready = netd
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	loggerIdx := m.index["logger"]
	netdIdx := m.index["netd"]
	shellIdx := m.index["shell"]

	if !m.CanStart(loggerIdx) {
		t.Fatalf("logger has no deps, should be startable immediately")
	}
	if m.CanStart(netdIdx) {
		t.Fatalf("netd depends on logger starting first")
	}

	m.runtime[loggerIdx].State = Starting
	if !m.CanStart(netdIdx) {
		t.Fatalf("netd should be startable once logger is Starting")
	}

	if m.CanStart(shellIdx) {
		t.Fatalf("shell requires netd ready, which hasn't happened")
	}
	m.runtime[netdIdx].State = Running
	m.runtime[netdIdx].Ready = true
	if !m.CanStart(shellIdx) {
		t.Fatalf("shell should be startable once netd is ready")
	}

	m.services[shellIdx].WaitPath = "/dev/console"
	if m.CanStart(shellIdx) {
		t.Fatalf("a set wait_path should always block CanStart in this port")
	}
}

func TestTickStartsEligibleServicesInOrder(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.logger]
module_name = logger

[service.netd]
module_name = netd
after = logger
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	m.Tick()
	waitUntil(t, func() bool {
		_, rt, _ := m.ServiceByName("logger")
		return rt.State == Running
	})

	_, netdRt, _ := m.ServiceByName("netd")
	if netdRt.State != Pending {
		t.Fatalf("netd should still be pending before logger reaches Starting/Running")
	}

	m.Tick()
	waitUntil(t, func() bool {
		_, rt, _ := m.ServiceByName("netd")
		return rt.State == Running
	})
}

func TestTickRespectsDelayBeforeStarting(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.slow]
module_name = slow
delay = 100
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	m.Tick()
	_, rt, _ := m.ServiceByName("slow")
	if rt.State != Waiting {
		t.Fatalf("expected Waiting after first tick with delay set, got %s", rt.State)
	}

	m.Tick()
	m.Tick()
	if rt.State != Running && rt.State != Starting {
		t.Fatalf("expected service to start once delay elapses, got %s", rt.State)
	}
}

func TestStartServiceFailsWithoutImage(t *testing.T) {
	m, _, _, images := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.broken]
module_name = broken
`); err != nil {
		t.Fatalf("load config: %v", err)
	}
	images.fail["broken"] = true

	idx := m.index["broken"]
	if _, err := m.StartService(idx); err == nil {
		t.Fatalf("expected spawn failure to surface")
	}
	if m.runtime[idx].State != Failed {
		t.Fatalf("broken service should be marked Failed, got %s", m.runtime[idx].State)
	}
}

func TestHandleExitRespawnsConfiguredServices(t *testing.T) {
	m, procs, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.daemon]
module_name = daemon
respawn = true
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	idx := m.index["daemon"]
	pid, err := m.StartService(idx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc := procs.FindByPID(pid)
	procs.Exit(proc, 1)
	m.ReapExited()

	if m.runtime[idx].State != Pending {
		t.Fatalf("respawn=true service should return to Pending after exit, got %s", m.runtime[idx].State)
	}
}

func TestHandleExitLeavesNonRespawnServicesStopped(t *testing.T) {
	m, procs, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.onceoff]
module_name = onceoff
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	idx := m.index["onceoff"]
	pid, err := m.StartService(idx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc := procs.FindByPID(pid)
	procs.Exit(proc, 0)
	m.ReapExited()

	if m.runtime[idx].State != Stopped {
		t.Fatalf("expected Stopped, got %s", m.runtime[idx].State)
	}
}

func TestReadyTimeoutForgivesUndependedService(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.lazy]
module_name = lazy
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	idx := m.index["lazy"]
	if _, err := m.StartService(idx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.runtime[idx].StartTicks = 0
	m.ticks = readyTimeoutTicks + tickIncrement

	m.checkReadyTimeouts()
	if !m.runtime[idx].Ready {
		t.Fatalf("a service nothing depends on should be forgiven at timeout, not failed")
	}
}

func TestReadyTimeoutFailsDependedService(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.backend]
module_name = backend

[service.frontend]
module_name = frontend
ready = backend
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	idx := m.index["backend"]
	if _, err := m.StartService(idx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.runtime[idx].StartTicks = 0
	m.ticks = readyTimeoutTicks + tickIncrement

	m.checkReadyTimeouts()
	if m.runtime[idx].State != Failed {
		t.Fatalf("a depended-on service that never reports ready should fail at timeout")
	}
}

func TestPropagateFailedRequiresFailsDownstreamPending(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.backend]
module_name = backend

[service.frontend]
module_name = frontend
ready = backend
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	m.runtime[m.index["backend"]].State = Failed
	m.propagateFailedRequires()

	if m.runtime[m.index["frontend"]].State != Failed {
		t.Fatalf("frontend should fail once its ready-dependency fails")
	}
}

func TestCanStartGatesOnWants(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.backend]
module_name = backend
provides = data_ep

[service.frontend]
module_name = frontend
wants = backend

[service.viewer]
module_name = viewer
wants = data_ep
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	frontendIdx := m.index["frontend"]
	viewerIdx := m.index["viewer"]
	backendIdx := m.index["backend"]

	if m.CanStart(frontendIdx) {
		t.Fatalf("frontend wants backend, which is still pending")
	}
	if m.CanStart(viewerIdx) {
		t.Fatalf("viewer wants data_ep, provided by the still-pending backend")
	}

	m.runtime[backendIdx].State = Running
	if m.CanStart(frontendIdx) {
		t.Fatalf("a running-but-not-ready wants target must still gate")
	}

	m.runtime[backendIdx].Ready = true
	if !m.CanStart(frontendIdx) || !m.CanStart(viewerIdx) {
		t.Fatalf("running-and-ready wants target should unblock both wanters")
	}

	m.runtime[backendIdx].State = Failed
	if !m.CanStart(frontendIdx) {
		t.Fatalf("a failed wants target is weak and must not wedge its wanter")
	}
}

func TestWantsOnUnknownNameDoesNotGate(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.solo]
module_name = solo
wants = nothing_provides_this
`); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !m.CanStart(m.index["solo"]) {
		t.Fatalf("a wants naming nothing that exists must not gate the start")
	}
}

func TestWantsDoesNotJoinTopologicalOrder(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	// A wants cycle is legal where an after/ready cycle is not.
	if err := m.LoadConfigString(`
[service.a]
module_name = a
wants = b

[service.b]
module_name = b
wants = a
`); err != nil {
		t.Fatalf("wants cycle should not abort config load: %v", err)
	}
	if len(m.topoOrder) != 2 {
		t.Fatalf("expected both services in the topo order, got %v", m.topoOrder)
	}
}

func TestBuiltinServiceIsNeverSpawned(t *testing.T) {
	m, _, _, images := newTestSetup(t)
	images.fail["already_up"] = true // spawning it would fail loudly
	if err := m.LoadConfigString(`
[service.already_up]
module_name = already_up
builtin = true

[service.follower]
module_name = follower
after = already_up
ready = already_up
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	m.Tick()

	_, rt, _ := m.ServiceByName("already_up")
	if rt.State != Running || rt.PID != 0 {
		t.Fatalf("builtin should stay Running with no pid, got %s pid=%d", rt.State, rt.PID)
	}
	waitUntil(t, func() bool {
		_, frt, _ := m.ServiceByName("follower")
		return frt.State == Running
	})
}

func TestResolveProfileFlattensInheritChain(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[profile.base]
xnix.ipc.endpoint.console.send = true
xnix.io.port = false

[profile.driver]
inherit = base
xnix.io.port = true
xnix.irq.bind = true
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	perms, err := m.ResolveProfile("driver")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !perms["xnix.ipc.endpoint.console.send"] {
		t.Fatalf("inherited permission missing")
	}
	if !perms["xnix.io.port"] {
		t.Fatalf("child override should win over inherited false")
	}
	if !perms["xnix.irq.bind"] {
		t.Fatalf("child's own permission missing")
	}
}

func TestResolveProfileRejectsInheritCycle(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[profile.a]
inherit = b

[profile.b]
inherit = a
`); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := m.ResolveProfile("a"); err == nil {
		t.Fatalf("expected inherit cycle to be rejected")
	}
}

func TestStartServiceAppliesProfile(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[profile.svc]
xnix.ipc.endpoint.console.send = true

[service.daemon]
module_name = daemon
profile = svc
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	idx := m.index["daemon"]
	if _, err := m.StartService(idx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.runtime[idx].Perms["xnix.ipc.endpoint.console.send"] {
		t.Fatalf("expected resolved profile perms on the runtime record")
	}
}

func TestStartServiceFailsOnUnknownProfile(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.daemon]
module_name = daemon
profile = missing
`); err != nil {
		t.Fatalf("load config: %v", err)
	}
	idx := m.index["daemon"]
	if _, err := m.StartService(idx); err == nil {
		t.Fatalf("expected unknown profile to fail the start")
	}
	if m.runtime[idx].State != Failed {
		t.Fatalf("expected Failed, got %s", m.runtime[idx].State)
	}
}

const mountConfig = `
[service.ramfs]
module_name = ramfs
provides = ramfs_ep
mount = /mnt
`

func startMountService(t *testing.T, m *Manager) (int, *fakeMounter) {
	t.Helper()
	if err := m.LoadConfigString(mountConfig); err != nil {
		t.Fatalf("load config: %v", err)
	}
	idx := m.index["ramfs"]
	pid, err := m.StartService(idx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	m.ReportReady(pid)
	return idx, m.mounter.(*fakeMounter)
}

func TestMountWaitsForProbeThenMounts(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	idx, mounter := startMountService(t, m)
	mounter.probeErr = fmt.Errorf("connection refused")

	m.Tick()
	rt := m.runtime[idx]
	if rt.Mounted || rt.State != Running {
		t.Fatalf("service must stay running-unmounted while probes fail, got %s mounted=%v", rt.State, rt.Mounted)
	}
	if mounter.probes == 0 {
		t.Fatalf("expected a probe attempt before mounting")
	}
	if len(mounter.mounted) != 0 {
		t.Fatalf("mount must not happen before a probe succeeds")
	}

	mounter.probeErr = nil
	m.Tick()
	if !rt.Mounted || !rt.Ready {
		t.Fatalf("expected mount once the probe answers, got mounted=%v ready=%v", rt.Mounted, rt.Ready)
	}
	if ep, ok := mounter.mounted["/mnt"]; !ok || ep == uint32(invalidHandle) {
		t.Fatalf("expected /mnt mounted on the provided endpoint, got %v", mounter.mounted)
	}
}

func TestMountProbeTimeoutFailsService(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	idx, mounter := startMountService(t, m)
	mounter.probeErr = fmt.Errorf("connection refused")

	m.Tick() // first probe attempt arms the deadline
	m.ticks += mountProbeTicks
	m.Tick()

	if m.runtime[idx].State != Failed {
		t.Fatalf("a filesystem that never answers probes should fail, got %s", m.runtime[idx].State)
	}
	if len(mounter.mounted) != 0 {
		t.Fatalf("a failed probe must never reach Mount")
	}
}

func TestSpawnedServiceReceivesInitNotifyHandle(t *testing.T) {
	m, procs, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.svc]
module_name = svc
`); err != nil {
		t.Fatalf("load config: %v", err)
	}

	pid, err := m.StartService(m.index["svc"])
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	proc := procs.FindByPID(pid)
	found := false
	for _, snap := range proc.Handles().SnapshotAll() {
		if snap.Name == "init_notify" {
			found = true
		}
	}
	if !found {
		t.Fatalf("spawned service should hold an init_notify handle")
	}
}

func TestReportReadyMarksRunningServiceReady(t *testing.T) {
	m, procs, _, _ := newTestSetup(t)
	if err := m.LoadConfigString(`
[service.svc]
module_name = svc
`); err != nil {
		t.Fatalf("load config: %v", err)
	}
	idx := m.index["svc"]
	pid, err := m.StartService(idx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = procs.FindByPID(pid)

	m.ReportReady(pid)
	if !m.runtime[idx].Ready {
		t.Fatalf("expected service to be marked ready after ReportReady")
	}
}
