package initsvc

import (
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/ipc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
)

const invalidHandle = capability.Invalid

// ImageLoader resolves a service's launch configuration (module name or
// ELF path) to the already-parseable ELF bytes process.Spawn needs. The
// actual module-image store and filesystem are external collaborators this
// init service graph doesn't implement.
type ImageLoader interface {
	Load(svc *Service) ([]byte, error)
}

// VFSMounter is the seam to the VFS dispatcher, an external collaborator: a
// liveness probe against a filesystem service's endpoint (a trivial
// VFS_INFO round-trip) and the mount call made once the probe answers.
type VFSMounter interface {
	Probe(endpoint uint32) error
	Mount(path string, endpoint uint32) error
}

const (
	readyTimeoutTicks = 5000
	mountProbeTicks   = 5000
	tickIncrement     = 50
)

// Manager is the init process's service graph: static configuration,
// per-service runtime state, the dependency graph, and the plumbing needed
// to actually spawn and reap services.
type Manager struct {
	mu sync.Mutex

	services []*Service
	runtime  []*Runtime
	graph    []*graphNode
	index    map[string]int

	handleDefs map[string]*HandleDef
	profiles   map[string]*Profile

	topoOrder    []int
	initNotifyEP *ipc.Endpoint

	procs    *process.Manager
	initProc *process.Process
	log      *kmsg.Ring
	images   ImageLoader
	mounter  VFSMounter

	ticks uint32
}

// Config wires Manager to the rest of the kernel and to the external
// collaborators (image store, VFS) it needs to actually start services.
type Config struct {
	Procs    *process.Manager
	InitProc *process.Process
	Log      *kmsg.Ring
	Images   ImageLoader
	Mounter  VFSMounter
}

func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = kmsg.New(256)
	}
	m := &Manager{
		index:      map[string]int{},
		handleDefs: map[string]*HandleDef{},
		profiles:   map[string]*Profile{},
		procs:      cfg.Procs,
		initProc:   cfg.InitProc,
		log:        cfg.Log,
		images:     cfg.Images,
		mounter:    cfg.Mounter,
	}
	if m.initProc != nil {
		// Every spawned service gets a handle to this endpoint appended as
		// "init_notify"; readiness reports arrive here. Init keeps the recv
		// side in its own table.
		ep := ipc.NewEndpoint()
		ep.Ref()
		m.initNotifyEP = ep
		perms := []string{"xnix.ipc.endpoint.init_notify.send", "xnix.ipc.endpoint.init_notify.recv"}
		rights := capability.Read | capability.Write | capability.Grant
		if _, err := m.initProc.Handles().AllocWithPerms(ipc.TypeEndpoint, ep, rights, "init_notify", perms); err != nil {
			m.log.Write(kmsg.LevelWarn, "initsvc", "install init_notify handle: %v", err)
		}
	}
	return m
}

// ServiceByName exposes a service's live runtime state for introspection.
func (m *Manager) ServiceByName(name string) (*Service, *Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.index[name]
	if !ok {
		return nil, nil, false
	}
	return m.services[idx], m.runtime[idx], true
}

// Services returns every configured service name, in load order.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.services))
	for i, s := range m.services {
		out[i] = s.Name
	}
	return out
}

// resolve runs the pipeline after a config load: service discovery
// (provides/requires/wants turn into named handle slots), handle resolution
// (each distinct handle def is created or inherited once), dependency-graph
// construction (after/ready edges, plus wants edges that gate start but stay
// out of the ordering), cycle detection and Kahn's-sort leveling, and
// builtin marking.
func (m *Manager) resolve() error {
	if err := m.resolveServiceDiscovery(); err != nil {
		return err
	}
	m.resolveHandles()
	if err := m.buildDependencyGraph(); err != nil {
		return err
	}
	m.markBuiltins()
	m.log.Write(kmsg.LevelInfo, "initsvc", "loaded %d services, %d topo levels", len(m.services), len(m.topoOrder))
	return nil
}

// markBuiltins records builtin services as already Running: they were up
// before init launched, there is no pid to spawn or to match a readiness
// report against, so they count as ready outright.
func (m *Manager) markBuiltins() {
	for i, svc := range m.services {
		if !svc.Builtin {
			continue
		}
		rt := m.runtime[i]
		rt.State = Running
		rt.Ready = true
		rt.ReportedReady = true
	}
}

// resolveServiceDiscovery turns each service's provides/requires/wants
// declarations into named handle slots on the owning (provides) and
// consuming (requires/wants) services, registering a handle definition for
// every name the first time it's mentioned.
func (m *Manager) resolveServiceDiscovery() error {
	for i, svc := range m.services {
		for _, name := range m.graph[i].provides {
			def := m.getOrAddHandleDef(name)
			if def.Type == HandleTypeNone {
				def.Type = HandleTypeEndpoint
			}
			if !svcHasHandle(svc, name) {
				svc.Handles = append(svc.Handles, HandleRef{Name: name, Src: invalidHandle})
			}
		}
	}
	for _, svc := range m.services {
		for _, name := range svc.Requires {
			if _, ok := m.handleDefs[name]; !ok {
				return fmt.Errorf("initsvc: service %q requires unknown handle %q", svc.Name, name)
			}
			if !svcHasHandle(svc, name) {
				svc.Handles = append(svc.Handles, HandleRef{Name: name, Src: invalidHandle})
			}
		}
		for _, name := range svc.Wants {
			if _, ok := m.handleDefs[name]; !ok {
				continue
			}
			if !svcHasHandle(svc, name) {
				svc.Handles = append(svc.Handles, HandleRef{Name: name, Src: invalidHandle})
			}
		}
	}
	return nil
}

func svcHasHandle(svc *Service, name string) bool {
	for _, h := range svc.Handles {
		if h.Name == name {
			return true
		}
	}
	return false
}

// resolveHandles creates (endpoint) or looks up by name (inherit) every
// distinct handle definition exactly once, then fills in every service's
// reference to it.
func (m *Manager) resolveHandles() {
	for _, svc := range m.services {
		for j := range svc.Handles {
			ref := &svc.Handles[j]
			if ref.Src != invalidHandle {
				continue
			}
			h, err := m.materializeHandle(ref.Name)
			if err != nil {
				m.log.Write(kmsg.LevelWarn, "initsvc", "service %s: handle %s: %v", svc.Name, ref.Name, err)
				continue
			}
			ref.Src = h
		}
	}
}

func (m *Manager) materializeHandle(name string) (uint32, error) {
	def, ok := m.handleDefs[name]
	if !ok {
		return invalidHandle, fmt.Errorf("unknown handle %q", name)
	}
	if def.Created {
		return def.Handle, nil
	}

	switch def.Type {
	case HandleTypeEndpoint:
		ep := ipc.NewEndpoint()
		ep.Ref()
		perms := []string{
			"xnix.ipc.endpoint." + name + ".send",
			"xnix.ipc.endpoint." + name + ".recv",
		}
		h, err := m.initProc.Handles().AllocWithPerms(ipc.TypeEndpoint, ep, capability.Read|capability.Write|capability.Grant, name, perms)
		if err != nil {
			return invalidHandle, err
		}
		def.Handle = h
	case HandleTypeInherit:
		h, ok := findHandleByName(m.initProc.Handles(), name)
		if !ok {
			return invalidHandle, fmt.Errorf("inherited handle %q not present in init's table", name)
		}
		def.Handle = h
	default:
		return invalidHandle, fmt.Errorf("handle %q has no type", name)
	}

	def.Created = true
	return def.Handle, nil
}

func findHandleByName(tbl *capability.Table, name string) (uint32, bool) {
	for _, snap := range tbl.SnapshotAll() {
		if snap.Name == name {
			return snap.Handle, true
		}
	}
	return invalidHandle, false
}
