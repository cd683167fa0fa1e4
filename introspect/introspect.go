// Package introspect exposes read-only snapshots of kernel state for the
// CLI and dashboard to render: the process table, a process's handle table,
// and the init service graph.
package introspect

import (
	"fmt"
	"sort"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
)

// ProcessView is a flattened, display-ready snapshot of one process.
type ProcessView struct {
	PID        uint32
	Name       string
	ParentPID  uint32
	State      string
	ExitCode   int
	EntryPoint uint32
	Threads    int
}

// HandleView is a flattened snapshot of one entry in a process's handle
// table.
type HandleView struct {
	Handle uint32
	Type   string
	Rights string
	Name   string
}

// ServiceView is a flattened snapshot of one configured init service.
type ServiceView struct {
	Name    string
	State   string
	PID     uint32
	Ready   bool
	Mounted bool
}

// Inspector is the read-only view this package exposes over a running
// kernel, scoped to its process table, handle tables, and service graph.
type Inspector interface {
	ListProcesses() ([]ProcessView, error)
	ProcessHandles(pid uint32) ([]HandleView, error)
	ProcessTree(pid uint32) ([]ProcessView, error)
	ListServices() ([]ServiceView, error)
}

type kernelInspector struct {
	k    *kernel.Kernel
	svcs *initsvc.Manager
}

// NewInspector returns an Inspector reading directly from the given kernel
// and (optionally nil) service manager.
func NewInspector(k *kernel.Kernel, svcs *initsvc.Manager) Inspector {
	return &kernelInspector{k: k, svcs: svcs}
}

func (in *kernelInspector) ListProcesses() ([]ProcessView, error) {
	procs := in.k.Procs.Snapshot()
	views := make([]ProcessView, 0, len(procs))
	for _, p := range procs {
		views = append(views, toProcessView(p))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].PID < views[j].PID })
	return views, nil
}

func (in *kernelInspector) ProcessHandles(pid uint32) ([]HandleView, error) {
	p := in.k.Procs.FindByPID(process.PID(pid))
	if p == nil {
		return nil, ErrNoSuchProcess(pid)
	}
	snaps := p.Handles().SnapshotAll()
	views := make([]HandleView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, HandleView{
			Handle: s.Handle,
			Type:   fmt.Sprintf("%d", s.Type),
			Rights: rightsString(s.Rights),
			Name:   s.Name,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Handle < views[j].Handle })
	return views, nil
}

func (in *kernelInspector) ProcessTree(pid uint32) ([]ProcessView, error) {
	all, err := in.ListProcesses()
	if err != nil {
		return nil, err
	}
	lookup := map[uint32]ProcessView{}
	for _, v := range all {
		lookup[v.PID] = v
	}

	cur, ok := lookup[pid]
	if !ok {
		return nil, ErrNoSuchProcess(pid)
	}

	chain := []ProcessView{cur}
	for cur.ParentPID != 0 {
		parent, ok := lookup[cur.ParentPID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

func (in *kernelInspector) ListServices() ([]ServiceView, error) {
	if in.svcs == nil {
		return nil, nil
	}
	names := in.svcs.Services()
	views := make([]ServiceView, 0, len(names))
	for _, name := range names {
		svc, rt, ok := in.svcs.ServiceByName(name)
		if !ok {
			continue
		}
		views = append(views, ServiceView{
			Name:    svc.Name,
			State:   rt.State.String(),
			PID:     rt.PID,
			Ready:   rt.Ready,
			Mounted: rt.Mounted,
		})
	}
	return views, nil
}

func toProcessView(p *process.Process) ProcessView {
	var parentPID uint32
	if parent := p.Parent; parent != nil {
		parentPID = uint32(parent.PID)
	}
	return ProcessView{
		PID:        uint32(p.PID),
		Name:       p.Name,
		ParentPID:  parentPID,
		State:      p.State.String(),
		ExitCode:   p.ExitCode,
		EntryPoint: p.EntryPoint,
		Threads:    len(p.Threads),
	}
}

func rightsString(r capability.Rights) string {
	flags := [...]struct {
		bit  capability.Rights
		name string
	}{
		{capability.Read, "R"},
		{capability.Write, "W"},
		{capability.Grant, "G"},
		{capability.Manage, "M"},
	}
	out := ""
	for _, f := range flags {
		if r.Has(f.bit) {
			out += f.name
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// ErrNoSuchProcess reports that a requested pid has no entry in the process
// table.
type ErrNoSuchProcess uint32

func (e ErrNoSuchProcess) Error() string {
	return "introspect: no such process"
}
