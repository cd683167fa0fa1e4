// Package kernel wires the subsystem packages (pagealloc, vmm, sched, kmsg,
// boot, ipc, process) into the single Kernel aggregate the control-plane CLI
// and init service graph drive.
package kernel

import (
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/boot"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/ipc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/pagealloc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/sched"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/vmm"
)

// Config configures a Kernel. Cmdline is the boot command line (as
// /proc/cmdline would present it); TotalFrames is the physical memory size
// in 4 KiB frames.
type Config struct {
	Cmdline     string
	TotalFrames uint32
	LogCapacity int
}

// Kernel is the simulated machine: every subsystem a real xnix kernel
// initializes at boot, as ordinary Go values sharing one kmsg ring.
type Kernel struct {
	Log     *kmsg.Ring
	Machine boot.MachineInfo
	Pages   *pagealloc.Allocator
	VMM     *vmm.Manager
	Sched   *sched.Scheduler
	IPC     *ipc.System
	Procs   *process.Manager
}

// New brings up a Kernel the way the real boot sequence does: parse the
// command line, size the frame allocator, construct the VMM's shared
// kernel address space, bring up one runqueue per reported CPU, and wire
// the process manager's ThreadExit hook into the scheduler.
func New(cfg Config) *Kernel {
	if cfg.LogCapacity == 0 {
		cfg.LogCapacity = 4096
	}
	log := kmsg.New(cfg.LogCapacity)

	cmdline := boot.ParseCmdline(cfg.Cmdline)
	machine := boot.NewReader(cmdline).Read()

	pages := pagealloc.NewAllocator(pagealloc.Config{TotalFrames: cfg.TotalFrames, Log: log})
	vm := vmm.NewManager(vmm.Config{Allocator: pages, Log: log})
	s := sched.NewScheduler(sched.Config{CPUCount: machine.CPUCount, Log: log})

	procs := process.NewManager(process.Config{Sched: s, VMM: vm, Log: log})

	return &Kernel{
		Log:     log,
		Machine: machine,
		Pages:   pages,
		VMM:     vm,
		Sched:   s,
		IPC:     &ipc.System{Sched: s, Log: log},
		Procs:   procs,
	}
}
