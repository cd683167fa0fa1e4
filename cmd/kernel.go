package cmd

import (
	"fmt"
	"os"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
	"github.com/SH-XiaoXiu/xnix-sub000/introspect"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
	"github.com/SH-XiaoXiu/xnix-sub000/modimage"
)

// bootForInspection brings up a fresh Kernel, optionally loads an init
// service graph config, runs it forward the requested number of ticks, and
// returns an Inspector over the resulting state. Every subcommand calls
// this once: xnixctl has no long-running daemon of its own, the same way
// the process commands it's descended from took one procfs snapshot per
// invocation.
func bootForInspection(opts xnixOpts) (introspect.Inspector, *initsvc.Manager, error) {
	k := kernel.New(kernel.Config{TotalFrames: 65536})

	// The very first spawn is init: the manager hands out PIDInit first.
	initProc, err := k.Procs.Spawn(process.SpawnArgs{Name: "init", ELF: modimage.StubImage()})
	if err != nil {
		return nil, nil, fmt.Errorf("spawn init: %w", err)
	}

	var svcs *initsvc.Manager
	if opts.configPath != "" {
		content, err := os.ReadFile(opts.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}

		loaders := modimage.Chain{modimage.StubLoader{}}
		svcs = initsvc.NewManager(initsvc.Config{
			Procs:    k.Procs,
			InitProc: initProc,
			Log:      k.Log,
			Images:   loaders,
		})
		if err := svcs.LoadConfigString(string(content)); err != nil {
			return nil, nil, fmt.Errorf("load service config: %w", err)
		}

		for i := 0; i < opts.ticks; i++ {
			svcs.Tick()
			svcs.ReapExited()
		}
	}

	return introspect.NewInspector(k, svcs), svcs, nil
}
