package cmd

import "github.com/spf13/cobra"

type outputType int

const (
	tableOut outputType = iota
	jsonOut
	spewOut
)

const (
	outputFlag        = "output"
	configFlag        = "config"
	ticksFlag         = "ticks"
	includeKernelFlag = "include-kernel"
	nameFlag          = "name"
	idFlag            = "id"
)

// xnixOpts collects the flags every subcommand needs to bring up a kernel
// and init service graph before it can introspect anything.
type xnixOpts struct {
	outType       outputType
	configPath    string
	ticks         int
	includeKernel bool
}

func init() {
	for _, c := range []*cobra.Command{listCmd, getCmd, treeCmd, fpCmd, serviceListCmd} {
		c.Flags().StringP(outputFlag, "o", "table", "Output type for command [table (default), json, spew].")
		c.Flags().String(configFlag, "", "Path to an init service graph config file (ini format).")
		c.Flags().Int(ticksFlag, 400, "Number of init service-graph ticks (50ms each) to run before taking the snapshot; used only with --config.")
	}

	dashboardCmd.Flags().String(configFlag, "", "Path to an init service graph config file (ini format).")

	listCmd.Flags().Bool(includeKernelFlag, false, "Include the kernel pseudo-process (pid 0) in the listing.")
	treeCmd.Flags().Bool(includeKernelFlag, false, "Include the kernel pseudo-process (pid 0) in the listing.")

	getCmd.Flags().String(nameFlag, "", "Get processes by name. May return more than one process.")
	getCmd.Flags().Uint32(idFlag, 0, "Get a process by pid.")
}

func newXnixOpts(fs interface {
	GetString(string) (string, error)
	GetInt(string) (int, error)
	GetBool(string) (bool, error)
}) xnixOpts {
	ot := tableOut
	switch of, _ := fs.GetString(outputFlag); of {
	case "json":
		ot = jsonOut
	case "spew":
		ot = spewOut
	}
	cfg, _ := fs.GetString(configFlag)
	ticks, _ := fs.GetInt(ticksFlag)
	if ticks == 0 {
		ticks = 400
	}
	includeKernel, _ := fs.GetBool(includeKernelFlag)
	return xnixOpts{outType: ot, configPath: cfg, ticks: ticks, includeKernel: includeKernel}
}
