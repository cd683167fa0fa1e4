package cmd

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "xnixctl",
	Short: "Inspect a simulated xnix kernel: its process table, handle tables, and init service graph.",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
		}
	},
}

var processCmd = &cobra.Command{
	Use:     "process",
	Aliases: []string{"ps"},
	Short:   "Introspect processes and their relationships.",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
		}
	},
}

var serviceCmd = &cobra.Command{
	Use:     "service",
	Aliases: []string{"svc"},
	Short:   "Introspect the init service graph.",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List all processes in the booted kernel.",
	Run:     runListProcesses,
}

var getCmd = &cobra.Command{
	Use:   "get [--id or --name]",
	Short: "Retrieve a process's details.",
	Run:   runGetProcess,
}

var treeCmd = &cobra.Command{
	Use:   "tree [pid]",
	Short: "Retrieve a process and its ancestor chain.",
	Run:   runTreeProcess,
}

var fpCmd = &cobra.Command{
	Use:     "finger-print [pid]",
	Aliases: []string{"fp"},
	Short:   "Checksum of a process's entry point combined with its ancestors'.",
	Run:     runFingerPrintProcess,
}

var serviceListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List every configured service and its runtime state.",
	Run:     runListServices,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Boot a kernel and serve a live HTML dashboard over it.",
	Run:   runDashboard,
}

// SetupCLI constructs the cobra hierarchy for the xnixctl CLI.
func SetupCLI() *cobra.Command {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(dashboardCmd)
	processCmd.AddCommand(listCmd)
	processCmd.AddCommand(getCmd)
	processCmd.AddCommand(treeCmd)
	processCmd.AddCommand(fpCmd)
	serviceCmd.AddCommand(serviceListCmd)
	return rootCmd
}
