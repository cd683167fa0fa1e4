package cmd

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/SH-XiaoXiu/xnix-sub000/introspect"
	"github.com/SH-XiaoXiu/xnix-sub000/ui"
)

func output(out []byte) {
	fmt.Printf("%s", out)
}

func outputErrorAndFail(msg string) {
	fmt.Println(msg)
	os.Exit(1)
}

// runListProcesses implements `xnixctl process ls`.
func runListProcesses(cmd *cobra.Command, args []string) {
	opts := newXnixOpts(cmd.Flags())
	insp, _, err := bootForInspection(opts)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed booting kernel: %s", err))
	}
	procs, err := insp.ListProcesses()
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("process collection failed: %s", err))
	}
	if !opts.includeKernel {
		procs = filterKernel(procs)
	}
	output(renderProcessList(procs, opts))
}

// runGetProcess implements `xnixctl process get`.
func runGetProcess(cmd *cobra.Command, args []string) {
	opts := newXnixOpts(cmd.Flags())
	insp, _, err := bootForInspection(opts)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed booting kernel: %s", err))
	}
	procs, err := insp.ListProcesses()
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("process collection failed: %s", err))
	}

	fs := cmd.Flags()
	id, _ := fs.GetUint32(idFlag)
	name, _ := fs.GetString(nameFlag)

	switch {
	case id != 0:
		p := findByPID(procs, id)
		if p == nil {
			outputErrorAndFail(fmt.Sprintf("no process with pid %d", id))
		}
		output(renderProcessList([]introspect.ProcessView{*p}, opts))
	case name != "":
		matched := filterByName(procs, name)
		output(renderProcessList(matched, opts))
	default:
		cmd.Help()
	}
}

// runTreeProcess implements `xnixctl process tree [pid]`.
func runTreeProcess(cmd *cobra.Command, args []string) {
	pid, err := parsePID(args)
	if err != nil {
		outputErrorAndFail(err.Error())
	}
	opts := newXnixOpts(cmd.Flags())
	insp, _, err := bootForInspection(opts)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed booting kernel: %s", err))
	}
	chain, err := insp.ProcessTree(pid)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed resolving process tree: %s", err))
	}
	output(renderProcessList(chain, opts))
}

// runFingerPrintProcess implements `xnixctl process finger-print [pid]`.
func runFingerPrintProcess(cmd *cobra.Command, args []string) {
	pid, err := parsePID(args)
	if err != nil {
		outputErrorAndFail(err.Error())
	}
	opts := newXnixOpts(cmd.Flags())
	insp, _, err := bootForInspection(opts)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed booting kernel: %s", err))
	}
	chain, err := insp.ProcessTree(pid)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed resolving process tree: %s", err))
	}

	h := sha256.New()
	for _, p := range chain {
		fmt.Fprintf(h, "%s:%08x;", p.Name, p.EntryPoint)
	}
	output([]byte(hex.EncodeToString(h.Sum(nil))))
}

// runListServices implements `xnixctl service ls`.
func runListServices(cmd *cobra.Command, args []string) {
	opts := newXnixOpts(cmd.Flags())
	if opts.configPath == "" {
		outputErrorAndFail("please provide --config with an init service graph to inspect")
	}
	insp, _, err := bootForInspection(opts)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed booting kernel: %s", err))
	}
	svcs, err := insp.ListServices()
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("service collection failed: %s", err))
	}
	output(renderServiceList(svcs, opts))
}

// runDashboard implements `xnixctl dashboard`.
func runDashboard(cmd *cobra.Command, args []string) {
	cfg, _ := cmd.Flags().GetString(configFlag)
	ui.New(cfg).RunUI()
}

func parsePID(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("please provide a pid")
	}
	var pid uint32
	if _, err := fmt.Sscanf(args[0], "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid pid %q", args[0])
	}
	return pid, nil
}

func filterKernel(procs []introspect.ProcessView) []introspect.ProcessView {
	out := make([]introspect.ProcessView, 0, len(procs))
	for _, p := range procs {
		if p.PID == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func findByPID(procs []introspect.ProcessView, pid uint32) *introspect.ProcessView {
	for i := range procs {
		if procs[i].PID == pid {
			return &procs[i]
		}
	}
	return nil
}

func filterByName(procs []introspect.ProcessView, name string) []introspect.ProcessView {
	out := make([]introspect.ProcessView, 0)
	for _, p := range procs {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func renderProcessList(procs []introspect.ProcessView, opts xnixOpts) []byte {
	switch opts.outType {
	case jsonOut:
		out, _ := json.Marshal(procs)
		return out
	case spewOut:
		return []byte(spew.Sdump(procs))
	}

	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, []string{
			fmt.Sprintf("%d", p.PID),
			p.Name,
			fmt.Sprintf("%d", p.ParentPID),
			p.State,
			fmt.Sprintf("%d", p.Threads),
			fmt.Sprintf("%#x", p.EntryPoint),
		})
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"PID", "name", "ppid", "state", "threads", "entry"})
	table.AppendBulk(rows)
	table.Render()
	return buf.Bytes()
}

func renderServiceList(svcs []introspect.ServiceView, opts xnixOpts) []byte {
	switch opts.outType {
	case jsonOut:
		out, _ := json.Marshal(svcs)
		return out
	case spewOut:
		return []byte(spew.Sdump(svcs))
	}

	rows := make([][]string, 0, len(svcs))
	for _, s := range svcs {
		rows = append(rows, []string{
			s.Name,
			s.State,
			fmt.Sprintf("%d", s.PID),
			fmt.Sprintf("%v", s.Ready),
			fmt.Sprintf("%v", s.Mounted),
		})
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"name", "state", "pid", "ready", "mounted"})
	table.AppendBulk(rows)
	table.Render()
	return buf.Bytes()
}
