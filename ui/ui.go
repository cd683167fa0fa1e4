// Package ui serves a small HTTP dashboard over a booted kernel's process
// table and service graph.
package ui

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
	"github.com/SH-XiaoXiu/xnix-sub000/introspect"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/process"
	"github.com/SH-XiaoXiu/xnix-sub000/modimage"
)

const (
	port              = ":8080"
	refreshPath       = "/refresh"
	processesPath     = "/process/"
	processesTreePath = "/tree/"
	servicesPath      = "/services"
)

// UI serves process-table and service-graph views over a kernel it boots
// and owns for the lifetime of the process.
type UI struct {
	k           *kernel.Kernel
	svcs        *initsvc.Manager
	insp        introspect.Inspector
	data        Data
	refreshLock sync.Mutex
}

// Data is the template context for the all-processes view.
type Data struct {
	Tick uint32
	PS   []introspect.ProcessView
}

// New boots a fresh kernel (and, if configPath is non-empty, an init
// service graph loaded from it) and returns a UI ready to serve it.
func New(configPath string) *UI {
	k := kernel.New(kernel.Config{TotalFrames: 65536})

	initProc, err := k.Procs.Spawn(process.SpawnArgs{Name: "init", ELF: modimage.StubImage()})
	if err != nil {
		panic(err)
	}

	var svcs *initsvc.Manager
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			panic(err)
		}
		svcs = initsvc.NewManager(initsvc.Config{
			Procs:    k.Procs,
			InitProc: initProc,
			Log:      k.Log,
			Images:   modimage.Chain{modimage.StubLoader{}},
		})
		if err := svcs.LoadConfigString(string(content)); err != nil {
			panic(err)
		}
	}

	return &UI{
		k:    k,
		svcs: svcs,
		insp: introspect.NewInspector(k, svcs),
	}
}

func (ui *UI) RunUI() {
	http.HandleFunc("/", ui.handleAllProcesses)
	http.HandleFunc(refreshPath, ui.handleRefresh)
	http.HandleFunc(processesPath, ui.handleProcessDetails)
	http.HandleFunc(processesTreePath, ui.handleProcessTree)
	http.HandleFunc(servicesPath, ui.handleServices)

	log.Printf("serving at %s", port)
	panic(http.ListenAndServe(port, nil))
}

func (ui *UI) handleAllProcesses(w http.ResponseWriter, r *http.Request) {
	ui.refreshLock.Lock()
	defer ui.refreshLock.Unlock()

	procs, err := ui.insp.ListProcesses()
	if err != nil {
		writeFailure(w, err)
		return
	}
	ui.data.PS = procs

	t, err := createTemplate(allProcessesView)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := t.Execute(w, ui.data); err != nil {
		writeFailure(w, err)
	}
}

// handleRefresh advances the service graph by one tick and reaps any exited
// processes, then redirects back to the process listing.
func (ui *UI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ui.refreshLock.Lock()
	defer ui.refreshLock.Unlock()
	if ui.svcs != nil {
		ui.svcs.Tick()
		ui.svcs.ReapExited()
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (ui *UI) handleProcessDetails(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePathPID(r.URL.Path, processesPath)
	if err != nil {
		writeFailure(w, err)
		return
	}

	procs, err := ui.insp.ListProcesses()
	if err != nil {
		writeFailure(w, err)
		return
	}
	p := findPID(procs, pid)
	if p == nil {
		writeFailure(w, fmt.Errorf("process does not exist"))
		return
	}

	handles, err := ui.insp.ProcessHandles(pid)
	if err != nil {
		writeFailure(w, err)
		return
	}

	t, err := createTemplate(viewProcessDetails)
	if err != nil {
		writeFailure(w, err)
		return
	}
	data := struct {
		introspect.ProcessView
		Handles []introspect.HandleView
	}{*p, handles}
	if err := t.Execute(w, data); err != nil {
		writeFailure(w, err)
	}
}

func (ui *UI) handleProcessTree(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePathPID(r.URL.Path, processesTreePath)
	if err != nil {
		writeFailure(w, err)
		return
	}

	chain, err := ui.insp.ProcessTree(pid)
	if err != nil {
		writeFailure(w, err)
		return
	}

	t, err := createTemplate(viewTreeDetails)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := t.Execute(w, chain); err != nil {
		writeFailure(w, err)
	}
}

func (ui *UI) handleServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := ui.insp.ListServices()
	if err != nil {
		writeFailure(w, err)
		return
	}
	t, err := createTemplate(viewServices)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := t.Execute(w, svcs); err != nil {
		writeFailure(w, err)
	}
}

func parsePathPID(path, prefix string) (uint32, error) {
	idString := strings.TrimPrefix(path, prefix)
	id, err := strconv.ParseUint(idString, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func findPID(procs []introspect.ProcessView, pid uint32) *introspect.ProcessView {
	for i := range procs {
		if procs[i].PID == pid {
			return &procs[i]
		}
	}
	return nil
}

// createTemplate returns a final template wrapped with uiHeader and
// uiFooter.
func createTemplate(temp string) (*template.Template, error) {
	t, err := template.New("response").Parse(uiHeader + temp + uiFooter)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func writeFailure(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	t, _ := createTemplate(errorView)
	t.Execute(w, err.Error())
}
