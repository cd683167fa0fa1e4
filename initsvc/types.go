// Package initsvc implements the declarative service manager xnix's init
// process runs: service/handle/profile configuration, dependency-graph
// resolution, and the runtime tick loop that starts, mounts, reaps, and
// respawns services.
package initsvc

// HandleType is how a named handle slot is satisfied: a freshly created
// endpoint this init process owns, or one inherited by name from init's own
// handle table (module images, framebuffer memory, and similar kernel-
// injected handles).
type HandleType int

const (
	HandleTypeNone HandleType = iota
	HandleTypeEndpoint
	HandleTypeInherit
)

// HandleDef is a named handle definition shared across services that
// reference it — created (or resolved) at most once, the first time any
// service needs it.
type HandleDef struct {
	Name    string
	Type    HandleType
	Handle  uint32
	Created bool
}

// HandleRef is one entry in a service's handle-inheritance list: a name the
// service's config refers to, resolved to a handle in init's own table by
// resolveHandles.
type HandleRef struct {
	Name string
	Src  uint32
}

// ServiceType selects how a service is launched: by module name (the
// module image a service is compiled into) or by an ELF path.
type ServiceType int

const (
	ServiceModule ServiceType = iota
	ServicePath
)

// Service is a service's static configuration, as loaded from the ini
// config: launch parameters, dependency declarations, and the named
// handles and endpoints it provides or requires.
type Service struct {
	Name       string
	Type       ServiceType
	ModuleName string
	Path       string
	Profile    string

	After    []string
	Ready    []string
	WaitPath string
	DelayMS  uint32

	Respawn bool
	Builtin bool

	Mount   string
	MountEP uint32

	Handles  []HandleRef
	Provides []string
	Requires []string
	Wants    []string
}

// Profile is a named permission-inheritance profile: an optional parent to
// inherit from and a set of xnix.* boolean permission overrides.
type Profile struct {
	Name    string
	Inherit string
	Perms   map[string]bool
}

// State is a service's lifecycle state. The order is meaningful:
// comparisons like "state >= Starting" gate dependency checks.
type State int

const (
	Pending State = iota
	Waiting
	Starting
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Waiting:
		return "waiting"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runtime is a service's mutable runtime state, reset on every
// start/respawn.
type Runtime struct {
	State         State
	PID           uint32
	DelayStart    uint32
	StartTicks    uint32
	Ready         bool
	ReportedReady bool
	Mounted       bool
	ProbeStart    uint32          // tick of the first mount probe; 0 = not probing yet
	Perms         map[string]bool // resolved profile permissions, set at start
}

type depKind int

const (
	depAfter depKind = iota
	depReady
	depWants
)

type dependency struct {
	targetIdx int
	kind      depKind
}

type graphNode struct {
	deps     []dependency
	provides []string
}
