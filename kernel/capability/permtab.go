package capability

import "sync"

// PermID is an interned identifier for a named permission string
// ("xnix.ipc.endpoint.<name>.send" and the like). Interning happens once,
// at handle-allocation time, so permission checks on hot paths compare
// small integers instead of strings.
type PermID uint32

// InvalidPermID is distinct from every registered permission.
const InvalidPermID PermID = 0

var permRegistry = struct {
	mu    sync.Mutex
	ids   map[string]PermID
	names []string
}{
	ids:   map[string]PermID{},
	names: []string{""}, // index 0 reserved for InvalidPermID
}

// RegisterPerm interns a permission name, returning its stable PermID.
// Registering the same name again returns the same id.
func RegisterPerm(name string) PermID {
	permRegistry.mu.Lock()
	defer permRegistry.mu.Unlock()
	if id, ok := permRegistry.ids[name]; ok {
		return id
	}
	id := PermID(len(permRegistry.names))
	permRegistry.names = append(permRegistry.names, name)
	permRegistry.ids[name] = id
	return id
}

// PermName resolves a PermID back to the registered name, for diagnostics.
func PermName(id PermID) string {
	permRegistry.mu.Lock()
	defer permRegistry.mu.Unlock()
	if int(id) >= len(permRegistry.names) {
		return ""
	}
	return permRegistry.names[id]
}
