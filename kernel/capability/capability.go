// Package capability implements the per-process handle table: a grow-only
// array of typed, rights-tagged references to kernel objects. The handle
// integer is the capability — there is no bearer token beyond the index,
// and a process can only ever consult its own table.
package capability

import (
	"errors"
	"fmt"
	"sync"
)

// Rights is a bitmask of the operations a handle permits.
type Rights uint32

const (
	Read Rights = 1 << iota
	Write
	Grant
	Manage
)

// Has reports whether r contains all bits in required.
func (r Rights) Has(required Rights) bool {
	return r&required == required
}

// Type identifies the kind of kernel object a handle refers to. Subsystems
// register their own type constants; this package only needs to compare and
// refcount them generically.
type Type uint8

const Invalid = ^uint32(0) // HANDLE_INVALID: distinct from every valid handle.

var (
	ErrTooManyOpen      = errors.New("capability: too many open handles")
	ErrBadHandle        = errors.New("capability: bad handle")
	ErrPermissionDenied = errors.New("capability: permission denied")
)

// Object is any kernel object reachable through a handle. Ref/Unref let the
// table maintain the strong-reference invariant without knowing the
// concrete kernel-object types it stores.
type Object interface {
	Ref()
	Unref()
}

type entry struct {
	typ     Type
	object  Object
	rights  Rights
	name    string
	permIDs []PermID // interned at alloc time; survive duplication as-is
	free    bool
}

// Table is a per-process handle table. Grow-only: slots are reused off a
// free-list but the backing array never shrinks.
type Table struct {
	mu      sync.Mutex
	entries []entry
	free    []uint32 // free-list of previously-freed slot indices, reused before growing
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{}
}

// Alloc installs object (of the given type, with rights and a diagnostic
// name) in the first free slot, growing the table if necessary, and bumps
// the object's refcount.
func (t *Table) Alloc(typ Type, object Object, rights Rights, name string) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(typ, object, rights, name, nil)
}

// AllocWithPerms is Alloc plus permission-ID caching: each name in perms is
// interned through RegisterPerm and stored on the entry, so later HasPerm
// checks on this handle are integer comparisons. Endpoint handles cache
// their send/recv permission pair this way.
func (t *Table) AllocWithPerms(typ Type, object Object, rights Rights, name string, perms []string) (uint32, error) {
	ids := make([]PermID, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, RegisterPerm(p))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(typ, object, rights, name, ids)
}

func (t *Table) allocLocked(typ Type, object Object, rights Rights, name string, permIDs []PermID) (uint32, error) {
	// Reuse the lowest listed free slot. A listed slot that AllocAt has
	// since filled directly is dropped rather than reused.
	for len(t.free) > 0 {
		low := 0
		for j := range t.free {
			if t.free[j] < t.free[low] {
				low = j
			}
		}
		idx := t.free[low]
		t.free = append(t.free[:low], t.free[low+1:]...)
		if !t.entries[idx].free {
			continue
		}
		t.entries[idx] = entry{typ: typ, object: object, rights: rights, name: name, permIDs: permIDs}
		object.Ref()
		return idx, nil
	}

	idx := uint32(len(t.entries))
	t.entries = append(t.entries, entry{typ: typ, object: object, rights: rights, name: name, permIDs: permIDs})
	object.Ref()
	return idx, nil
}

// AllocAt attempts to place the handle at hint. If hint is already occupied
// (or out of the free-list's reach), it falls back to Alloc; if hint is
// beyond the table's current capacity, the table grows to accommodate it.
func (t *Table) AllocAt(typ Type, object Object, rights Rights, name string, hint uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(hint) < len(t.entries) {
		if t.entries[hint].free || t.entries[hint].object == nil {
			t.entries[hint] = entry{typ: typ, object: object, rights: rights, name: name}
			object.Ref()
			return hint, nil
		}
		return t.allocLocked(typ, object, rights, name, nil)
	}

	for uint32(len(t.entries)) < hint {
		t.free = append(t.free, uint32(len(t.entries)))
		t.entries = append(t.entries, entry{free: true})
	}
	t.entries = append(t.entries, entry{typ: typ, object: object, rights: rights, name: name})
	object.Ref()
	return hint, nil
}

// Free releases handle h: unrefs the object and clears the slot. Freeing an
// already-free or out-of-range handle is a no-op.
func (t *Table) Free(h uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h) >= len(t.entries) {
		return
	}
	e := &t.entries[h]
	if e.object == nil {
		return
	}
	e.object.Unref()
	*e = entry{free: true}
	t.free = append(t.free, h)
}

// Lookup returns the object behind handle h if it exists, its type matches
// expectedType, and its rights are a superset of requiredRights.
func (t *Table) Lookup(h uint32, expectedType Type, requiredRights Rights) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h) >= len(t.entries) {
		return nil, fmt.Errorf("%w: handle %d out of range", ErrBadHandle, h)
	}
	e := t.entries[h]
	if e.object == nil {
		return nil, fmt.Errorf("%w: handle %d is free", ErrBadHandle, h)
	}
	if e.typ != expectedType {
		return nil, fmt.Errorf("%w: handle %d has type %d, wanted %d", ErrBadHandle, h, e.typ, expectedType)
	}
	if !e.rights.Has(requiredRights) {
		return nil, fmt.Errorf("%w: handle %d has rights %#x, needs %#x", ErrPermissionDenied, h, e.rights, requiredRights)
	}
	return e.object, nil
}

// Rights returns the rights bitmask attached to handle h.
func (t *Table) Rights(h uint32) (Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.entries) || t.entries[h].object == nil {
		return 0, fmt.Errorf("%w: handle %d", ErrBadHandle, h)
	}
	return t.entries[h].rights, nil
}

// Duplicate installs a fresh handle for the object behind srcHandle into
// dst, requiring the source entry to carry Grant and newRights to be a
// subset of the source entry's rights.
func (t *Table) Duplicate(srcHandle uint32, dst *Table, newRights Rights, name string) (uint32, error) {
	t.mu.Lock()
	if int(srcHandle) >= len(t.entries) || t.entries[srcHandle].object == nil {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: handle %d", ErrBadHandle, srcHandle)
	}
	src := t.entries[srcHandle]
	t.mu.Unlock()

	if !src.rights.Has(Grant) {
		return 0, fmt.Errorf("%w: source handle %d lacks GRANT", ErrPermissionDenied, srcHandle)
	}
	if newRights&^src.rights != 0 {
		return 0, fmt.Errorf("%w: requested rights %#x exceed source rights %#x", ErrPermissionDenied, newRights, src.rights)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	return dst.allocLocked(src.typ, src.object, newRights, name, src.permIDs)
}

// HasPerm reports whether handle h carries the given cached permission id.
// The IPC fast path uses this instead of resolving permission strings.
func (t *Table) HasPerm(h uint32, id PermID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.entries) || t.entries[h].object == nil {
		return false
	}
	for _, p := range t.entries[h].permIDs {
		if p == id {
			return true
		}
	}
	return false
}

// PermIDs returns the permission ids cached on handle h at alloc time.
func (t *Table) PermIDs(h uint32) ([]PermID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.entries) || t.entries[h].object == nil {
		return nil, fmt.Errorf("%w: handle %d", ErrBadHandle, h)
	}
	return append([]PermID(nil), t.entries[h].permIDs...), nil
}

// Len reports the table's current capacity (including free slots), useful
// for the debug dashboard.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a read-only copy of every occupied slot, keyed by
// handle, for introspection.
type Snapshot struct {
	Handle uint32
	Type   Type
	Rights Rights
	Name   string
}

func (t *Table) SnapshotAll() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.entries))
	for i, e := range t.entries {
		if e.object == nil {
			continue
		}
		out = append(out, Snapshot{Handle: uint32(i), Type: e.typ, Rights: e.rights, Name: e.name})
	}
	return out
}
