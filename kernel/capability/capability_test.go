package capability

import (
	"errors"
	"testing"
)

type fakeObject struct {
	refs int
}

func (f *fakeObject) Ref()   { f.refs++ }
func (f *fakeObject) Unref() { f.refs-- }

const typeEndpoint Type = 1

func TestAllocLookupRoundTrip(t *testing.T) {
	tbl := NewTable()
	obj := &fakeObject{}
	h, err := tbl.Alloc(typeEndpoint, obj, Read|Write, "ep0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.refs != 1 {
		t.Fatalf("expected refcount 1 after alloc, got %d", obj.refs)
	}

	got, err := tbl.Lookup(h, typeEndpoint, Read)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if got != obj {
		t.Fatalf("expected lookup to return the same object")
	}
}

func TestLookupFailsOnMissingRights(t *testing.T) {
	tbl := NewTable()
	obj := &fakeObject{}
	h, _ := tbl.Alloc(typeEndpoint, obj, Read, "ep0")
	if _, err := tbl.Lookup(h, typeEndpoint, Write); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestLookupFailsOnTypeMismatch(t *testing.T) {
	tbl := NewTable()
	obj := &fakeObject{}
	h, _ := tbl.Alloc(typeEndpoint, obj, Read, "ep0")
	const otherType Type = 2
	if _, err := tbl.Lookup(h, otherType, Read); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}

func TestFreeThenLookupFails(t *testing.T) {
	tbl := NewTable()
	obj := &fakeObject{}
	h, _ := tbl.Alloc(typeEndpoint, obj, Read, "ep0")
	tbl.Free(h)
	if obj.refs != 0 {
		t.Fatalf("expected refcount 0 after free, got %d", obj.refs)
	}
	if _, err := tbl.Lookup(h, typeEndpoint, Read); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle after free, got %v", err)
	}
}

func TestFreedSlotIsReused(t *testing.T) {
	tbl := NewTable()
	o1 := &fakeObject{}
	h1, _ := tbl.Alloc(typeEndpoint, o1, Read, "a")
	tbl.Free(h1)

	o2 := &fakeObject{}
	h2, _ := tbl.Alloc(typeEndpoint, o2, Read, "b")
	if h2 != h1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", h1, h2)
	}
}

func TestDuplicateRequiresGrant(t *testing.T) {
	src := NewTable()
	dst := NewTable()
	obj := &fakeObject{}
	h, _ := src.Alloc(typeEndpoint, obj, Read|Write, "ep0")

	if _, err := src.Duplicate(h, dst, Read, "ep0"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied without GRANT, got %v", err)
	}
}

func TestDuplicateRightsMustBeSubset(t *testing.T) {
	src := NewTable()
	dst := NewTable()
	obj := &fakeObject{}
	h, _ := src.Alloc(typeEndpoint, obj, Read|Write|Grant, "ep0")

	if _, err := src.Duplicate(h, dst, Read|Manage, "ep0"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for rights exceeding source, got %v", err)
	}
}

func TestDuplicateSucceedsAndBumpsRefcount(t *testing.T) {
	src := NewTable()
	dst := NewTable()
	obj := &fakeObject{}
	h, _ := src.Alloc(typeEndpoint, obj, Read|Write|Grant, "ep0")

	dh, err := src.Duplicate(h, dst, Read|Write, "ep0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.refs != 2 {
		t.Fatalf("expected refcount 2 after duplicate, got %d", obj.refs)
	}
	got, err := dst.Lookup(dh, typeEndpoint, Read|Write)
	if err != nil || got != obj {
		t.Fatalf("expected duplicated handle to resolve to the same object, err=%v", err)
	}
}

func TestRegisterPermInternsNames(t *testing.T) {
	a := RegisterPerm("xnix.ipc.endpoint.console.send")
	b := RegisterPerm("xnix.ipc.endpoint.console.send")
	c := RegisterPerm("xnix.ipc.endpoint.console.recv")
	if a != b {
		t.Fatalf("expected same id for same name, got %d and %d", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids for distinct names")
	}
	if PermName(a) != "xnix.ipc.endpoint.console.send" {
		t.Fatalf("PermName round-trip failed: %q", PermName(a))
	}
}

func TestAllocWithPermsCachesIDs(t *testing.T) {
	tbl := NewTable()
	obj := &fakeObject{}
	h, err := tbl.AllocWithPerms(typeEndpoint, obj, Read|Write, "console",
		[]string{"xnix.ipc.endpoint.console.send", "xnix.ipc.endpoint.console.recv"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sendID := RegisterPerm("xnix.ipc.endpoint.console.send")
	if !tbl.HasPerm(h, sendID) {
		t.Fatalf("expected cached send permission on the handle")
	}
	otherID := RegisterPerm("xnix.ipc.endpoint.other.send")
	if tbl.HasPerm(h, otherID) {
		t.Fatalf("unrelated permission must not match")
	}
}

func TestDuplicateCarriesCachedPermIDs(t *testing.T) {
	src := NewTable()
	dst := NewTable()
	obj := &fakeObject{}
	h, _ := src.AllocWithPerms(typeEndpoint, obj, Read|Grant, "console",
		[]string{"xnix.ipc.endpoint.console.recv"})

	dh, err := src.Duplicate(h, dst, Read, "console")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recvID := RegisterPerm("xnix.ipc.endpoint.console.recv")
	if !dst.HasPerm(dh, recvID) {
		t.Fatalf("expected cached perm ids to survive duplication")
	}
}

func TestCloseDuplicateRoundTripLeavesRefcountUnchanged(t *testing.T) {
	src := NewTable()
	dst := NewTable()
	obj := &fakeObject{}
	h, _ := src.Alloc(typeEndpoint, obj, Grant, "ep0")

	dh, _ := src.Duplicate(h, dst, 0, "ep0")
	if obj.refs != 2 {
		t.Fatalf("expected refcount 2 after duplicate, got %d", obj.refs)
	}
	dst.Free(dh)
	if obj.refs != 1 {
		t.Fatalf("expected refcount back to 1 after close, got %d", obj.refs)
	}
}
