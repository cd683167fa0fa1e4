package vmm

import (
	"errors"
	"testing"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/pagealloc"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{Allocator: pagealloc.NewAllocator(pagealloc.Config{TotalFrames: 256})})
}

func TestCreateSharesKernelPDEs(t *testing.T) {
	m := newTestManager(t)
	as, err := m.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !as.pd[PDEKernelLow] {
		t.Fatalf("expected kernel low PDE to be shared in")
	}
	if !as.pd[PDETempWindow] {
		t.Fatalf("expected temp-window PDE to be shared in")
	}
	if !as.shared[PDEKernelLow] {
		t.Fatalf("expected kernel low PDE to be marked shared")
	}
}

func TestMapThenQueryRoundTrips(t *testing.T) {
	m := newTestManager(t)
	as, _ := m.Create()
	frame, _ := m.alloc.Alloc()

	vaddr := uint32(0x08048000)
	if err := m.Map(as, vaddr, frame, Prot{User: true, Write: true}); err != nil {
		t.Fatalf("unexpected map error: %v", err)
	}
	got, ok := m.Query(as, vaddr)
	if !ok {
		t.Fatalf("expected vaddr to be mapped")
	}
	if got != frame {
		t.Fatalf("expected frame %d, got %d", frame, got)
	}
}

func TestUnmapClearsButDoesNotFreePT(t *testing.T) {
	m := newTestManager(t)
	as, _ := m.Create()
	frame, _ := m.alloc.Alloc()
	vaddr := uint32(0x08048000)
	_ = m.Map(as, vaddr, frame, Prot{User: true})

	m.Unmap(as, vaddr)
	if _, ok := m.Query(as, vaddr); ok {
		t.Fatalf("expected vaddr to be unmapped")
	}
	pdIndex, _ := splitVaddr(vaddr)
	if !as.pd[pdIndex] {
		t.Fatalf("expected PT to remain present after unmap")
	}
}

func TestMapRejectsReservedSlots(t *testing.T) {
	m := newTestManager(t)
	as, _ := m.Create()
	reservedVaddr := uint32(PDESelf) << pdShift
	if err := m.Map(as, reservedVaddr, 0, Prot{}); !errors.Is(err, ErrReservedSlot) {
		t.Fatalf("expected ErrReservedSlot, got %v", err)
	}
}

func TestDestroyFreesOnlyUserOwnedPTs(t *testing.T) {
	m := newTestManager(t)
	as, _ := m.Create()
	before := m.alloc.FreeCount()
	frame, _ := m.alloc.Alloc()
	_ = m.Map(as, 0x08048000, frame, Prot{User: true})
	afterMap := m.alloc.FreeCount()
	if afterMap != before-2 { // one frame for the mapped page, one for the new PT
		t.Fatalf("expected two frames consumed by map, free count went from %d to %d", before, afterMap)
	}

	m.Destroy(as)
	afterDestroy := m.alloc.FreeCount()
	if afterDestroy != before-1 {
		t.Fatalf("expected destroy to free the PT frame but not the mapped page, got free count %d (started at %d)", afterDestroy, before)
	}
}

func TestHandleFaultUserModeReturnsError(t *testing.T) {
	m := newTestManager(t)
	as, _ := m.Create()
	err := m.HandleFault(as, 0xdeadb000, ReasonNotPresent, true)
	if !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped, got %v", err)
	}
}

func TestHandleFaultKernelModePanics(t *testing.T) {
	m := newTestManager(t)
	as := m.Kernel()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected kernel-mode fault to panic")
		}
	}()
	_ = m.HandleFault(as, 0, ReasonProtectionViolation, false)
}

func TestKmapZeroesOnFirstTouch(t *testing.T) {
	m := newTestManager(t)
	buf, release := m.Kmap(5)
	defer release()
	if len(buf) != pagealloc.FrameSize {
		t.Fatalf("expected buffer of frame size, got %d", len(buf))
	}
	buf[0] = 0xAB
	buf2, _ := m.Kmap(5)
	if buf2[0] != 0xAB {
		t.Fatalf("expected kmap to return the same backing storage on repeat calls")
	}
}
