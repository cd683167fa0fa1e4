// Package vmm implements the kernel's virtual memory manager: per-process
// two-level x86 page tables, a shared kernel half, temp-window edits of
// foreign address spaces, and page-fault decoding.
//
// There is no real MMU underneath this simulator, so "physical memory" is a
// map of frame contents and a page table is a Go map keyed by the 10-bit
// page-directory/page-table indices the x86 architecture defines. The
// locking discipline (one lock guarding any foreign-AS edit, never yielding
// while it is held) is preserved exactly because that discipline, not the
// recursive-mapping trick itself, is what the rest of the kernel depends on.
package vmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/pagealloc"
)

const (
	// PDEKernelLow is the identity-mapped low kernel text PDE.
	PDEKernelLow = 0
	// PDEKernelHighStart/End bound the shared high kernel half.
	PDEKernelHighStart = 768
	PDEKernelHighEnd   = 1021
	// PDETempWindow is the slot common to every AS reserved for foreign-AS
	// edits; it is never addressable by Map/Unmap.
	PDETempWindow = 1022
	// PDESelf is the recursive self-mapping slot; also never addressable by
	// Map/Unmap directly.
	PDESelf = 1023

	entriesPerTable = 1024
	pdShift         = 22
	ptShift         = 12
	indexMask       = 0x3FF
)

var (
	ErrOutOfMemory  = errors.New("vmm: out of memory")
	ErrReservedSlot = errors.New("vmm: vaddr falls in a reserved page-directory slot")
	ErrNotMapped    = errors.New("vmm: address not mapped")
)

// Prot describes the permission bits requested for a mapping.
type Prot struct {
	User  bool
	Write bool
	Exec  bool
}

type pte struct {
	frame   pagealloc.PhysFrame
	present bool
	prot    Prot
}

// AddressSpace is a process's (or the kernel's) page directory. PDEs are
// lazily populated; a false entry in pd means "not present".
type AddressSpace struct {
	id      uint32
	kernel  bool
	pd      [entriesPerTable]bool                // whether PDE i is present
	pdFrame [entriesPerTable]pagealloc.PhysFrame // PT frame backing PDE i, if present
	pt      map[uint32]*[entriesPerTable]pte     // PDE index -> page table contents
	shared  map[uint32]bool                      // PDEs inherited from the kernel AS, not owned
}

// ID returns the address space's identifier, used for diagnostics and the
// debug dashboard.
func (as *AddressSpace) ID() uint32 { return as.id }

// FaultReason decodes the x86 page-fault error code.
type FaultReason int

const (
	ReasonNotPresent FaultReason = iota
	ReasonWriteViolation
	ReasonUserAccessViolation
	ReasonReservedBit
	ReasonInstructionFetch
	ReasonProtectionViolation
)

func (r FaultReason) String() string {
	switch r {
	case ReasonNotPresent:
		return "not-present"
	case ReasonWriteViolation:
		return "write-violation"
	case ReasonUserAccessViolation:
		return "user-access-violation"
	case ReasonReservedBit:
		return "reserved-bit"
	case ReasonInstructionFetch:
		return "instruction-fetch"
	case ReasonProtectionViolation:
		return "protection-violation"
	default:
		return "unknown"
	}
}

// Manager owns the physical-frame allocator, the one shared kernel address
// space, and the temp-window lock every foreign-AS edit must hold.
type Manager struct {
	alloc *pagealloc.Allocator
	log   *kmsg.Ring

	tempMu sync.Mutex // models the temp-window spinlock; never held across a blocking call

	mu      sync.Mutex
	nextID  uint32
	kernel  *AddressSpace
	mem     map[pagealloc.PhysFrame][]byte
}

// Config configures a Manager.
type Config struct {
	Allocator *pagealloc.Allocator
	Log       *kmsg.Ring
}

// NewManager constructs the kernel's single shared AddressSpace and a
// Manager to operate on it and on processes' address spaces.
func NewManager(cfg Config) *Manager {
	if cfg.Allocator == nil {
		cfg.Allocator = pagealloc.NewAllocator(pagealloc.Config{})
	}
	if cfg.Log == nil {
		cfg.Log = kmsg.New(256)
	}
	m := &Manager{
		alloc: cfg.Allocator,
		log:   cfg.Log,
		mem:   map[pagealloc.PhysFrame][]byte{},
	}
	m.kernel = &AddressSpace{id: 0, kernel: true, pt: map[uint32]*[entriesPerTable]pte{}}
	m.kernel.pd[PDEKernelLow] = true
	m.kernel.pt[PDEKernelLow] = &[entriesPerTable]pte{}
	for i := PDEKernelHighStart; i <= PDEKernelHighEnd; i++ {
		m.kernel.pd[i] = true
		m.kernel.pt[uint32(i)] = &[entriesPerTable]pte{}
	}
	m.kernel.pd[PDETempWindow] = true
	m.kernel.pt[PDETempWindow] = &[entriesPerTable]pte{}
	return m
}

// Kernel returns the kernel's shared address space.
func (m *Manager) Kernel() *AddressSpace { return m.kernel }

// Create returns a new AddressSpace with the kernel's PDEs (low identity
// map, high half, temp-window slot) shared in, and a fresh recursive slot
// implied by AddressSpace itself being directly addressable Go state.
func (m *Manager) Create() (*AddressSpace, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	as := &AddressSpace{
		id:     id,
		pt:     map[uint32]*[entriesPerTable]pte{},
		shared: map[uint32]bool{},
	}
	for i, present := range m.kernel.pd {
		if !present {
			continue
		}
		as.pd[i] = true
		as.pt[uint32(i)] = m.kernel.pt[uint32(i)]
		as.shared[uint32(i)] = true
	}
	return as, nil
}

// Destroy frees every user-owned PT frame and the address space's own
// bookkeeping. Kernel-shared PTs (identity map, high half, temp window) are
// never freed here since other address spaces still reference them.
func (m *Manager) Destroy(as *AddressSpace) {
	if as.kernel {
		panic("vmm: attempted to destroy the kernel address space")
	}
	for i := 0; i < entriesPerTable; i++ {
		if !as.pd[i] || as.shared[uint32(i)] {
			continue
		}
		_ = m.alloc.Free(as.pdFrame[i])
	}
	as.pt = nil
}

func splitVaddr(vaddr uint32) (pdIndex, ptIndex uint32) {
	return (vaddr >> pdShift) & indexMask, (vaddr >> ptShift) & indexMask
}

// Map installs paddr at vaddr in as with the given protection, allocating an
// intermediate page table if one is not yet present for that PDE. Editing a
// non-kernel AS takes the manager's temp-window lock for the duration of the
// edit — modeling the foreign-AS invariant that no code may voluntarily
// yield while that lock is held, since nothing here ever blocks.
func (m *Manager) Map(as *AddressSpace, vaddr uint32, paddr pagealloc.PhysFrame, prot Prot) error {
	pdIndex, ptIndex := splitVaddr(vaddr)
	if pdIndex == PDETempWindow || pdIndex == PDESelf {
		return ErrReservedSlot
	}

	m.tempMu.Lock()
	defer m.tempMu.Unlock()

	if as.shared[pdIndex] {
		return fmt.Errorf("vmm: cannot remap shared kernel PDE %d", pdIndex)
	}

	if !as.pd[pdIndex] {
		frame, err := m.alloc.Alloc()
		if err != nil {
			return ErrOutOfMemory
		}
		as.pd[pdIndex] = true
		as.pdFrame[pdIndex] = frame
		table := &[entriesPerTable]pte{}
		as.pt[pdIndex] = table
	}

	as.pt[pdIndex][ptIndex] = pte{frame: paddr, present: true, prot: prot}
	return nil
}

// MapNewPage allocates a fresh frame and maps it at vaddr with prot,
// freeing the frame back to the allocator if the map itself fails. Callers
// that need to write into the page should follow up with Kmap(frame).
func (m *Manager) MapNewPage(as *AddressSpace, vaddr uint32, prot Prot) (pagealloc.PhysFrame, error) {
	frame, err := m.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	if err := m.Map(as, vaddr, frame, prot); err != nil {
		_ = m.alloc.Free(frame)
		return 0, err
	}
	return frame, nil
}

// Unmap zeroes the PTE at vaddr without freeing the PT frame, even if the PT
// becomes entirely empty.
func (m *Manager) Unmap(as *AddressSpace, vaddr uint32) {
	pdIndex, ptIndex := splitVaddr(vaddr)

	m.tempMu.Lock()
	defer m.tempMu.Unlock()

	if !as.pd[pdIndex] {
		return
	}
	as.pt[pdIndex][ptIndex] = pte{}
}

// Query returns the physical frame mapped at vaddr, or ok=false if the
// address is unmapped.
func (m *Manager) Query(as *AddressSpace, vaddr uint32) (pagealloc.PhysFrame, bool) {
	pdIndex, ptIndex := splitVaddr(vaddr)

	m.tempMu.Lock()
	defer m.tempMu.Unlock()

	if !as.pd[pdIndex] {
		return 0, false
	}
	e := as.pt[pdIndex][ptIndex]
	if !e.present {
		return 0, false
	}
	return e.frame, true
}

// Kmap returns a scoped, writable view of the bytes backing frame f,
// allocating zeroed backing storage on first touch. Callers must invoke the
// returned release function when done; it exists purely so call sites read
// like the real kmap/kunmap pair even though nothing here actually unmaps.
func (m *Manager) Kmap(f pagealloc.PhysFrame) (buf []byte, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.mem[f]
	if !ok {
		b = make([]byte, pagealloc.FrameSize)
		m.mem[f] = b
	}
	return b, func() {}
}

// HandleFault decodes a simulated page fault. A user-mode fault returns the
// decoded reason so the caller (process lifecycle) can terminate the
// faulting process with SIGSEGV; a kernel-mode fault is an unrecoverable
// invariant violation and panics with a full decode.
func (m *Manager) HandleFault(as *AddressSpace, vaddr uint32, reason FaultReason, userMode bool) error {
	pdIndex, ptIndex := splitVaddr(vaddr)
	if !userMode {
		panic(fmt.Sprintf("vmm: kernel-mode page fault at %#x (pd=%d pt=%d reason=%s)", vaddr, pdIndex, ptIndex, reason))
	}
	m.log.Write(kmsg.LevelWarn, "vmm", "user fault at %#x in as %d: %s", vaddr, as.id, reason)
	return fmt.Errorf("%w: %s at %#x", ErrNotMapped, reason, vaddr)
}
