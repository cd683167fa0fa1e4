// Package pagealloc implements the kernel's physical page frame allocator:
// a bitmap tracking one bit per 4 KiB frame, first-fit allocation, and
// contiguous-run allocation for page-table pages.
package pagealloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
)

// FrameSize is the page frame size this allocator tracks, matching the x86
// 4 KiB paging granularity the rest of the kernel assumes.
const FrameSize = 4096

// PhysFrame is a 4 KiB-aligned physical frame number (not a byte address).
// It cannot be dereferenced directly; nothing in this package hands back a
// raw pointer, only the index other subsystems use to address a frame.
type PhysFrame uint32

var (
	ErrOutOfMemory     = errors.New("pagealloc: out of memory")
	ErrInvalidArgument = errors.New("pagealloc: invalid argument")
)

// Config configures an Allocator. The zero value is not usable; use
// NewAllocator, which applies defaults.
type Config struct {
	// TotalFrames is the number of 4 KiB frames the allocator tracks.
	TotalFrames uint32
	// Log receives double-free and out-of-range diagnostics. If nil, a
	// private ring is created so the allocator is always usable standalone.
	Log *kmsg.Ring
}

// Allocator hands out physical page frames to the kernel. A single mutex
// stands in for the spinlock-with-interrupts-disabled discipline the real
// allocator requires, since callers here are goroutines, not interrupt
// handlers sharing a core.
type Allocator struct {
	mu      sync.Mutex
	bitmap  []uint64
	total   uint32
	freeCnt uint32
	log     *kmsg.Ring
}

// NewAllocator constructs an Allocator for cfg.TotalFrames frames, all
// initially free.
func NewAllocator(cfg Config) *Allocator {
	if cfg.TotalFrames == 0 {
		cfg.TotalFrames = 1 << 16 // 256 MiB of frames by default
	}
	if cfg.Log == nil {
		cfg.Log = kmsg.New(256)
	}
	words := (cfg.TotalFrames + 63) / 64
	return &Allocator{
		bitmap:  make([]uint64, words),
		total:   cfg.TotalFrames,
		freeCnt: cfg.TotalFrames,
		log:     cfg.Log,
	}
}

// Alloc returns the first free frame, setting its bit. First-fit, so
// O(total frames) worst case.
func (a *Allocator) Alloc() (PhysFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.bitmap {
		if a.bitmap[i] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			idx := uint32(i*64 + bit)
			if idx >= a.total {
				break
			}
			if a.bitmap[i]&(1<<uint(bit)) == 0 {
				a.bitmap[i] |= 1 << uint(bit)
				a.freeCnt--
				return PhysFrame(idx), nil
			}
		}
	}
	return 0, ErrOutOfMemory
}

// AllocContiguous scans for n consecutive free frames, sets them all, and
// returns the base frame. n must be positive.
func (a *Allocator) AllocContiguous(n uint32) (PhysFrame, error) {
	if n == 0 {
		return 0, ErrInvalidArgument
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := uint32(0)
	start := uint32(0)
	for idx := uint32(0); idx < a.total; idx++ {
		if a.bit(idx) {
			run = 0
			continue
		}
		if run == 0 {
			start = idx
		}
		run++
		if run == n {
			for i := start; i < start+n; i++ {
				a.setBit(i)
			}
			a.freeCnt -= n
			return PhysFrame(start), nil
		}
	}
	return 0, ErrOutOfMemory
}

// Free clears frame f's bit. Double-free and out-of-range frees are logged
// and reported as an error rather than corrupting the bitmap or panicking,
// per the allocator's "errors, not UB" contract.
func (a *Allocator) Free(f PhysFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := uint32(f)
	if idx >= a.total {
		a.log.Write(kmsg.LevelError, "pagealloc", "free of out-of-range frame %d (total %d)", idx, a.total)
		return fmt.Errorf("%w: frame %d out of range", ErrInvalidArgument, idx)
	}
	if !a.bit(idx) {
		a.log.Write(kmsg.LevelError, "pagealloc", "double-free of frame %d", idx)
		return fmt.Errorf("%w: frame %d already free", ErrInvalidArgument, idx)
	}
	a.clearBit(idx)
	a.freeCnt++
	return nil
}

// FreeCount returns the number of currently unallocated frames.
func (a *Allocator) FreeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCnt
}

// TotalCount returns the total number of frames this allocator tracks.
func (a *Allocator) TotalCount() uint32 {
	return a.total
}

func (a *Allocator) bit(idx uint32) bool {
	return a.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (a *Allocator) setBit(idx uint32) {
	a.bitmap[idx/64] |= 1 << (idx % 64)
}

func (a *Allocator) clearBit(idx uint32) {
	a.bitmap[idx/64] &^= 1 << (idx % 64)
}
