// Package layout assigns regions of shared linear memory.
//
// Memory is carved up as follows:
//
//	0               globals: once-guard, heap pointer, thread status table
//	DataBase        data segment (.data then .bss)
//	ThreadAreaBase  thread blocks, one stride each when allocated automatically
//	HeapBase        shared heap, bump-allocated upward
//
// A thread block is its stack [stack_top, stack_top+StackSize) followed by its
// TLS block [tls_base, tls_base+TLSSize) where tls_base = stack_top+StackSize.
// Live blocks never overlap each other, the static region or the heap.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/fortiblox/strand/pkg/svm/memory"
)

// Offsets of the globals header.
const (
	// GuardOffset holds the memory initializer's once-guard word (u32).
	GuardOffset = 0

	// HeapPtrOffset holds the shared heap bump pointer (u64). Zero until the
	// first context runs its heap hook.
	HeapPtrOffset = 8

	// StatusOffset starts the per-thread status table, one u32 per id.
	StatusOffset = 64
)

// StackAlign is the required alignment of stack tops and TLS bases.
const StackAlign = 16

// Layout errors. Both are classified as invalid arguments: the caller asked
// for a region the memory layout cannot give it.
var (
	ErrLayout      = fmt.Errorf("layout violation: %w", errdefs.ErrInvalidArgument)
	ErrInvalidSize = fmt.Errorf("invalid layout size: %w", errdefs.ErrInvalidArgument)

	// ErrNoThreadSlot is returned by Allocate when every id or block is taken.
	ErrNoThreadSlot = fmt.Errorf("no free thread slot: %w", errdefs.ErrResourceExhausted)
)

// Config describes the fixed-size pieces of the layout.
type Config struct {
	// MaxThreads bounds thread ids to [0, MaxThreads).
	MaxThreads uint32

	// StackSize is the size of each thread's stack region.
	StackSize uint64

	// TLSSize is the size of each thread's TLS region (rounded up to
	// StackAlign).
	TLSSize uint64

	// DataSize is the size of the data segment including bss.
	DataSize uint64
}

// Layout is the resolved set of region boundaries for one program image.
type Layout struct {
	MaxThreads     uint32
	StackSize      uint64
	TLSSize        uint64
	Stride         uint64
	DataBase       uint64
	DataSize       uint64
	StaticEnd      uint64
	ThreadAreaBase uint64
	HeapBase       uint64
}

// New resolves cfg into region boundaries.
func New(cfg Config) (*Layout, error) {
	if cfg.MaxThreads == 0 {
		return nil, fmt.Errorf("%w: max threads must be positive", ErrInvalidSize)
	}
	if cfg.StackSize == 0 || cfg.StackSize%StackAlign != 0 {
		return nil, fmt.Errorf("%w: stack size %d must be a positive multiple of %d", ErrInvalidSize, cfg.StackSize, StackAlign)
	}

	l := &Layout{
		MaxThreads: cfg.MaxThreads,
		StackSize:  cfg.StackSize,
		TLSSize:    alignUp(cfg.TLSSize, StackAlign),
		DataSize:   cfg.DataSize,
	}
	l.Stride = l.StackSize + l.TLSSize
	l.DataBase = DataBase(cfg.MaxThreads)
	l.StaticEnd = l.DataBase + l.DataSize
	l.ThreadAreaBase = alignUp(l.StaticEnd, StackAlign)
	l.HeapBase = alignUp(l.ThreadAreaBase+uint64(cfg.MaxThreads)*l.Stride, memory.PageSize)
	return l, nil
}

// DataBase returns the offset of the data segment for a layout sized for
// maxThreads threads. The loader resolves data relocations against it.
func DataBase(maxThreads uint32) uint64 {
	return alignUp(StatusOffset+4*uint64(maxThreads), 64)
}

// StatusAddr returns the offset of the status word for thread id.
func (l *Layout) StatusAddr(id uint32) uint64 {
	return StatusOffset + 4*uint64(id)
}

// MinPages returns the pages needed to hold every automatically allocated
// thread block and the start of the heap.
func (l *Layout) MinPages() uint32 {
	return uint32(l.HeapBase / memory.PageSize)
}

// Descriptor identifies one thread context and its private regions.
type Descriptor struct {
	ThreadID uint32
	StackTop uint64
	TLSBase  uint64
}

// end returns the first byte past the thread block described by d.
func (l *Layout) end(d Descriptor) uint64 {
	return d.TLSBase + l.TLSSize
}

// Manager tracks live thread blocks. It is safe for concurrent use.
type Manager struct {
	layout *Layout

	mu   sync.Mutex
	live map[uint32]Descriptor
}

// NewManager creates a manager with no live threads.
func NewManager(l *Layout) *Manager {
	return &Manager{
		layout: l,
		live:   make(map[uint32]Descriptor),
	}
}

// Layout returns the resolved layout.
func (m *Manager) Layout() *Layout {
	return m.layout
}

// Reserve claims the block starting at stackTop for thread id. memSize is
// the current size of shared memory; the whole block must already fit.
func (m *Manager) Reserve(id uint32, stackTop, memSize uint64) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.layout
	if id >= l.MaxThreads {
		return Descriptor{}, fmt.Errorf("%w: thread id %d out of range [0, %d)", ErrLayout, id, l.MaxThreads)
	}
	if _, ok := m.live[id]; ok {
		return Descriptor{}, fmt.Errorf("%w: thread id %d already live", ErrLayout, id)
	}
	if stackTop%StackAlign != 0 {
		return Descriptor{}, fmt.Errorf("%w: stack top 0x%x not %d-byte aligned", ErrLayout, stackTop, StackAlign)
	}

	d := Descriptor{ThreadID: id, StackTop: stackTop, TLSBase: stackTop + l.StackSize}
	end := l.end(d)
	if end < stackTop {
		return Descriptor{}, fmt.Errorf("%w: stack top 0x%x overflows", ErrLayout, stackTop)
	}
	if stackTop < l.ThreadAreaBase || end > l.HeapBase {
		return Descriptor{}, fmt.Errorf("%w: block [0x%x, 0x%x) outside thread area [0x%x, 0x%x)",
			ErrLayout, stackTop, end, l.ThreadAreaBase, l.HeapBase)
	}
	if end > memSize {
		return Descriptor{}, fmt.Errorf("%w: block [0x%x, 0x%x) exceeds memory size 0x%x", ErrLayout, stackTop, end, memSize)
	}
	if other, ok := m.overlapping(stackTop, end); ok {
		return Descriptor{}, fmt.Errorf("%w: block [0x%x, 0x%x) overlaps thread %d at 0x%x",
			ErrLayout, stackTop, end, other.ThreadID, other.StackTop)
	}

	m.live[id] = d
	return d, nil
}

// Allocate claims the lowest free thread id and the lowest free
// stride-aligned block that fits within memSize.
func (m *Manager) Allocate(memSize uint64) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.layout
	id, ok := m.freeID()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: all %d thread ids live", ErrNoThreadSlot, l.MaxThreads)
	}

	for slot := uint64(0); slot < uint64(l.MaxThreads); slot++ {
		top := l.ThreadAreaBase + slot*l.Stride
		end := top + l.Stride
		if end > memSize {
			break
		}
		if _, taken := m.overlapping(top, end); taken {
			continue
		}
		d := Descriptor{ThreadID: id, StackTop: top, TLSBase: top + l.StackSize}
		m.live[id] = d
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("%w: no free block within memory size 0x%x", ErrNoThreadSlot, memSize)
}

// Release returns the block of thread id to the free pool.
func (m *Manager) Release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
}

// Live returns the live descriptors ordered by stack top.
func (m *Manager) Live() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Descriptor, 0, len(m.live))
	for _, d := range m.live {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StackTop < out[j].StackTop })
	return out
}

func (m *Manager) freeID() (uint32, bool) {
	for id := uint32(0); id < m.layout.MaxThreads; id++ {
		if _, ok := m.live[id]; !ok {
			return id, true
		}
	}
	return 0, false
}

func (m *Manager) overlapping(start, end uint64) (Descriptor, bool) {
	for _, d := range m.live {
		if start < m.layout.end(d) && d.StackTop < end {
			return d, true
		}
	}
	return Descriptor{}, false
}

// IsLayoutError reports whether err came from a layout violation.
func IsLayoutError(err error) bool {
	return errors.Is(err, ErrLayout)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
