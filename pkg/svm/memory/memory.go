// Package memory implements the linear memory shared by every thread
// context of a program image.
//
// A Shared region is addressed by offsets starting at zero. Its capacity is
// reserved when the region is created, so growing it never moves the backing
// buffer: stack tops, TLS bases and heap pointers handed out to one context
// stay valid for every other context for the life of the process.
//
// Plain reads and writes are not synchronized. Contexts coordinate through the
// atomic word operations and the Wait/Notify primitive in futex.go.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// PageSize is the unit of growth for linear memory.
const PageSize = 64 * 1024

// MaxPages bounds a region to the 32-bit offsets the interpreter can map.
const MaxPages = 1 << 16

// Memory errors.
var (
	ErrOutOfBounds = errors.New("memory access out of bounds")
	ErrUnaligned   = errors.New("unaligned atomic access")
	ErrGrow        = errors.New("memory cannot grow")
	ErrInvalidSize = errors.New("invalid memory size")
)

// RMWOp selects the operation of an atomic read-modify-write.
type RMWOp uint8

// Read-modify-write operations.
const (
	RMWAdd RMWOp = iota
	RMWOr
	RMWAnd
	RMWXor
	RMWXchg
)

// Shared is a growable linear memory that never relocates.
type Shared struct {
	buf      []byte // len(buf) == maxPages*PageSize
	pages    atomic.Uint32
	maxPages uint32

	// growMu serializes Grow; readers only look at pages.
	growMu sync.Mutex

	futex    futexTable
	observer Observer
}

// New reserves maxPages of linear memory and makes initialPages visible.
func New(initialPages, maxPages uint32) (*Shared, error) {
	if maxPages == 0 || maxPages > MaxPages {
		return nil, fmt.Errorf("%w: max pages %d", ErrInvalidSize, maxPages)
	}
	if initialPages > maxPages {
		return nil, fmt.Errorf("%w: initial pages %d exceed max %d", ErrInvalidSize, initialPages, maxPages)
	}

	m := &Shared{
		buf:      make([]byte, uint64(maxPages)*PageSize),
		maxPages: maxPages,
	}
	m.pages.Store(initialPages)
	return m, nil
}

// Pages returns the current number of visible pages.
func (m *Shared) Pages() uint32 {
	return m.pages.Load()
}

// MaxPages returns the reserved capacity in pages.
func (m *Shared) MaxPages() uint32 {
	return m.maxPages
}

// Size returns the current size in bytes.
func (m *Shared) Size() uint64 {
	return uint64(m.pages.Load()) * PageSize
}

// Grow extends memory by delta pages and returns the previous page count.
func (m *Shared) Grow(delta uint32) (uint32, error) {
	m.growMu.Lock()
	defer m.growMu.Unlock()

	old := m.pages.Load()
	if uint64(old)+uint64(delta) > uint64(m.maxPages) {
		return old, fmt.Errorf("%w: %d + %d pages exceeds max %d", ErrGrow, old, delta, m.maxPages)
	}
	m.pages.Store(old + delta)
	return old, nil
}

// EnsureSize grows memory until at least size bytes are visible.
func (m *Shared) EnsureSize(size uint64) error {
	for {
		cur := m.Size()
		if size <= cur {
			return nil
		}
		need := (size - cur + PageSize - 1) / PageSize
		if need > uint64(m.maxPages) {
			return fmt.Errorf("%w: %d bytes requested", ErrGrow, size)
		}
		if _, err := m.Grow(uint32(need)); err != nil {
			// Another caller may have grown it in the meantime.
			if m.Size() >= size {
				return nil
			}
			return err
		}
	}
}

// Slice returns the live bytes [off, off+n). The slice aliases shared memory.
func (m *Shared) Slice(off, n uint64) ([]byte, error) {
	size := m.Size()
	if off > size || n > size-off {
		return nil, fmt.Errorf("%w: [0x%x, +%d) size 0x%x", ErrOutOfBounds, off, n, size)
	}
	return m.buf[off : off+n : off+n], nil
}

// Read copies len(p) bytes at off into p.
func (m *Shared) Read(off uint64, p []byte) error {
	b, err := m.Slice(off, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// Write copies p into memory at off.
func (m *Shared) Write(off uint64, p []byte) error {
	b, err := m.Slice(off, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Zero clears [off, off+n).
func (m *Shared) Zero(off, n uint64) error {
	b, err := m.Slice(off, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// ReadUint64 reads a little-endian word without synchronization.
func (m *Shared) ReadUint64(off uint64) (uint64, error) {
	b, err := m.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a little-endian word without synchronization.
func (m *Shared) WriteUint64(off, v uint64) error {
	b, err := m.Slice(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (m *Shared) word32(off uint64) (*uint32, error) {
	if off%4 != 0 {
		return nil, fmt.Errorf("%w: 32-bit access at 0x%x", ErrUnaligned, off)
	}
	b, err := m.Slice(off, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

func (m *Shared) word64(off uint64) (*uint64, error) {
	if off%8 != 0 {
		return nil, fmt.Errorf("%w: 64-bit access at 0x%x", ErrUnaligned, off)
	}
	b, err := m.Slice(off, 8)
	if err != nil {
		return nil, err
	}
	return (*uint64)(unsafe.Pointer(&b[0])), nil
}

// Load32 atomically loads the 32-bit word at off.
func (m *Shared) Load32(off uint64) (uint32, error) {
	p, err := m.word32(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Load64 atomically loads the 64-bit word at off.
func (m *Shared) Load64(off uint64) (uint64, error) {
	p, err := m.word64(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(p), nil
}

// Store32 atomically stores v at off.
func (m *Shared) Store32(off uint64, v uint32) error {
	p, err := m.word32(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// Store64 atomically stores v at off.
func (m *Shared) Store64(off uint64, v uint64) error {
	p, err := m.word64(off)
	if err != nil {
		return err
	}
	atomic.StoreUint64(p, v)
	return nil
}

// Add32 atomically adds delta and returns the new value.
func (m *Shared) Add32(off uint64, delta uint32) (uint32, error) {
	p, err := m.word32(off)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(p, delta), nil
}

// Add64 atomically adds delta and returns the new value.
func (m *Shared) Add64(off uint64, delta uint64) (uint64, error) {
	p, err := m.word64(off)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint64(p, delta), nil
}

// CompareAndSwap32 stores new if the word equals old. It returns the value
// observed before the operation, so the swap happened iff prev == old.
func (m *Shared) CompareAndSwap32(off uint64, old, new uint32) (uint32, error) {
	p, err := m.word32(off)
	if err != nil {
		return 0, err
	}
	for {
		cur := atomic.LoadUint32(p)
		if cur != old {
			return cur, nil
		}
		if atomic.CompareAndSwapUint32(p, old, new) {
			return old, nil
		}
	}
}

// CompareAndSwap64 is the 64-bit form of CompareAndSwap32.
func (m *Shared) CompareAndSwap64(off uint64, old, new uint64) (uint64, error) {
	p, err := m.word64(off)
	if err != nil {
		return 0, err
	}
	for {
		cur := atomic.LoadUint64(p)
		if cur != old {
			return cur, nil
		}
		if atomic.CompareAndSwapUint64(p, old, new) {
			return old, nil
		}
	}
}

// RMW32 applies op with operand v and returns the previous value.
func (m *Shared) RMW32(off uint64, op RMWOp, v uint32) (uint32, error) {
	p, err := m.word32(off)
	if err != nil {
		return 0, err
	}
	switch op {
	case RMWAdd:
		return atomic.AddUint32(p, v) - v, nil
	case RMWXchg:
		return atomic.SwapUint32(p, v), nil
	}
	for {
		cur := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, cur, apply32(op, cur, v)) {
			return cur, nil
		}
	}
}

// RMW64 applies op with operand v and returns the previous value.
func (m *Shared) RMW64(off uint64, op RMWOp, v uint64) (uint64, error) {
	p, err := m.word64(off)
	if err != nil {
		return 0, err
	}
	switch op {
	case RMWAdd:
		return atomic.AddUint64(p, v) - v, nil
	case RMWXchg:
		return atomic.SwapUint64(p, v), nil
	}
	for {
		cur := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, cur, apply64(op, cur, v)) {
			return cur, nil
		}
	}
}

func apply32(op RMWOp, cur, v uint32) uint32 {
	switch op {
	case RMWOr:
		return cur | v
	case RMWAnd:
		return cur & v
	case RMWXor:
		return cur ^ v
	}
	return v
}

func apply64(op RMWOp, cur, v uint64) uint64 {
	switch op {
	case RMWOr:
		return cur | v
	case RMWAnd:
		return cur & v
	case RMWXor:
		return cur ^ v
	}
	return v
}
