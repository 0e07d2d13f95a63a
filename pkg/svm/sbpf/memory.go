package sbpf

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/strand/pkg/svm/memory"
)

// Frame represents a call stack frame.
type Frame struct {
	FramePtr uint64    // R10 of the caller
	NVRegs   [4]uint64 // Callee-saved registers (R6-R9)
	RetAddr  int64     // Return program counter
}

// Stack tracks call frames of one context. Frame memory itself lives in
// shared memory: frame i occupies [base+i*FrameSize, base+(i+1)*FrameSize)
// and R10 points at the end of the current frame.
type Stack struct {
	base   uint64 // virtual address of the stack top
	size   uint64
	frames []Frame
}

// NewStack creates a stack over the block [base, base+size).
func NewStack(base, size uint64) *Stack {
	return &Stack{
		base:   base,
		size:   size,
		frames: make([]Frame, 0, 8),
	}
}

// Reset drops all frames and returns the initial frame pointer.
func (s *Stack) Reset() uint64 {
	s.frames = s.frames[:0]
	return s.base + FrameSize
}

// Top returns the virtual address the stack grows from.
func (s *Stack) Top() uint64 {
	return s.base
}

// Push saves the caller's frame and advances R10 into a new frame.
func (s *Stack) Push(regs []uint64, retAddr int64) error {
	depth := uint64(len(s.frames)) + 1
	if depth > MaxCallDepth || (depth+1)*FrameSize > s.size {
		return ErrCallDepthExceeded
	}

	frame := Frame{FramePtr: regs[10], RetAddr: retAddr}
	copy(frame.NVRegs[:], regs[6:10])
	s.frames = append(s.frames, frame)

	regs[10] += FrameSize
	return nil
}

// Pop restores the caller's frame.
func (s *Stack) Pop(regs []uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}

	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	copy(regs[6:10], frame.NVRegs[:])
	regs[10] = frame.FramePtr
	return frame.RetAddr, true
}

// Depth returns the current call depth.
func (s *Stack) Depth() int {
	return len(s.frames)
}

// Translate converts a virtual address to a memory slice.
func (ip *Interpreter) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}

	var region []byte
	switch hi {
	case VaddrMemory >> 32:
		b, err := ip.mem.Slice(lo, size)
		if err != nil {
			return nil, fmt.Errorf("%w: 0x%x: %v", ErrInvalidMemoryAccess, addr, err)
		}
		return b, nil
	case VaddrProgram >> 32:
		region = ip.program.RO
	case VaddrInput >> 32:
		region = ip.input
	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}

	if write {
		return nil, fmt.Errorf("%w: write to read-only region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
	if lo+size > uint64(len(region)) {
		return nil, fmt.Errorf("%w: read beyond region at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, len(region))
	}
	return region[lo : lo+size], nil
}

// MemoryOffset converts an address in the shared memory region to an offset.
func (ip *Interpreter) MemoryOffset(addr uint64) (uint64, error) {
	if addr>>32 != VaddrMemory>>32 {
		return 0, fmt.Errorf("%w: 0x%x is not in shared memory", ErrInvalidMemoryAccess, addr)
	}
	return addr & 0xFFFFFFFF, nil
}

// MemoryAddr returns the virtual address of a linear-memory offset.
func MemoryAddr(off uint64) uint64 {
	return VaddrMemory + off
}

func (ip *Interpreter) load(size uint8, addr uint64) (uint64, error) {
	switch size {
	case SizeB:
		v, err := ip.Read8(addr)
		return uint64(v), err
	case SizeH:
		v, err := ip.Read16(addr)
		return uint64(v), err
	case SizeW:
		v, err := ip.Read32(addr)
		return uint64(v), err
	default:
		return ip.Read64(addr)
	}
}

func (ip *Interpreter) store(size uint8, addr, v uint64) error {
	switch size {
	case SizeB:
		return ip.Write8(addr, uint8(v))
	case SizeH:
		return ip.Write16(addr, uint16(v))
	case SizeW:
		return ip.Write32(addr, uint32(v))
	default:
		return ip.Write64(addr, v)
	}
}

// atomic executes an atomic store-class instruction against shared memory.
func (ip *Interpreter) atomic(r *[11]uint64, wide bool, addr uint64, src uint8, code uint32) error {
	off, err := ip.MemoryOffset(addr)
	if err != nil {
		return err
	}

	if code == AtomicCmpXchg {
		var prev uint64
		if wide {
			prev, err = ip.mem.CompareAndSwap64(off, r[0], r[src])
		} else {
			var p32 uint32
			p32, err = ip.mem.CompareAndSwap32(off, uint32(r[0]), uint32(r[src]))
			prev = uint64(p32)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMemoryAccess, err)
		}
		r[0] = prev
		return nil
	}

	var op memory.RMWOp
	fetch := code&AtomicFetch != 0
	switch code &^ AtomicFetch {
	case AtomicAdd:
		op = memory.RMWAdd
	case AtomicOr:
		op = memory.RMWOr
	case AtomicAnd:
		op = memory.RMWAnd
	case AtomicXor:
		op = memory.RMWXor
	case AtomicXchg &^ AtomicFetch:
		op = memory.RMWXchg
	default:
		return fmt.Errorf("%w: atomic op 0x%02x", ErrInvalidInstruction, code)
	}

	var old uint64
	if wide {
		old, err = ip.mem.RMW64(off, op, r[src])
	} else {
		var o32 uint32
		o32, err = ip.mem.RMW32(off, op, uint32(r[src]))
		old = uint64(o32)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMemoryAccess, err)
	}
	if fetch {
		r[src] = old
	}
	return nil
}

// Read reads bytes from virtual memory.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (ip *Interpreter) Read8(addr uint64) (uint8, error) {
	mem, err := ip.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a little-endian 16-bit value.
func (ip *Interpreter) Read16(addr uint64) (uint16, error) {
	mem, err := ip.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a little-endian 32-bit value.
func (ip *Interpreter) Read32(addr uint64) (uint32, error) {
	mem, err := ip.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a little-endian 64-bit value.
func (ip *Interpreter) Read64(addr uint64) (uint64, error) {
	mem, err := ip.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (ip *Interpreter) Write8(addr uint64, x uint8) error {
	mem, err := ip.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a little-endian 16-bit value.
func (ip *Interpreter) Write16(addr uint64, x uint16) error {
	mem, err := ip.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a little-endian 32-bit value.
func (ip *Interpreter) Write32(addr uint64, x uint32) error {
	mem, err := ip.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a little-endian 64-bit value.
func (ip *Interpreter) Write64(addr uint64, x uint64) error {
	mem, err := ip.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
