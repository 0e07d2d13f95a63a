// Package sbpf implements the sBPF register virtual machine.
//
// sBPF has 11 64-bit registers (R0-R10), where R10 is the read-only frame
// pointer. The instruction set is eBPF, including the atomic store class.
//
// Each interpreter maps three regions:
//   - Program (0x100000000): read-only data of the program image
//   - Memory  (0x200000000): linear memory shared with every other context
//   - Input   (0x400000000): read-only per-context input
//
// Stack frames are not private Go memory: they live in the shared region at
// the context's stack block and grow upward from its stack top.
package sbpf

import (
	"errors"
	"fmt"

	"github.com/fortiblox/strand/pkg/svm/memory"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrMemory  = uint64(0x2_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)

// Stack constants.
const (
	FrameSize    = 4096
	MaxCallDepth = 64
	MaxArgs      = 5
)

// Errors.
var (
	ErrComputeExceeded     = errors.New("compute budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownSyscall      = errors.New("unknown syscall")
	ErrUnknownFunction     = errors.New("unknown function")
)

// sBPF instruction costs.
const (
	CostALU    = uint64(1)
	CostMul    = uint64(4)
	CostDiv    = uint64(12)
	CostLoad   = uint64(2)
	CostStore  = uint64(2)
	CostAtomic = uint64(4)
	CostLddw   = uint64(2)
	CostJump   = uint64(1)
	CostCall   = uint64(5)
	CostExit   = uint64(1)
)

// instructionCost returns the compute cost for an opcode.
func instructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		}
		return CostALU
	case ClassLd:
		return CostLddw
	case ClassLdx:
		return CostLoad
	case ClassSt:
		return CostStore
	case ClassStx:
		if op&0xE0 == ModeAtomic {
			return CostAtomic
		}
		return CostStore
	case ClassJmp, ClassJmp32:
		switch op & 0xF0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		}
		return CostJump
	}
	return CostALU
}

// VM is the view of an interpreter that syscalls operate on.
type VM interface {
	// Context returns the value supplied as InterpreterOpts.Context.
	Context() any

	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	// Memory returns the shared linear memory mapped at VaddrMemory.
	Memory() *memory.Shared

	// MemoryOffset converts a virtual address in the memory region to a
	// linear-memory offset.
	MemoryOffset(addr uint64) (uint64, error)

	ComputeMeter() *ComputeMeter
}

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{remaining: limit, limit: limit}
}

// Consume attempts to consume compute units.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		cm.remaining = 0
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Used returns the compute units consumed so far.
func (cm *ComputeMeter) Used() uint64 {
	return cm.limit - cm.remaining
}

// Syscall is a host function callable from sBPF programs. Arguments are
// passed in r1-r5 and the result is placed in r0.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry maps syscall hashes to implementations.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// Program is a loaded sBPF program. It is never modified after loading and
// may be shared by any number of interpreters.
type Program struct {
	Text      []uint64          // Instructions
	RO        []byte            // Read-only data
	Entry     uint64            // Entry point
	Functions map[uint32]uint64 // Function registry: hash -> PC
}

// Interpreter executes sBPF programs for a single thread context. It is not
// safe for concurrent use; other contexts use their own interpreter over the
// same Program and memory.
type Interpreter struct {
	program *Program
	mem     *memory.Shared
	input   []byte
	stack   *Stack

	maxCU    uint64
	meter    *ComputeMeter
	syscalls SyscallRegistry
	ctx      any
}

// InterpreterOpts configures the interpreter.
type InterpreterOpts struct {
	// Memory is mapped at VaddrMemory.
	Memory *memory.Shared

	// StackTop and StackSize locate the context's stack block in Memory.
	StackTop  uint64
	StackSize uint64

	// MaxCU is the compute budget of each Invoke.
	MaxCU uint64

	Syscalls SyscallRegistry
	Context  any
}

// NewInterpreter creates a new sBPF interpreter.
func NewInterpreter(program *Program, input []byte, opts InterpreterOpts) *Interpreter {
	syscalls := opts.Syscalls
	if syscalls == nil {
		syscalls = func(uint32) (Syscall, bool) { return nil, false }
	}
	return &Interpreter{
		program:  program,
		mem:      opts.Memory,
		input:    input,
		stack:    NewStack(VaddrMemory+opts.StackTop, opts.StackSize),
		maxCU:    opts.MaxCU,
		meter:    NewComputeMeter(opts.MaxCU),
		syscalls: syscalls,
		ctx:      opts.Context,
	}
}

// Run executes the program entry point with R1 pointing at the input.
func (ip *Interpreter) Run() (uint64, error) {
	return ip.Invoke(ip.program.Entry, VaddrInput)
}

// Lookup resolves a function hash to its program counter.
func (ip *Interpreter) Lookup(hash uint32) (uint64, bool) {
	pc, ok := ip.program.Functions[hash]
	return pc, ok
}

// Invoke runs the function at pc with args in R1-R5 until it returns, and
// yields R0. Each invocation starts with a fresh stack and compute budget.
func (ip *Interpreter) Invoke(pc uint64, args ...uint64) (r0 uint64, err error) {
	if len(args) > MaxArgs {
		return 0, fmt.Errorf("%w: %d arguments", ErrInvalidInstruction, len(args))
	}
	if ip.mem == nil {
		return 0, fmt.Errorf("%w: no linear memory", ErrInvalidMemoryAccess)
	}
	if ip.stack.size < FrameSize {
		return 0, fmt.Errorf("%w: stack of %d bytes holds no frame", ErrCallDepthExceeded, ip.stack.size)
	}

	var r [11]uint64
	copy(r[1:], args)
	r[10] = ip.stack.Reset()
	ip.meter = NewComputeMeter(ip.maxCU)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	return ip.execute(&r, int64(pc))
}

func (ip *Interpreter) execute(r *[11]uint64, pc int64) (uint64, error) {
	text := ip.program.Text

	for {
		if pc < 0 || pc >= int64(len(text)) {
			return 0, fmt.Errorf("program counter out of bounds: %d", pc)
		}

		ins := Instruction(text[pc])
		op, dst, src := ins.Op(), ins.Dst(), ins.Src()
		off, imm := int64(ins.Off()), ins.Imm()

		if err := ip.meter.Consume(instructionCost(op)); err != nil {
			return 0, err
		}
		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: invalid register index dst=%d src=%d", ErrInvalidInstruction, dst, src)
		}

		operand := uint64(int64(imm))
		if op&SrcX != 0 {
			operand = r[src]
		}

		switch op & 0x07 {
		case ClassAlu64, ClassAlu:
			if dst == 10 {
				return 0, fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
			}
			aluOp := op & 0xF0
			if op&SrcX == 0 && (aluOp == AluDiv || aluOp == AluMod) {
				operand = uint64(uint32(imm))
			}
			var v uint64
			var err error
			if op&0x07 == ClassAlu64 {
				v, err = alu64(aluOp, r[dst], operand)
			} else {
				var v32 uint32
				v32, err = alu32(aluOp, uint32(r[dst]), uint32(operand))
				v = uint64(v32)
			}
			if err != nil {
				return 0, fmt.Errorf("%w at pc %d (op 0x%02x)", err, pc, op)
			}
			r[dst] = v

		case ClassLd:
			if op != OpLddw {
				return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
			}
			if pc+1 >= int64(len(text)) {
				return 0, fmt.Errorf("%w: incomplete lddw at pc %d", ErrInvalidInstruction, pc)
			}
			if dst == 10 {
				return 0, fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
			}
			r[dst] = uint64(uint32(imm)) | uint64(Instruction(text[pc+1]).Imm())<<32
			pc++

		case ClassLdx:
			if op&0xE0 != ModeMem {
				return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
			}
			if dst == 10 {
				return 0, fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
			}
			v, err := ip.load(op&0x18, r[src]+uint64(off))
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassSt, ClassStx:
			addr := r[dst] + uint64(off)
			switch op & 0xE0 {
			case ModeMem:
				v := uint64(int64(imm))
				if op&0x07 == ClassStx {
					v = r[src]
				}
				if err := ip.store(op&0x18, addr, v); err != nil {
					return 0, err
				}
			case ModeAtomic:
				if op&0x07 != ClassStx {
					return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
				}
				if err := ip.atomic(r, op&0x18 == SizeDW, addr, src, uint32(imm)); err != nil {
					return 0, err
				}
			default:
				return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
			}

		case ClassJmp, ClassJmp32:
			switch op {
			case OpCall:
				next, err := ip.call(r, pc, src, imm)
				if err != nil {
					return 0, err
				}
				pc = next
				continue
			case OpExit:
				retAddr, ok := ip.stack.Pop(r[:])
				if !ok {
					return r[0], nil
				}
				pc = retAddr
				continue
			}
			taken, err := branch(op, r[dst], operand)
			if err != nil {
				return 0, err
			}
			if taken {
				pc += off
			}

		default:
			return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
		}

		pc++
	}
}

// call dispatches a call instruction and returns the next program counter.
func (ip *Interpreter) call(r *[11]uint64, pc int64, src uint8, imm int32) (int64, error) {
	hash := uint32(imm)
	if sc, ok := ip.syscalls(hash); ok {
		result, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
		if err != nil {
			return 0, err
		}
		r[0] = result
		return pc + 1, nil
	}

	var target int64
	if fn, ok := ip.program.Functions[hash]; ok {
		target = int64(fn)
	} else if src == 1 {
		// Relative call: imm is an instruction offset.
		target = pc + int64(imm) + 1
	} else {
		return 0, fmt.Errorf("%w: 0x%08x", ErrUnknownSyscall, hash)
	}

	if err := ip.stack.Push(r[:], pc+1); err != nil {
		return 0, err
	}
	return target, nil
}

func alu64(op uint8, a, b uint64) (uint64, error) {
	switch op {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluLsh:
		return a << (b & 63), nil
	case AluRsh:
		return a >> (b & 63), nil
	case AluNeg:
		return uint64(-int64(a)), nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluXor:
		return a ^ b, nil
	case AluMov:
		return b, nil
	case AluArsh:
		return uint64(int64(a) >> (b & 63)), nil
	}
	return 0, ErrInvalidInstruction
}

func alu32(op uint8, a, b uint32) (uint32, error) {
	switch op {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluLsh:
		return a << (b & 31), nil
	case AluRsh:
		return a >> (b & 31), nil
	case AluNeg:
		return uint32(-int32(a)), nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluXor:
		return a ^ b, nil
	case AluMov:
		return b, nil
	case AluArsh:
		return uint32(int32(a) >> (b & 31)), nil
	}
	return 0, ErrInvalidInstruction
}

// branch evaluates a conditional jump. Jmp32 compares the low 32 bits.
func branch(op uint8, a, b uint64) (bool, error) {
	if op&0x07 == ClassJmp32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb := int64(int32(a)), int64(int32(b))
		return compare(op&0xF0, a, b, sa, sb)
	}
	return compare(op&0xF0, a, b, int64(a), int64(b))
}

func compare(jmp uint8, a, b uint64, sa, sb int64) (bool, error) {
	switch jmp {
	case JmpJa:
		return true, nil
	case JmpJeq:
		return a == b, nil
	case JmpJne:
		return a != b, nil
	case JmpJgt:
		return a > b, nil
	case JmpJge:
		return a >= b, nil
	case JmpJlt:
		return a < b, nil
	case JmpJle:
		return a <= b, nil
	case JmpJset:
		return a&b != 0, nil
	case JmpJsgt:
		return sa > sb, nil
	case JmpJsge:
		return sa >= sb, nil
	case JmpJslt:
		return sa < sb, nil
	case JmpJsle:
		return sa <= sb, nil
	}
	return false, fmt.Errorf("%w: jump 0x%02x", ErrInvalidInstruction, jmp)
}

// VM interface implementation

func (ip *Interpreter) Context() any {
	return ip.ctx
}

func (ip *Interpreter) ComputeMeter() *ComputeMeter {
	return ip.meter
}

func (ip *Interpreter) Memory() *memory.Shared {
	return ip.mem
}

// Stack returns the call stack of the current invocation.
func (ip *Interpreter) Stack() *Stack {
	return ip.stack
}
