package sbpf

// Instruction class (bits 0-2).
const (
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Operand source (bit 3) for ALU and jump classes.
const (
	SrcK = 0x00 // immediate
	SrcX = 0x08 // register
)

// ALU operations (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Access size (bits 3-4) for load and store classes.
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18
)

// Addressing mode (bits 5-7) for load and store classes.
const (
	ModeImm    = 0x00
	ModeMem    = 0x60
	ModeAtomic = 0xc0
)

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Atomic operation selectors carried in the immediate of an atomic store.
// AtomicFetch may be or'ed into Add, Or, And and Xor to load the previous
// value into the source register.
const (
	AtomicAdd     = AluAdd
	AtomicOr      = AluOr
	AtomicAnd     = AluAnd
	AtomicXor     = AluXor
	AtomicFetch   = 0x01
	AtomicXchg    = 0xe0 | AtomicFetch
	AtomicCmpXchg = 0xf0 | AtomicFetch
)

// ALU opcodes. The Imm/Reg suffix names the operand source.
const (
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv
	OpOr64Imm   = ClassAlu64 | SrcK | AluOr
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh
	OpNeg64     = ClassAlu64 | AluNeg
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod
	OpXor64Imm  = ClassAlu64 | SrcK | AluXor
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh

	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr
	OpAnd64Reg  = ClassAlu64 | SrcX | AluAnd
	OpLsh64Reg  = ClassAlu64 | SrcX | AluLsh
	OpRsh64Reg  = ClassAlu64 | SrcX | AluRsh
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov
	OpArsh64Reg = ClassAlu64 | SrcX | AluArsh

	OpAdd32Imm = ClassAlu | SrcK | AluAdd
	OpSub32Imm = ClassAlu | SrcK | AluSub
	OpMul32Imm = ClassAlu | SrcK | AluMul
	OpDiv32Imm = ClassAlu | SrcK | AluDiv
	OpMov32Imm = ClassAlu | SrcK | AluMov
	OpNeg32    = ClassAlu | AluNeg
	OpAdd32Reg = ClassAlu | SrcX | AluAdd
	OpMov32Reg = ClassAlu | SrcX | AluMov
)

// Load and store opcodes.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // two instruction slots

	OpLdxb  = ClassLdx | ModeMem | SizeB
	OpLdxh  = ClassLdx | ModeMem | SizeH
	OpLdxw  = ClassLdx | ModeMem | SizeW
	OpLdxdw = ClassLdx | ModeMem | SizeDW

	OpStb  = ClassSt | ModeMem | SizeB
	OpSth  = ClassSt | ModeMem | SizeH
	OpStw  = ClassSt | ModeMem | SizeW
	OpStdw = ClassSt | ModeMem | SizeDW

	OpStxb  = ClassStx | ModeMem | SizeB
	OpStxh  = ClassStx | ModeMem | SizeH
	OpStxw  = ClassStx | ModeMem | SizeW
	OpStxdw = ClassStx | ModeMem | SizeDW

	// Atomic read-modify-write on shared memory; the operation is selected
	// by the immediate (AtomicAdd, AtomicXchg, ...).
	OpAtomicW  = ClassStx | ModeAtomic | SizeW
	OpAtomicDW = ClassStx | ModeAtomic | SizeDW
)

// Jump opcodes.
const (
	OpJa      = ClassJmp | JmpJa
	OpJeqImm  = ClassJmp | SrcK | JmpJeq
	OpJeqReg  = ClassJmp | SrcX | JmpJeq
	OpJgtImm  = ClassJmp | SrcK | JmpJgt
	OpJgtReg  = ClassJmp | SrcX | JmpJgt
	OpJgeImm  = ClassJmp | SrcK | JmpJge
	OpJneImm  = ClassJmp | SrcK | JmpJne
	OpJneReg  = ClassJmp | SrcX | JmpJne
	OpJsgtImm = ClassJmp | SrcK | JmpJsgt
	OpJltImm  = ClassJmp | SrcK | JmpJlt
	OpJltReg  = ClassJmp | SrcX | JmpJlt
	OpJsltImm = ClassJmp | SrcK | JmpJslt
	OpCall    = ClassJmp | JmpCall
	OpExit    = ClassJmp | JmpExit

	OpJeq32Imm = ClassJmp32 | SrcK | JmpJeq
	OpJne32Imm = ClassJmp32 | SrcK | JmpJne
	OpJlt32Reg = ClassJmp32 | SrcX | JmpJlt
)

// Instruction extracts fields from an encoded instruction.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 { return uint8(i) }

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 { return uint8(i>>8) & 0x0F }

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 { return uint8(i>>12) & 0x0F }

// Off returns the signed offset (bits 16-31).
func (i Instruction) Off() int16 { return int16(i >> 16) }

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 { return int32(i >> 32) }

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// EncodeLddw returns the two instruction slots loading v into dst.
func EncodeLddw(dst uint8, v uint64) (uint64, uint64) {
	return Encode(OpLddw, dst, 0, 0, int32(uint32(v))), Encode(0, 0, 0, 0, int32(uint32(v>>32)))
}
