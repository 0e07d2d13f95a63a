// Package loader implements the sBPF ELF loader.
//
// The loader parses an ELF object containing sBPF bytecode and splits it into
// what a thread runtime needs:
//   - instructions and read-only data, shared by every context
//   - the data segment (.data, .bss), copied once into shared memory
//   - the TLS template (.tdata, .tbss), copied into every context's TLS block
//
// Relocations are resolved against the region each target section lives in:
// read-only data in the program region, data and bss in the memory region at
// Options.DataBase, and TLS symbols as offsets from a context's TLS base.
// Inputs that start with a zstd frame are decompressed first.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/strand/pkg/svm/sbpf"
	"github.com/fortiblox/strand/pkg/svm/syscall"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfTypeExec = 2
	elfTypeDyn  = 3
)

// Section types.
const (
	shtSymtab = 2
	shtRela   = 4
	shtNobits = 8
	shtRel    = 9
	shtDynsym = 11
)

const sttFunc = 2

// Relocation types.
const (
	rBPF64_64     = 1  // lddw of an absolute address
	rBPF64Abs64   = 2  // 64-bit absolute address in data
	rBPFRelative  = 8  // program-relative lddw
	rBPF64_32     = 10 // call by symbol
	relEntrySize  = 16
	relaEntrySize = 24
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrRelocationFailed   = errors.New("relocation failed")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Maximum sizes.
const (
	MaxELFSize      = 10 * 1024 * 1024
	MaxSections     = 256
	MaxSymbols      = 100000
	MaxRelocations  = 100000
	MaxInstructions = 1000000
)

// ELFHeader represents the ELF64 header fields the loader uses.
type ELFHeader struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	Entry     uint64
	SHOff     uint64
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

// SectionHeader represents an ELF64 section header.
type SectionHeader struct {
	Name    uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	EntSize uint64
}

// Symbol represents an ELF64 symbol.
type Symbol struct {
	Name  string
	Info  uint8
	Shndx uint16
	Value uint64
}

// Options configures where relocated data lands.
type Options struct {
	// DataBase is the linear-memory offset of the data segment.
	DataBase uint64
}

// Executable is a loaded program image, split by where each part lives at
// run time.
type Executable struct {
	Text []uint64
	RO   []byte

	// Data is the initial content of .data, padded to 8 bytes. BSSSize zero
	// bytes follow it in memory.
	Data     []byte
	BSSSize  uint64
	DataBase uint64

	// TData is the TLS initialization image, padded to 8 bytes; TBSSSize
	// zero bytes follow it in every TLS block.
	TData    []byte
	TBSSSize uint64

	// Entry is the instruction index of the ELF entry point.
	Entry uint64

	// Functions maps function name hashes to instruction indices.
	Functions map[uint32]uint64

	// Imports maps the hashes of undefined call targets to their names.
	Imports map[uint32]string
}

// ToProgram converts the executable to an sbpf.Program.
func (e *Executable) ToProgram() *sbpf.Program {
	return &sbpf.Program{
		Text:      e.Text,
		RO:        e.RO,
		Entry:     e.Entry,
		Functions: e.Functions,
	}
}

// DataSize returns the size of the data segment including bss.
func (e *Executable) DataSize() uint64 {
	return uint64(len(e.Data)) + e.BSSSize
}

// TLSSize returns the size of one TLS block.
func (e *Executable) TLSSize() uint64 {
	return uint64(len(e.TData)) + e.TBSSSize
}

// Function returns the instruction index of the named function.
func (e *Executable) Function(name string) (uint64, bool) {
	pc, ok := e.Functions[syscall.Murmur3Hash(name)]
	return pc, ok
}

// Syscalls returns the sorted hashes of the imported syscalls.
func (e *Executable) Syscalls() []uint32 {
	out := make([]uint32, 0, len(e.Imports))
	for h := range e.Imports {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Loader loads sBPF programs from ELF files.
type Loader struct {
	opts Options
}

// NewLoader creates a new ELF loader.
func NewLoader(opts Options) *Loader {
	return &Loader{opts: opts}
}

// Load is a convenience wrapper around NewLoader(opts).Load(data).
func Load(data []byte, opts Options) (*Executable, error) {
	return NewLoader(opts).Load(data)
}

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Decompress expands a zstd-compressed image.
func Decompress(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxELFSize))
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", decoderErr)
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidELF, err)
	}
	return out, nil
}

// elfFile is a parsed ELF object.
type elfFile struct {
	data     []byte
	header   *ELFHeader
	sections []SectionHeader
	names    []string
}

// Load parses an ELF file and returns an executable.
func (l *Loader) Load(data []byte) (*Executable, error) {
	if IsCompressed(data) {
		var err error
		if data, err = Decompress(data); err != nil {
			return nil, err
		}
	}
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}

	f, err := parseELF(data)
	if err != nil {
		return nil, err
	}

	textIdx, ok := f.index(".text")
	if !ok {
		return nil, ErrNoTextSection
	}
	text, err := f.text(textIdx)
	if err != nil {
		return nil, err
	}

	exe := &Executable{
		Text:      text,
		DataBase:  l.opts.DataBase,
		Functions: make(map[uint32]uint64),
		Imports:   make(map[uint32]string),
	}
	if exe.RO, err = f.contents(".rodata"); err != nil {
		return nil, err
	}
	if exe.Data, err = f.contents(".data"); err != nil {
		return nil, err
	}
	exe.Data = pad8(exe.Data)
	exe.BSSSize = f.size(".bss")
	if exe.TData, err = f.contents(".tdata"); err != nil {
		return nil, err
	}
	exe.TData = pad8(exe.TData)
	exe.TBSSSize = f.size(".tbss")

	symbols, err := f.symbols()
	if err != nil {
		return nil, err
	}

	textAddr := f.sections[textIdx].Addr
	for _, sym := range symbols {
		if sym.Info&0xf == sttFunc && int(sym.Shndx) == textIdx && sym.Name != "" {
			exe.Functions[syscall.Murmur3Hash(sym.Name)] = (sym.Value - textAddr) / 8
		}
	}

	r := &resolver{f: f, exe: exe}
	for i := range f.sections {
		sh := &f.sections[i]
		if sh.Type != shtRel && sh.Type != shtRela {
			continue
		}
		if err := r.apply(sh, symbols); err != nil {
			return nil, err
		}
	}

	exe.Entry = (f.header.Entry - textAddr) / 8
	return exe, nil
}

func parseELF(data []byte) (*elfFile, error) {
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	f := &elfFile{data: data, header: header}
	if f.sections, err = parseSectionHeaders(data, header); err != nil {
		return nil, err
	}
	if f.names, err = sectionNames(data, f.sections, header.SHStrNdx); err != nil {
		return nil, err
	}
	return f, nil
}

// parseHeader parses the ELF header.
func parseHeader(data []byte) (*ELFHeader, error) {
	if len(data) < 64 || !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	le := binary.LittleEndian
	return &ELFHeader{
		Class:     data[4],
		Data:      data[5],
		Type:      le.Uint16(data[16:18]),
		Machine:   le.Uint16(data[18:20]),
		Entry:     le.Uint64(data[24:32]),
		SHOff:     le.Uint64(data[40:48]),
		SHEntSize: le.Uint16(data[58:60]),
		SHNum:     le.Uint16(data[60:62]),
		SHStrNdx:  le.Uint16(data[62:64]),
	}, nil
}

// validateHeader validates the ELF header.
func validateHeader(h *ELFHeader) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF && h.Machine != elfMachineSBPF {
		return ErrUnsupportedMachine
	}
	if h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}
	return nil
}

func parseSectionHeaders(data []byte, h *ELFHeader) ([]SectionHeader, error) {
	if h.SHNum == 0 {
		return nil, ErrNoTextSection
	}
	if h.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if h.SHEntSize < 64 {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.SHEntSize)
	}
	end := h.SHOff + uint64(h.SHEntSize)*uint64(h.SHNum)
	if end < h.SHOff || end > uint64(len(data)) {
		return nil, ErrInvalidELF
	}

	le := binary.LittleEndian
	sections := make([]SectionHeader, h.SHNum)
	for i := range sections {
		b := data[h.SHOff+uint64(i)*uint64(h.SHEntSize):]
		sections[i] = SectionHeader{
			Name:    le.Uint32(b[0:4]),
			Type:    le.Uint32(b[4:8]),
			Flags:   le.Uint64(b[8:16]),
			Addr:    le.Uint64(b[16:24]),
			Offset:  le.Uint64(b[24:32]),
			Size:    le.Uint64(b[32:40]),
			Link:    le.Uint32(b[40:44]),
			Info:    le.Uint32(b[44:48]),
			EntSize: le.Uint64(b[56:64]),
		}
	}
	return sections, nil
}

func sectionNames(data []byte, sections []SectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := fileRange(data, &sections[shstrndx])
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sections))
	for i, sec := range sections {
		names[i] = cstring(strtab, sec.Name)
	}
	return names, nil
}

// fileRange returns the bytes of a section without copying.
func fileRange(data []byte, sh *SectionHeader) ([]byte, error) {
	end := sh.Offset + sh.Size
	if end < sh.Offset || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: section at 0x%x+%d beyond file", ErrInvalidSection, sh.Offset, sh.Size)
	}
	return data[sh.Offset:end], nil
}

func cstring(strtab []byte, off uint32) string {
	if off >= uint32(len(strtab)) {
		return ""
	}
	s := strtab[off:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}

func (f *elfFile) index(name string) (int, bool) {
	for i, n := range f.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// contents returns a copy of the named section, or nil when it is absent.
func (f *elfFile) contents(name string) ([]byte, error) {
	i, ok := f.index(name)
	if !ok {
		return nil, nil
	}
	sh := &f.sections[i]
	if sh.Type == shtNobits {
		return make([]byte, sh.Size), nil
	}
	b, err := fileRange(f.data, sh)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (f *elfFile) size(name string) uint64 {
	if i, ok := f.index(name); ok {
		return f.sections[i].Size
	}
	return 0
}

func (f *elfFile) text(idx int) ([]uint64, error) {
	b, err := fileRange(f.data, &f.sections[idx])
	if err != nil {
		return nil, err
	}
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: text section not aligned", ErrInvalidSection)
	}
	n := len(b) / 8
	if n > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return text, nil
}

// symbols reads .symtab, falling back to .dynsym.
func (f *elfFile) symbols() ([]Symbol, error) {
	var tab *SectionHeader
	for _, want := range []uint32{shtSymtab, shtDynsym} {
		for i := range f.sections {
			if f.sections[i].Type == want {
				tab = &f.sections[i]
				break
			}
		}
		if tab != nil {
			break
		}
	}
	if tab == nil {
		return nil, nil
	}
	if int(tab.Link) >= len(f.sections) {
		return nil, fmt.Errorf("%w: symbol table links to section %d", ErrInvalidSection, tab.Link)
	}
	strtab, err := fileRange(f.data, &f.sections[tab.Link])
	if err != nil {
		return nil, err
	}
	raw, err := fileRange(f.data, tab)
	if err != nil {
		return nil, err
	}

	ent := tab.EntSize
	if ent == 0 {
		ent = 24
	}
	n := uint64(len(raw)) / ent
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}

	le := binary.LittleEndian
	symbols := make([]Symbol, n)
	for i := range symbols {
		b := raw[uint64(i)*ent:]
		symbols[i] = Symbol{
			Name:  cstring(strtab, le.Uint32(b[0:4])),
			Info:  b[4],
			Shndx: le.Uint16(b[6:8]),
			Value: le.Uint64(b[8:16]),
		}
	}
	return symbols, nil
}

// resolver applies relocations to an executable being loaded.
type resolver struct {
	f   *elfFile
	exe *Executable
}

func (r *resolver) apply(sh *SectionHeader, symbols []Symbol) error {
	if int(sh.Info) >= len(r.f.sections) {
		return fmt.Errorf("%w: relocation targets section %d", ErrRelocationFailed, sh.Info)
	}
	target := r.f.names[sh.Info]
	if target != ".text" && target != ".data" {
		return nil
	}

	raw, err := fileRange(r.f.data, sh)
	if err != nil {
		return err
	}
	ent := sh.EntSize
	if ent == 0 {
		ent = relEntrySize
		if sh.Type == shtRela {
			ent = relaEntrySize
		}
	}
	n := uint64(len(raw)) / ent
	if n > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}

	le := binary.LittleEndian
	for i := uint64(0); i < n; i++ {
		b := raw[i*ent:]
		offset := le.Uint64(b[0:8])
		info := le.Uint64(b[8:16])
		symIdx, typ := info>>32, uint32(info)
		if symIdx >= uint64(len(symbols)) {
			return fmt.Errorf("%w: symbol %d out of range", ErrRelocationFailed, symIdx)
		}
		sym := symbols[symIdx]

		var addend *int64
		if ent >= relaEntrySize {
			a := int64(le.Uint64(b[16:24]))
			addend = &a
		}

		if target == ".data" {
			err = r.data(offset, typ, sym, addend)
		} else {
			err = r.text(offset/8, typ, sym, addend)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) text(pc uint64, typ uint32, sym Symbol, addend *int64) error {
	text := r.exe.Text
	if pc >= uint64(len(text)) {
		return fmt.Errorf("%w: instruction %d beyond text", ErrRelocationFailed, pc)
	}

	switch typ {
	case rBPF64_32:
		hash := syscall.Murmur3Hash(sym.Name)
		if sym.Shndx == 0 {
			r.exe.Imports[hash] = sym.Name
		}
		text[pc] = setImm(text[pc], uint32(hash))

	case rBPF64_64:
		if pc+1 >= uint64(len(text)) {
			return fmt.Errorf("%w: lddw at %d truncated", ErrRelocationFailed, pc)
		}
		a := int64(uint32(text[pc] >> 32))
		if addend != nil {
			a = *addend
		}
		addr, err := r.resolve(sym, a)
		if err != nil {
			return err
		}
		text[pc] = setImm(text[pc], uint32(addr))
		text[pc+1] = setImm(text[pc+1], uint32(addr>>32))

	case rBPFRelative:
		if pc+1 >= uint64(len(text)) {
			return fmt.Errorf("%w: lddw at %d truncated", ErrRelocationFailed, pc)
		}
		addr := uint64(uint32(text[pc]>>32)) | uint64(uint32(text[pc+1]>>32))<<32
		if addr < sbpf.VaddrProgram {
			addr += sbpf.VaddrProgram
		}
		text[pc] = setImm(text[pc], uint32(addr))
		text[pc+1] = setImm(text[pc+1], uint32(addr>>32))

	default:
		return fmt.Errorf("%w: unsupported type %d against %q", ErrRelocationFailed, typ, sym.Name)
	}
	return nil
}

func (r *resolver) data(off uint64, typ uint32, sym Symbol, addend *int64) error {
	if typ != rBPF64Abs64 {
		return fmt.Errorf("%w: unsupported data relocation type %d", ErrRelocationFailed, typ)
	}
	if off+8 < off || off+8 > uint64(len(r.exe.Data)) {
		return fmt.Errorf("%w: data offset 0x%x out of range", ErrRelocationFailed, off)
	}
	a := int64(binary.LittleEndian.Uint64(r.exe.Data[off:]))
	if addend != nil {
		a = *addend
	}
	addr, err := r.resolve(sym, a)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.exe.Data[off:], addr)
	return nil
}

// resolve returns the run-time address of sym+addend.
func (r *resolver) resolve(sym Symbol, addend int64) (uint64, error) {
	if sym.Shndx == 0 || int(sym.Shndx) >= len(r.f.sections) {
		return 0, fmt.Errorf("%w: undefined symbol %q", ErrRelocationFailed, sym.Name)
	}
	sh := &r.f.sections[sym.Shndx]
	off := sym.Value - sh.Addr + uint64(addend)

	switch name := r.f.names[sym.Shndx]; name {
	case ".rodata":
		return sbpf.VaddrProgram + off, nil
	case ".text":
		return off / 8, nil
	case ".data":
		return sbpf.VaddrMemory + r.exe.DataBase + off, nil
	case ".bss":
		return sbpf.VaddrMemory + r.exe.DataBase + uint64(len(r.exe.Data)) + off, nil
	case ".tdata":
		return off, nil
	case ".tbss":
		return uint64(len(r.exe.TData)) + off, nil
	default:
		return 0, fmt.Errorf("%w: symbol %q in unsupported section %s", ErrRelocationFailed, sym.Name, name)
	}
}

func setImm(ins uint64, imm uint32) uint64 {
	return ins&0xFFFFFFFF | uint64(imm)<<32
}

func pad8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}
