package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/strand/internal/elftest"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
	"github.com/fortiblox/strand/pkg/svm/syscall"
)

// TestParseHeader tests ELF header parsing.
func TestParseHeader(t *testing.T) {
	header := make([]byte, 64)
	copy(header[0:4], elfMagic)
	header[4] = elfClass64
	header[5] = elfDataLSB
	header[6] = 1
	header[16] = elfTypeExec
	header[18] = elfMachineBPF

	parsed, err := parseHeader(header)
	if err != nil {
		t.Fatalf("parseHeader failed: %v", err)
	}
	if parsed.Class != elfClass64 {
		t.Errorf("Class = %d, want %d", parsed.Class, elfClass64)
	}
	if parsed.Data != elfDataLSB {
		t.Errorf("Data = %d, want %d", parsed.Data, elfDataLSB)
	}
	if parsed.Machine != elfMachineBPF {
		t.Errorf("Machine = %d, want %d", parsed.Machine, elfMachineBPF)
	}
}

// TestValidateHeader tests header validation.
func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  *ELFHeader
		wantErr error
	}{
		{"valid BPF", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeExec}, nil},
		{"valid sBPF", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineSBPF, Type: elfTypeDyn}, nil},
		{"invalid class", &ELFHeader{Class: 1, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeExec}, ErrUnsupportedClass},
		{"invalid endianness", &ELFHeader{Class: elfClass64, Data: 2, Machine: elfMachineBPF, Type: elfTypeExec}, ErrUnsupportedEndian},
		{"invalid machine", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: 62, Type: elfTypeExec}, ErrUnsupportedMachine},
		{"relocatable", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: 1}, ErrInvalidELF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHeader(tt.header)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil) != (err == nil) {
				t.Errorf("validateHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadInvalidELF tests loading invalid ELF files.
func TestLoadInvalidELF(t *testing.T) {
	loader := NewLoader(Options{})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too short", []byte{0x7f, 'E', 'L', 'F'}},
		{"wrong magic", make([]byte, 64)},
		{"corrupt zstd", append(append([]byte{}, zstdMagic...), 1, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.Load(tt.data); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

// TestCstring tests string table lookups.
func TestCstring(t *testing.T) {
	strtab := []byte("\x00hello\x00world\x00")

	tests := []struct {
		offset   uint32
		expected string
	}{
		{0, ""},
		{1, "hello"},
		{7, "world"},
		{100, ""},
	}

	for _, tt := range tests {
		if result := cstring(strtab, tt.offset); result != tt.expected {
			t.Errorf("cstring(strtab, %d) = %q, want %q", tt.offset, result, tt.expected)
		}
	}
}

// TestExecutableToProgram tests converting Executable to Program.
func TestExecutableToProgram(t *testing.T) {
	exe := &Executable{
		Text:      []uint64{0x12345678, 0x9abcdef0},
		RO:        []byte{1, 2, 3, 4},
		Entry:     1,
		Functions: map[uint32]uint64{0x100: 5},
	}

	prog := exe.ToProgram()
	if len(prog.Text) != len(exe.Text) || len(prog.RO) != len(exe.RO) {
		t.Errorf("program sections differ from executable")
	}
	if prog.Entry != exe.Entry {
		t.Errorf("Entry = %d, want %d", prog.Entry, exe.Entry)
	}
	if len(prog.Functions) != len(exe.Functions) {
		t.Errorf("Functions length = %d, want %d", len(prog.Functions), len(exe.Functions))
	}
}

func lddw(dst uint8) []uint64 {
	lo, hi := sbpf.EncodeLddw(dst, 0)
	return []uint64{lo, hi}
}

func lddwValue(text []uint64, pc int) uint64 {
	return uint64(uint32(text[pc]>>32)) | uint64(uint32(text[pc+1]>>32))<<32
}

func relocatedObject() *elftest.Builder {
	var text []uint64
	for dst := uint8(1); dst <= 5; dst++ {
		text = append(text, lddw(dst)...)
	}
	text = append(text,
		sbpf.Encode(sbpf.OpCall, 0, 0, 0, -1),
		sbpf.Encode(sbpf.OpCall, 0, 1, 0, -1),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)

	b := &elftest.Builder{
		Text:  text,
		RO:    []byte("hello"),
		Data:  []byte{1, 2, 3, 4, 5},
		BSS:   16,
		TData: []byte{9, 9, 9, 9},
		TBSS:  8,
		Entry: "main",
	}
	return b.Func("main", 0).
		Func("helper", 13).
		Object("counter", ".data", 0).
		Object("buf", ".bss", 4).
		Object("tls_var", ".tdata", 4).
		Object("tls_zero", ".tbss", 0).
		Object("msg", ".rodata", 1).
		Reloc(0, elftest.RelocLddw, "counter").
		Reloc(2, elftest.RelocLddw, "buf").
		Reloc(4, elftest.RelocLddw, "tls_var").
		Reloc(6, elftest.RelocLddw, "tls_zero").
		Reloc(8, elftest.RelocLddw, "msg").
		Reloc(10, elftest.RelocCall, "sol_log_").
		Reloc(11, elftest.RelocCall, "helper")
}

// TestLoadSections tests that every section lands in the right place.
func TestLoadSections(t *testing.T) {
	exe, err := Load(relocatedObject().Bytes(), Options{DataBase: 0x100})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(exe.Text) != 15 {
		t.Errorf("len(Text) = %d, want 15", len(exe.Text))
	}
	if !bytes.Equal(exe.RO, []byte("hello")) {
		t.Errorf("RO = %q, want %q", exe.RO, "hello")
	}
	if !bytes.Equal(exe.Data, []byte{1, 2, 3, 4, 5, 0, 0, 0}) {
		t.Errorf("Data = %v, want padded initial data", exe.Data)
	}
	if exe.BSSSize != 16 || exe.DataSize() != 24 {
		t.Errorf("BSSSize = %d, DataSize = %d; want 16, 24", exe.BSSSize, exe.DataSize())
	}
	if exe.TLSSize() != 16 {
		t.Errorf("TLSSize() = %d, want 16", exe.TLSSize())
	}
	if exe.Entry != 0 {
		t.Errorf("Entry = %d, want 0", exe.Entry)
	}
	if pc, ok := exe.Function("helper"); !ok || pc != 13 {
		t.Errorf("Function(helper) = %d, %v; want 13, true", pc, ok)
	}
}

// TestLoadRelocations tests that relocations resolve into their regions.
func TestLoadRelocations(t *testing.T) {
	exe, err := Load(relocatedObject().Bytes(), Options{DataBase: 0x100})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tests := []struct {
		name string
		pc   int
		want uint64
	}{
		{"data", 0, sbpf.VaddrMemory + 0x100},
		{"bss follows padded data", 2, sbpf.VaddrMemory + 0x100 + 8 + 4},
		{"tdata offset", 4, 4},
		{"tbss follows padded tdata", 6, 8},
		{"rodata", 8, sbpf.VaddrProgram + 1},
	}
	for _, tt := range tests {
		if got := lddwValue(exe.Text, tt.pc); got != tt.want {
			t.Errorf("%s: lddw = 0x%x, want 0x%x", tt.name, got, tt.want)
		}
	}

	logHash := syscall.Murmur3Hash("sol_log_")
	if got := uint32(sbpf.Instruction(exe.Text[10]).Imm()); got != logHash {
		t.Errorf("syscall imm = 0x%08x, want 0x%08x", got, logHash)
	}
	if exe.Imports[logHash] != "sol_log_" || len(exe.Imports) != 1 {
		t.Errorf("Imports = %v, want only sol_log_", exe.Imports)
	}
	if got := exe.Syscalls(); len(got) != 1 || got[0] != logHash {
		t.Errorf("Syscalls() = %v", got)
	}

	helperHash := syscall.Murmur3Hash("helper")
	if got := uint32(sbpf.Instruction(exe.Text[11]).Imm()); got != helperHash {
		t.Errorf("call imm = 0x%08x, want 0x%08x", got, helperHash)
	}
}

// TestLoadDataRelocation tests absolute pointers stored in .data.
func TestLoadDataRelocation(t *testing.T) {
	b := &elftest.Builder{
		Text:  []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)},
		RO:    []byte("abc"),
		Data:  make([]byte, 16),
		Entry: "main",
	}
	b.Func("main", 0).
		Object("msg", ".rodata", 2).
		Object("self", ".data", 8).
		DataReloc(0, "msg").
		DataReloc(8, "self")

	exe, err := Load(b.Bytes(), Options{DataBase: 0x40})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if got := readUint64(exe.Data[0:]); got != sbpf.VaddrProgram+2 {
		t.Errorf("data[0] = 0x%x, want 0x%x", got, sbpf.VaddrProgram+2)
	}
	if got := readUint64(exe.Data[8:]); got != sbpf.VaddrMemory+0x40+8 {
		t.Errorf("data[8] = 0x%x, want 0x%x", got, sbpf.VaddrMemory+0x48)
	}
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// TestLoadUndefinedData tests that lddw of an undefined symbol fails.
func TestLoadUndefinedData(t *testing.T) {
	b := &elftest.Builder{
		Text:  append(lddw(1), sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)),
		Entry: "main",
	}
	b.Func("main", 0).Reloc(0, elftest.RelocLddw, "missing")

	if _, err := Load(b.Bytes(), Options{}); !errors.Is(err, ErrRelocationFailed) {
		t.Errorf("Load() = %v, want ErrRelocationFailed", err)
	}
}

// TestLoadCompressed tests that zstd-compressed images load transparently.
func TestLoadCompressed(t *testing.T) {
	raw := relocatedObject().Bytes()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	if !IsCompressed(compressed) || IsCompressed(raw) {
		t.Fatal("IsCompressed() misclassified input")
	}

	plain, err := Load(raw, Options{DataBase: 0x100})
	if err != nil {
		t.Fatalf("Load(raw) failed: %v", err)
	}
	unpacked, err := Load(compressed, Options{DataBase: 0x100})
	if err != nil {
		t.Fatalf("Load(compressed) failed: %v", err)
	}
	if len(plain.Text) != len(unpacked.Text) || lddwValue(unpacked.Text, 0) != lddwValue(plain.Text, 0) {
		t.Error("compressed image loaded differently")
	}
}
