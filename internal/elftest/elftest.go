// Package elftest assembles minimal sBPF ELF objects for tests.
package elftest

import (
	"encoding/binary"
	"sort"
)

// Relocation types understood by the loader.
const (
	RelocLddw  = 1  // R_BPF_64_64
	RelocAbs64 = 2  // R_BPF_64_ABS64
	RelocCall  = 10 // R_BPF_64_32
)

const (
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtNobits   = 8
	shtRel      = 9

	shfWrite = 0x1
	shfAlloc = 0x2
	shfExec  = 0x4
	shfTLS   = 0x400
)

type symbol struct {
	name    string
	section string
	value   uint64
	typ     uint8
}

type reloc struct {
	section string
	offset  uint64
	typ     uint32
	sym     string
}

// Builder describes an object file. Zero-valued sections are omitted.
type Builder struct {
	Text  []uint64
	RO    []byte
	Data  []byte
	BSS   uint64
	TData []byte
	TBSS  uint64

	// Entry names the function the ELF entry point refers to.
	Entry string

	syms   []symbol
	relocs []reloc
}

// Func declares a global function starting at instruction pc.
func (b *Builder) Func(name string, pc uint64) *Builder {
	b.syms = append(b.syms, symbol{name: name, section: ".text", value: pc * 8, typ: 2})
	return b
}

// Object declares a global object at off within section.
func (b *Builder) Object(name, section string, off uint64) *Builder {
	b.syms = append(b.syms, symbol{name: name, section: section, value: off, typ: 1})
	return b
}

// Reloc adds a relocation against the instruction at pc. Symbols that are
// never declared become undefined imports.
func (b *Builder) Reloc(pc uint64, typ uint32, sym string) *Builder {
	b.relocs = append(b.relocs, reloc{section: ".text", offset: pc * 8, typ: typ, sym: sym})
	return b
}

// DataReloc adds an absolute relocation of the 8 bytes at off in .data.
func (b *Builder) DataReloc(off uint64, sym string) *Builder {
	b.relocs = append(b.relocs, reloc{section: ".data", offset: off, typ: RelocAbs64, sym: sym})
	return b
}

type section struct {
	name  string
	typ   uint32
	flags uint64
	data  []byte
	size  uint64
	link  uint32
	info  uint32
	ent   uint64
}

// Bytes encodes the object.
func (b *Builder) Bytes() []byte {
	text := make([]byte, 8*len(b.Text))
	for i, ins := range b.Text {
		binary.LittleEndian.PutUint64(text[8*i:], ins)
	}

	secs := []section{{}}
	index := map[string]uint32{}
	add := func(s section) {
		index[s.name] = uint32(len(secs))
		secs = append(secs, s)
	}

	add(section{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExec, data: text})
	if len(b.RO) > 0 {
		add(section{name: ".rodata", typ: shtProgbits, flags: shfAlloc, data: b.RO})
	}
	if len(b.Data) > 0 {
		add(section{name: ".data", typ: shtProgbits, flags: shfAlloc | shfWrite, data: b.Data})
	}
	if b.BSS > 0 {
		add(section{name: ".bss", typ: shtNobits, flags: shfAlloc | shfWrite, size: b.BSS})
	}
	if len(b.TData) > 0 {
		add(section{name: ".tdata", typ: shtProgbits, flags: shfAlloc | shfWrite | shfTLS, data: b.TData})
	}
	if b.TBSS > 0 {
		add(section{name: ".tbss", typ: shtNobits, flags: shfAlloc | shfWrite | shfTLS, size: b.TBSS})
	}

	// Undefined symbols referenced by relocations.
	declared := map[string]bool{}
	for _, s := range b.syms {
		declared[s.name] = true
	}
	syms := append([]symbol(nil), b.syms...)
	for _, r := range b.relocs {
		if !declared[r.sym] {
			declared[r.sym] = true
			syms = append(syms, symbol{name: r.sym})
		}
	}

	strtab := []byte{0}
	symtab := make([]byte, 24)
	symIndex := map[string]uint64{}
	for i, s := range syms {
		symIndex[s.name] = uint64(i + 1)
		ent := make([]byte, 24)
		binary.LittleEndian.PutUint32(ent[0:], uint32(len(strtab)))
		ent[4] = 1<<4 | s.typ
		if s.section != "" {
			binary.LittleEndian.PutUint16(ent[6:], uint16(index[s.section]))
		}
		binary.LittleEndian.PutUint64(ent[8:], s.value)
		symtab = append(symtab, ent...)
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	symtabIdx := uint32(len(secs))
	add(section{name: ".symtab", typ: shtSymtab, data: symtab, link: symtabIdx + 1, ent: 24})
	add(section{name: ".strtab", typ: shtStrtab, data: strtab})

	bySection := map[string][]reloc{}
	for _, r := range b.relocs {
		bySection[r.section] = append(bySection[r.section], r)
	}
	targets := make([]string, 0, len(bySection))
	for name := range bySection {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	for _, target := range targets {
		var rel []byte
		for _, r := range bySection[target] {
			ent := make([]byte, 16)
			binary.LittleEndian.PutUint64(ent[0:], r.offset)
			binary.LittleEndian.PutUint64(ent[8:], symIndex[r.sym]<<32|uint64(r.typ))
			rel = append(rel, ent...)
		}
		add(section{name: ".rel" + target, typ: shtRel, data: rel, link: symtabIdx, info: index[target], ent: 16})
	}

	shstrtab := []byte{0}
	names := make([]uint32, len(secs)+1)
	for i := 1; i < len(secs); i++ {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, secs[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	names[len(secs)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	secs = append(secs, section{name: ".shstrtab", typ: shtStrtab, data: shstrtab})

	out := make([]byte, 64)
	offsets := make([]uint64, len(secs))
	for i := 1; i < len(secs); i++ {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		offsets[i] = uint64(len(out))
		out = append(out, secs[i].data...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	for i, s := range secs {
		sh := make([]byte, 64)
		size := uint64(len(s.data))
		if s.typ == shtNobits {
			size = s.size
		}
		binary.LittleEndian.PutUint32(sh[0:], names[i])
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[24:], offsets[i])
		binary.LittleEndian.PutUint64(sh[32:], size)
		binary.LittleEndian.PutUint32(sh[40:], s.link)
		binary.LittleEndian.PutUint32(sh[44:], s.info)
		binary.LittleEndian.PutUint64(sh[48:], 8)
		binary.LittleEndian.PutUint64(sh[56:], s.ent)
		out = append(out, sh...)
	}

	var entry uint64
	for _, s := range b.syms {
		if s.name == b.Entry && s.section == ".text" {
			entry = s.value
		}
	}

	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2 // 64-bit
	out[5] = 1 // little endian
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:], 2)   // ET_EXEC
	binary.LittleEndian.PutUint16(out[18:], 247) // EM_BPF
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[24:], entry)
	binary.LittleEndian.PutUint64(out[40:], shoff)
	binary.LittleEndian.PutUint16(out[52:], 64)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], uint16(len(secs)))
	binary.LittleEndian.PutUint16(out[62:], uint16(len(secs)-1))
	return out
}
