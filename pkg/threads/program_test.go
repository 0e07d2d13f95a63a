package threads

import (
	"errors"
	"sync/atomic"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fortiblox/strand/internal/elftest"
	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// Offsets within the data segment of the test program.
const (
	offInitRuns  = 0  // .data: incremented by __init_globals
	offMarker    = 8  // .data: initialized to dataMarker
	offSeen      = 16 // .bss: seen[id] = thread_self()
	offObserved  = 80 // .bss: observed[id] = init runs seen at entry
	offHeapCalls = 144
	offHeapFirst = 152

	dataMarker  = 0x2a
	tlsTemplate = 0xabababababababab
	testThreads = 8
	testStack   = 8 * sbpf.FrameSize
)

var testConfig = image.Config{MaxThreads: testThreads, StackSize: testStack}

func ins(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return sbpf.Encode(op, dst, src, off, imm)
}

func lddw(dst uint8) []uint64 {
	lo, hi := sbpf.EncodeLddw(dst, 0)
	return []uint64{lo, hi}
}

// program assembles instruction groups and records where each starts.
type program struct {
	text []uint64
	b    *elftest.Builder
}

func (p *program) pc() uint64 { return uint64(len(p.text)) }

func (p *program) emit(ins ...uint64) { p.text = append(p.text, ins...) }

func (p *program) load(dst uint8, sym string) {
	p.b.Reloc(p.pc(), elftest.RelocLddw, sym)
	p.emit(lddw(dst)...)
}

func (p *program) syscall(name string) {
	p.b.Reloc(p.pc(), elftest.RelocCall, name)
	p.emit(ins(sbpf.OpCall, 0, 0, 0, -1))
}

func (p *program) fn(name string) { p.b.Func(name, p.pc()) }

func (p *program) bytes() []byte {
	p.b.Text = p.text
	return p.b.Bytes()
}

func newProgram() *program {
	data := make([]byte, 16)
	data[offMarker] = dataMarker
	tdata := make([]byte, 8)
	for i := range tdata {
		tdata[i] = 0xab
	}
	b := &elftest.Builder{
		Data:  data,
		BSS:   160,
		TData: tdata,
		TBSS:  8,
		Entry: "main",
	}
	b.Object("init_runs", ".data", offInitRuns).
		Object("marker", ".data", offMarker).
		Object("seen", ".bss", offSeen-16).
		Object("heap_calls", ".bss", offHeapCalls-16).
		Object("heap_first", ".bss", offHeapFirst-16)
	return &program{b: b}
}

// testObject is a program whose entries record what each context observed.
func testObject(imports ...string) []byte {
	p := newProgram()

	// main(info, arg) returns the thread id from the thread-info block.
	p.fn("main")
	p.emit(
		ins(sbpf.OpLdxdw, 0, 1, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)

	p.fn(image.InitGlobalsName)
	p.load(1, "init_runs")
	p.emit(
		ins(sbpf.OpMov64Imm, 2, 0, 0, 1),
		ins(sbpf.OpAtomicDW, 1, 2, 0, sbpf.AtomicAdd),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)

	// child_entry_point(thread_id, arg) stores thread_self() and the
	// initializer run count, and returns thread_self().
	p.fn(image.ChildEntryName)
	p.emit(ins(sbpf.OpMov64Reg, 6, 1, 0, 0))
	p.syscall("thread_self")
	p.emit(
		ins(sbpf.OpJeqReg, 0, 6, 2, 0),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)
	p.load(7, "seen")
	p.emit(
		ins(sbpf.OpMov64Reg, 8, 0, 0, 0),
		ins(sbpf.OpLsh64Imm, 8, 0, 0, 3),
		ins(sbpf.OpAdd64Reg, 7, 8, 0, 0),
		ins(sbpf.OpStxdw, 7, 0, 0, 0),
	)
	p.load(2, "init_runs")
	p.emit(
		ins(sbpf.OpLdxdw, 3, 2, 0, 0),
		ins(sbpf.OpStxdw, 7, 3, offObserved-offSeen, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)

	// __init_heap(heap_base, first) counts calls and records the base
	// passed to the first caller.
	p.fn(image.InitHeapName)
	p.load(3, "heap_calls")
	p.emit(
		ins(sbpf.OpMov64Imm, 4, 0, 0, 1),
		ins(sbpf.OpAtomicDW, 3, 4, 0, sbpf.AtomicAdd),
		ins(sbpf.OpJeqImm, 2, 0, 3, 0),
	)
	p.load(3, "heap_first")
	p.emit(
		ins(sbpf.OpStxdw, 3, 1, 0, 0),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)

	// tls_probe(v) stores v after the TLS template and returns the
	// template word.
	p.fn("tls_probe")
	p.emit(ins(sbpf.OpMov64Reg, 6, 1, 0, 0))
	p.syscall("thread_tls_base")
	p.emit(
		ins(sbpf.OpStxdw, 0, 6, 8, 0),
		ins(sbpf.OpLdxdw, 0, 0, 0, 0),
		ins(sbpf.OpExit, 0, 0, 0, 0),
	)

	for _, name := range imports {
		p.syscall(name)
	}
	return p.bytes()
}

// failingObject has a global constructor that writes the data segment and
// then aborts.
// mainOnlyObject defines main and nothing a spawned context could enter.
func mainOnlyObject() []byte {
	p := newProgram()
	p.fn("main")
	p.emit(ins(sbpf.OpMov64Imm, 0, 0, 0, 5), ins(sbpf.OpExit, 0, 0, 0, 0))
	return p.bytes()
}

func failingObject() []byte {
	p := newProgram()
	p.fn("main")
	p.emit(ins(sbpf.OpMov64Imm, 0, 0, 0, 0), ins(sbpf.OpExit, 0, 0, 0, 0))
	p.fn(image.ChildEntryName)
	p.emit(ins(sbpf.OpMov64Imm, 0, 0, 0, 0), ins(sbpf.OpExit, 0, 0, 0, 0))
	p.fn(image.InitGlobalsName)
	p.load(1, "marker")
	p.emit(ins(sbpf.OpStdw, 1, 0, 0, 0x99))
	p.syscall("abort")
	p.emit(ins(sbpf.OpExit, 0, 0, 0, 0))
	return p.bytes()
}

func compile(t *testing.T, raw []byte) *image.Image {
	t.Helper()
	img, err := image.Compile(raw, testConfig)
	assert.NilError(t, err)
	return img
}

// countingHosts counts host creations.
type countingHosts struct {
	inner HostFactory
	n     atomic.Int32
}

func (c *countingHosts) NewHost(boot BootFunc) (Host, error) {
	c.n.Add(1)
	return c.inner.NewHost(boot)
}

// rejectingHosts creates real hosts whose Post always fails.
type rejectingHosts struct {
	inner *OSThreadHosts
}

var errRejected = errors.New("host rejected startup message")

func (r *rejectingHosts) NewHost(boot BootFunc) (Host, error) {
	h, err := r.inner.NewHost(boot)
	if err != nil {
		return nil, err
	}
	return rejectingHost{h}, nil
}

type rejectingHost struct{ Host }

func (rejectingHost) Post(StartupMessage) error { return errRejected }

// recorder is an Observer that counts events.
type recorder struct {
	spawned  atomic.Int32
	failed   atomic.Int32
	initRan  atomic.Int32
	initSeen atomic.Int32
	exited   atomic.Int32
}

func (r *recorder) ThreadSpawned(EntryKind)       { r.spawned.Add(1) }
func (r *recorder) SpawnFailed(string, error)     { r.failed.Add(1) }
func (r *recorder) ThreadExited(EntryKind, error) { r.exited.Add(1) }

func (r *recorder) MemoryInitialized(ran bool, err error) {
	r.initSeen.Add(1)
	if ran {
		r.initRan.Add(1)
	}
}
