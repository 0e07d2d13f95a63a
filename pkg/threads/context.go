// Package threads runs one program image as many thread contexts over a
// single shared linear memory.
//
// Every context executes the same bootstrap before running program code:
//
//  1. bind its stack pointer to the assigned stack top
//  2. initialize static memory, exactly once for the whole process
//  3. initialize its own TLS block
//  4. run the heap hook with the process-wide heap base
//  5. enter its designated entry point
//
// Contexts are created through the spawn protocol (Runtime.Spawn) and then
// communicate only through shared memory and wait/notify.
package threads

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// Status is the lifecycle word a context publishes in the status table.
type Status uint32

// Thread status values.
const (
	StatusIdle Status = iota
	StatusStarting
	StatusReady
	StatusExited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Context errors.
var (
	// ErrInitialization wraps a failure in steps 2-4 of the bootstrap. It is
	// fatal to the failing context only.
	ErrInitialization = errors.New("thread initialization failed")

	ErrNotInitialized = errors.New("thread context not initialized")
	ErrNoFunction     = errors.New("no such function in image")
)

// DefaultComputeBudget is the compute budget of each program invocation.
const DefaultComputeBudget = 1_400_000

// ThreadInfoSize is the size of the read-only thread-info block mapped at
// sbpf.VaddrInput: thread_id, stack_top and tls_base as u64 offsets.
const ThreadInfoSize = 24

// ContextOpts configures a Context.
type ContextOpts struct {
	ComputeBudget uint64
	Syscalls      sbpf.SyscallRegistry

	// OnceWait bounds each wait on another context's memory initializer.
	OnceWait time.Duration

	// OnInit, if set, receives the outcome of the once-guarded memory
	// initializer as seen by this context.
	OnInit func(ran bool, err error)
}

// Context is one running instance of a program image. It is not safe for
// concurrent use: it belongs to the host that runs it.
type Context struct {
	ctx  context.Context
	img  *image.Image
	mem  *memory.Shared
	desc layout.Descriptor
	vm   *sbpf.Interpreter
	once *Once

	onInit func(bool, error)

	sp          uint64
	heapBase    uint64
	initialized bool
}

// NewContext builds a context for desc over mem. Nothing runs until
// Initialize.
func NewContext(ctx context.Context, img *image.Image, mem *memory.Shared, desc layout.Descriptor, opts ContextOpts) *Context {
	if opts.ComputeBudget == 0 {
		opts.ComputeBudget = DefaultComputeBudget
	}

	info := make([]byte, ThreadInfoSize)
	binary.LittleEndian.PutUint64(info[0:], uint64(desc.ThreadID))
	binary.LittleEndian.PutUint64(info[8:], desc.StackTop)
	binary.LittleEndian.PutUint64(info[16:], desc.TLSBase)

	c := &Context{
		ctx:    log.WithLogger(ctx, log.G(ctx).WithField("thread", desc.ThreadID)),
		img:    img,
		mem:    mem,
		desc:   desc,
		once:   NewOnce(mem, layout.GuardOffset, opts.OnceWait),
		onInit: opts.OnInit,
	}
	c.vm = sbpf.NewInterpreter(img.Program(), info, sbpf.InterpreterOpts{
		Memory:    mem,
		StackTop:  desc.StackTop,
		StackSize: img.Layout().StackSize,
		MaxCU:     opts.ComputeBudget,
		Syscalls:  opts.Syscalls,
		Context:   c,
	})
	return c
}

// Context returns the logging context of the thread.
func (c *Context) Context() context.Context { return c.ctx }

// ThreadID returns the thread id.
func (c *Context) ThreadID() uint32 { return c.desc.ThreadID }

// StackTop returns the linear offset of the thread's stack block.
func (c *Context) StackTop() uint64 { return c.desc.StackTop }

// TLSBase returns the linear offset of the thread's TLS block.
func (c *Context) TLSBase() uint64 { return c.desc.TLSBase }

// Descriptor returns the thread descriptor.
func (c *Context) Descriptor() layout.Descriptor { return c.desc }

// StackPointer returns the linear offset the thread's stack grows from. It
// is zero until Initialize has bound it.
func (c *Context) StackPointer() uint64 { return c.sp }

// HeapBase returns the process-wide heap base seen by this context.
func (c *Context) HeapBase() uint64 { return c.heapBase }

// Image returns the program image the context runs.
func (c *Context) Image() *image.Image { return c.img }

// Memory returns the shared memory the context is bound to.
func (c *Context) Memory() *memory.Shared { return c.mem }

// Initialize runs bootstrap steps 1 through 4 and publishes StatusReady.
// On failure the context publishes StatusFailed and must not be used.
func (c *Context) Initialize() error {
	// Step 1.
	c.sp = c.vm.Stack().Top() - sbpf.VaddrMemory
	if err := c.setStatus(StatusStarting); err != nil {
		return err
	}

	err := c.initialize()
	if err != nil {
		log.G(c.ctx).WithError(err).Warn("thread initialization failed")
		c.setStatus(StatusFailed)
		return err
	}

	c.initialized = true
	log.G(c.ctx).WithField("stack_top", fmt.Sprintf("0x%x", c.sp)).Debug("thread ready")
	return c.setStatus(StatusReady)
}

func (c *Context) initialize() error {
	ran, err := c.once.Do(c.ctx, c.initMemory)
	if c.onInit != nil {
		c.onInit(ran, err)
	}
	if err != nil {
		return fmt.Errorf("%w: static memory: %w", ErrInitialization, err)
	}
	if err := c.initTLS(); err != nil {
		return fmt.Errorf("%w: tls: %w", ErrInitialization, err)
	}
	if err := c.initHeap(); err != nil {
		return fmt.Errorf("%w: heap: %w", ErrInitialization, err)
	}
	return nil
}

// initMemory is the once-guarded body: it lays down the data segment, zeroes
// bss and runs the global constructors. A failure restores the static region
// so waiters never observe partial initialization.
func (c *Context) initMemory() error {
	l := c.img.Layout()
	data, bss := c.img.Data()

	snapshot := make([]byte, l.DataSize)
	if err := c.mem.Read(l.DataBase, snapshot); err != nil {
		return err
	}

	err := c.populate(l.DataBase, data, bss)
	if err == nil {
		if pc, ok := c.img.Function(image.InitGlobalsName); ok {
			_, err = c.vm.Invoke(pc)
		}
	}
	if err != nil {
		if rerr := c.mem.Write(l.DataBase, snapshot); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	log.G(c.ctx).Debug("static memory initialized")
	return nil
}

func (c *Context) initTLS() error {
	tdata, _ := c.img.TLSTemplate()
	size := c.img.Layout().TLSSize
	if size == 0 {
		return nil
	}
	return c.populate(c.desc.TLSBase, tdata, size-uint64(len(tdata)))
}

// populate writes init at off followed by zeros zeroed bytes.
func (c *Context) populate(off uint64, init []byte, zeros uint64) error {
	if err := c.mem.Write(off, init); err != nil {
		return err
	}
	return c.mem.Zero(off+uint64(len(init)), zeros)
}

// initHeap publishes the heap base on first use and runs the image's heap
// hook with it. The first context to get here is told so.
func (c *Context) initHeap() error {
	base := c.img.Layout().HeapBase
	prev, err := c.mem.CompareAndSwap64(layout.HeapPtrOffset, 0, base)
	if err != nil {
		return err
	}
	first := prev == 0
	c.heapBase = base

	pc, ok := c.img.Function(image.InitHeapName)
	if !ok {
		return nil
	}
	var flag uint64
	if first {
		flag = 1
	}
	_, err = c.vm.Invoke(pc, sbpf.MemoryAddr(base), flag)
	return err
}

// Enter runs step 5: the entry point selected by kind from entries.
func (c *Context) Enter(entries EntryTable, kind EntryKind, arg uint64) (uint64, error) {
	if !c.initialized {
		return 0, ErrNotInitialized
	}
	e, err := entries.lookup(c.img, kind)
	if err != nil {
		return 0, err
	}
	return e.Fn(c, arg)
}

// Call invokes a named image function with up to five arguments.
func (c *Context) Call(name string, args ...uint64) (uint64, error) {
	pc, ok := c.img.Function(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoFunction, name)
	}
	return c.CallAt(pc, args...)
}

// CallAt invokes the function at instruction pc.
func (c *Context) CallAt(pc uint64, args ...uint64) (uint64, error) {
	if !c.initialized {
		return 0, ErrNotInitialized
	}
	return c.vm.Invoke(pc, args...)
}

// Exit publishes the final status of the context. It is called by the host
// once the entry point returned.
func (c *Context) Exit(err error) {
	st := StatusExited
	if err != nil {
		st = StatusFailed
	}
	c.initialized = false
	c.setStatus(st)
}

func (c *Context) setStatus(s Status) error {
	addr := c.img.Layout().StatusAddr(c.desc.ThreadID)
	if err := c.mem.Store32(addr, uint32(s)); err != nil {
		return err
	}
	c.mem.Notify(addr, memory.NotifyAll)
	return nil
}
