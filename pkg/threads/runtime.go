package threads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/svm/syscall"
)

// DefaultMaxPages caps memory growth at 16 MiB.
const DefaultMaxPages = 256

// Spawn failure reasons reported to the Observer.
const (
	ReasonLayout = "layout"
	ReasonImage  = "image"
	ReasonEntry  = "entry"
	ReasonHost   = "host"
)

// ErrInvalidConfig is returned for an unusable runtime configuration.
var ErrInvalidConfig = errors.New("invalid runtime configuration")

// Observer receives runtime lifecycle events. Implementations must be safe
// for concurrent use.
type Observer interface {
	ThreadSpawned(entry EntryKind)
	SpawnFailed(reason string, err error)
	MemoryInitialized(ran bool, err error)
	ThreadExited(entry EntryKind, err error)
}

type nopObserver struct{}

func (nopObserver) ThreadSpawned(EntryKind)       {}
func (nopObserver) SpawnFailed(string, error)     {}
func (nopObserver) MemoryInitialized(bool, error) {}
func (nopObserver) ThreadExited(EntryKind, error) {}

// Config configures a Runtime.
type Config struct {
	// InitialPages is the starting memory size. Zero sizes memory to hold
	// every automatically allocated thread block.
	InitialPages uint32

	// MaxPages bounds memory growth.
	MaxPages uint32

	// ComputeBudget is the budget of each program invocation.
	ComputeBudget uint64

	// OnceWait bounds each wait on the memory initializer.
	OnceWait time.Duration

	// Hosts creates execution hosts. Defaults to unlimited OS thread hosts.
	Hosts HostFactory

	// Entries maps entry kinds to entry points. Defaults to DefaultEntries.
	Entries EntryTable

	// Syscalls is the host ABI. Defaults to syscall.NewRegistry.
	Syscalls *syscall.Registry

	Observer Observer

	// MemoryObserver receives wait/notify events of the shared memory.
	MemoryObserver memory.Observer
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		MaxPages:      DefaultMaxPages,
		ComputeBudget: DefaultComputeBudget,
		OnceWait:      DefaultOnceWait,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxPages == 0 {
		c.MaxPages = max(d.MaxPages, c.InitialPages)
	}
	if c.ComputeBudget == 0 {
		c.ComputeBudget = d.ComputeBudget
	}
	if c.OnceWait == 0 {
		c.OnceWait = d.OnceWait
	}
	if c.Hosts == nil {
		c.Hosts = NewOSThreadHosts(0)
	}
	if c.Entries == nil {
		c.Entries = DefaultEntries()
	}
	if c.Syscalls == nil {
		c.Syscalls = syscall.NewRegistry()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxPages > memory.MaxPages {
		return fmt.Errorf("%w: max pages %d above %d", ErrInvalidConfig, c.MaxPages, memory.MaxPages)
	}
	if c.InitialPages > c.MaxPages {
		return fmt.Errorf("%w: initial pages %d above max pages %d", ErrInvalidConfig, c.InitialPages, c.MaxPages)
	}
	if c.OnceWait < 0 {
		return fmt.Errorf("%w: once wait must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Runtime owns the shared memory of one program image and the contexts
// running over it.
type Runtime struct {
	img      *image.Image
	mem      *memory.Shared
	layout   *layout.Manager
	cfg      Config
	syscalls *syscall.Registry
	entries  EntryTable
	hosts    HostFactory
	observer Observer

	mu      sync.Mutex
	threads map[uint32]*Thread
	live    int
	// idle is closed while no spawned thread is live.
	idle chan struct{}
}

// New creates the shared memory for img and a runtime over it. No context
// runs until Attach or Spawn.
func New(img *image.Image, cfg Config) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	l := img.Layout()
	if cfg.InitialPages == 0 {
		cfg.InitialPages = l.MinPages()
		cfg.MaxPages = max(cfg.MaxPages, cfg.InitialPages)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if size := uint64(cfg.InitialPages) * memory.PageSize; size < l.ThreadAreaBase {
		return nil, fmt.Errorf("%w: %d pages cannot hold the static region ending at 0x%x",
			layout.ErrLayout, cfg.InitialPages, l.ThreadAreaBase)
	}

	mem, err := memory.New(cfg.InitialPages, cfg.MaxPages)
	if err != nil {
		return nil, err
	}
	if cfg.MemoryObserver != nil {
		mem.SetObserver(cfg.MemoryObserver)
	}

	return &Runtime{
		img:      img,
		mem:      mem,
		layout:   layout.NewManager(l),
		cfg:      cfg,
		syscalls: cfg.Syscalls,
		entries:  cfg.Entries,
		hosts:    cfg.Hosts,
		observer: cfg.Observer,
		threads:  make(map[uint32]*Thread),
		idle:     closedChan(),
	}, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Image returns the program image.
func (r *Runtime) Image() *image.Image { return r.img }

// Memory returns the shared memory.
func (r *Runtime) Memory() *memory.Shared { return r.mem }

// Layout returns the layout manager tracking live thread blocks.
func (r *Runtime) Layout() *layout.Manager { return r.layout }

// Entries returns the runtime's entry table.
func (r *Runtime) Entries() EntryTable { return r.entries }

// Guard returns the memory initializer's once-guard.
func (r *Runtime) Guard() *Once {
	return NewOnce(r.mem, layout.GuardOffset, r.cfg.OnceWait)
}

// Attach creates the originating context on the calling goroutine and runs
// its initialization. It takes the lowest free thread id, which is 0 on a
// fresh runtime. The caller owns the context and must Detach it.
func (r *Runtime) Attach(ctx context.Context) (*Context, error) {
	if err := r.img.Check(r.syscalls.Lookup()); err != nil {
		return nil, err
	}
	desc, err := r.layout.Allocate(r.mem.Size())
	if err != nil {
		return nil, err
	}

	c := NewContext(ctx, r.img, r.mem, desc, r.contextOpts())
	if err := c.Initialize(); err != nil {
		r.layout.Release(desc.ThreadID)
		return nil, err
	}
	log.G(ctx).WithField("thread", desc.ThreadID).Debug("attached originating context")
	return c, nil
}

// Detach publishes the exit status of an attached context and frees its
// block.
func (r *Runtime) Detach(c *Context, err error) {
	c.Exit(err)
	r.layout.Release(c.ThreadID())
}

// RunMain attaches an originating context, runs the main entry with arg and
// detaches.
func (r *Runtime) RunMain(ctx context.Context, arg uint64) (result uint64, err error) {
	c, err := r.Attach(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { r.Detach(c, err) }()
	return c.Enter(r.entries, EntryMain, arg)
}

// Threads returns the live spawned threads.
func (r *Runtime) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

// Wait blocks until every spawned thread finished or ctx is done. Threads
// spawned while Wait blocks are waited for too.
func (r *Runtime) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle, live := r.idle, r.live
		r.mu.Unlock()
		if live == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runtime) contextOpts() ContextOpts {
	return ContextOpts{
		ComputeBudget: r.cfg.ComputeBudget,
		Syscalls:      r.syscalls.Lookup(),
		OnceWait:      r.cfg.OnceWait,
		OnInit:        r.observer.MemoryInitialized,
	}
}

func (r *Runtime) track(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t.ID()] = t
	if r.live == 0 {
		r.idle = make(chan struct{})
	}
	r.live++
}

// exited accounts for a tracked thread that finished or never started.
func (r *Runtime) exited() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live--
	if r.live == 0 {
		close(r.idle)
	}
}

func (r *Runtime) untrack(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threads[t.ID()] == t {
		delete(r.threads, t.ID())
	}
}

func (r *Runtime) thread(id uint32) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[id]
}
