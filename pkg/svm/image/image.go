// Package image compiles sBPF ELF objects into immutable program images that
// any number of thread contexts can share.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/strand/internal/types"
	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/loader"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// Well-known function names.
const (
	// ChildEntryName is called by spawned contexts as
	// child_entry_point(thread_id, arg).
	ChildEntryName = "child_entry_point"

	// InitGlobalsName runs once process-wide after the data segment is
	// in place.
	InitGlobalsName = "__init_globals"

	// InitHeapName is called by every context as
	// __init_heap(heap_base, first) once the shared heap pointer is set.
	InitHeapName = "__init_heap"
)

// Default configuration values.
const (
	DefaultMaxThreads = 64
	DefaultStackSize  = 8 * sbpf.FrameSize
)

// Image errors. Both are instantiation failures: the image cannot run in a
// new context.
var (
	ErrInvalidImage      = fmt.Errorf("invalid program image: %w", errdefs.ErrInvalidArgument)
	ErrImageIncompatible = fmt.Errorf("incompatible program image: %w", errdefs.ErrInvalidArgument)
	ErrInvalidConfig     = errors.New("invalid image configuration")
)

// Config sizes the memory layout an image is compiled for.
type Config struct {
	// MaxThreads bounds the number of live thread contexts.
	MaxThreads uint32

	// StackSize is the size of each context's stack block.
	StackSize uint64
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		MaxThreads: DefaultMaxThreads,
		StackSize:  DefaultStackSize,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxThreads == 0 {
		c.MaxThreads = d.MaxThreads
	}
	if c.StackSize == 0 {
		c.StackSize = d.StackSize
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxThreads == 0 {
		return fmt.Errorf("%w: max threads must be positive", ErrInvalidConfig)
	}
	if c.StackSize < sbpf.FrameSize || c.StackSize%layout.StackAlign != 0 {
		return fmt.Errorf("%w: stack size %d must hold a frame and be %d-byte aligned",
			ErrInvalidConfig, c.StackSize, layout.StackAlign)
	}
	return nil
}

// Image is a compiled program. It is never modified after Compile.
type Image struct {
	id      types.ImageID
	exe     *loader.Executable
	program *sbpf.Program
	layout  *layout.Layout
	config  Config
}

// Compile loads raw, which may be zstd-compressed, into an image laid out
// for cfg. The image ID is the digest of the uncompressed bytes.
func Compile(raw []byte, cfg Config) (*Image, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if loader.IsCompressed(raw) {
		var err error
		if raw, err = loader.Decompress(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}

	exe, err := loader.Load(raw, loader.Options{DataBase: layout.DataBase(cfg.MaxThreads)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return build(types.ComputeImageID(raw), exe, cfg)
}

// FromExecutable builds an image from an already loaded executable. Its data
// must have been relocated for layout.DataBase(cfg.MaxThreads).
func FromExecutable(exe *loader.Executable, cfg Config) (*Image, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(digest(exe), exe, cfg)
}

func build(id types.ImageID, exe *loader.Executable, cfg Config) (*Image, error) {
	l, err := layout.New(layout.Config{
		MaxThreads: cfg.MaxThreads,
		StackSize:  cfg.StackSize,
		TLSSize:    exe.TLSSize(),
		DataSize:   exe.DataSize(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if exe.DataSize() > 0 && exe.DataBase != l.DataBase {
		return nil, fmt.Errorf("%w: data relocated for 0x%x, layout expects 0x%x", ErrInvalidImage, exe.DataBase, l.DataBase)
	}
	return &Image{
		id:      id,
		exe:     exe,
		program: exe.ToProgram(),
		layout:  l,
		config:  cfg,
	}, nil
}

// digest hashes the loaded sections of exe.
func digest(exe *loader.Executable) types.ImageID {
	h := blake3.New()
	var buf [8]byte
	for _, ins := range exe.Text {
		binary.LittleEndian.PutUint64(buf[:], ins)
		h.Write(buf[:])
	}
	for _, part := range [][]byte{exe.RO, exe.Data, exe.TData} {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(part)))
		h.Write(buf[:])
		h.Write(part)
	}
	var id types.ImageID
	h.Sum(id[:0])
	return id
}

// ID returns the image digest.
func (img *Image) ID() types.ImageID { return img.id }

// Program returns the shared sBPF program.
func (img *Image) Program() *sbpf.Program { return img.program }

// Layout returns the memory layout the image was compiled for.
func (img *Image) Layout() *layout.Layout { return img.layout }

// Config returns the configuration the image was compiled with.
func (img *Image) Config() Config { return img.config }

// Data returns the initial data segment and the bss size that follows it.
func (img *Image) Data() ([]byte, uint64) { return img.exe.Data, img.exe.BSSSize }

// TLSTemplate returns the TLS initialization image and the tbss size.
func (img *Image) TLSTemplate() ([]byte, uint64) { return img.exe.TData, img.exe.TBSSSize }

// MainEntry returns the instruction index of the ELF entry point.
func (img *Image) MainEntry() uint64 { return img.exe.Entry }

// Function returns the instruction index of a named function.
func (img *Image) Function(name string) (uint64, bool) { return img.exe.Function(name) }

// Imports returns the syscall names the image calls, keyed by hash.
func (img *Image) Imports() map[uint32]string { return img.exe.Imports }

// Check verifies that the image can be instantiated against a host ABI:
// every imported syscall must resolve and every entry point must lie within
// the program text.
func (img *Image) Check(syscalls sbpf.SyscallRegistry) error {
	for _, hash := range img.exe.Syscalls() {
		if _, ok := syscalls(hash); !ok {
			return fmt.Errorf("%w: unknown syscall %q", ErrImageIncompatible, img.exe.Imports[hash])
		}
	}

	n := uint64(len(img.exe.Text))
	if img.exe.Entry >= n {
		return fmt.Errorf("%w: entry point %d beyond %d instructions", ErrImageIncompatible, img.exe.Entry, n)
	}
	for _, name := range []string{ChildEntryName, InitGlobalsName, InitHeapName} {
		if pc, ok := img.Function(name); ok && pc >= n {
			return fmt.Errorf("%w: %s at %d beyond %d instructions", ErrImageIncompatible, name, pc, n)
		}
	}
	return nil
}

// IsInstantiationError reports whether err means the image cannot run.
func IsInstantiationError(err error) bool {
	return errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrImageIncompatible)
}
