// Package syscall implements the host ABI available to sBPF programs running
// as thread contexts.
//
// Syscalls are host functions callable from sBPF programs. Each syscall
// is identified by a hash of its name (murmur3). Arguments are passed in
// registers r1-r5, and the return value is placed in r0.
//
// One Registry is shared by every context of a runtime. Per-context state
// (thread id, stack and TLS addresses, logger) is reached through the
// interpreter's Context, which must implement Thread.
package syscall

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/containerd/log"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// Syscall errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAborted         = errors.New("program aborted")
	ErrPanicked        = errors.New("program panicked")
	ErrNoThread        = errors.New("syscall requires a thread context")
)

// Compute costs for syscalls.
const (
	CUSyscallBase   = uint64(100)
	CULogBase       = uint64(100)
	CULogPerByte    = uint64(1)
	CULog64         = uint64(100)
	CUMemOpBase     = uint64(10)
	CUMemOpPerByte  = uint64(1)
	CUHashBase      = uint64(85)
	CUHashPerByte   = uint64(1)
	CUThreadQuery   = uint64(10)
	CUAtomicWait    = uint64(100)
	CUAtomicNotify  = uint64(100)
	CUMemoryGrow    = uint64(1000)
	CUAllocBase     = uint64(100)
	maxHashSlices   = 100
	maxPanicFileLen = 256
)

// Maximum sizes.
const (
	MaxLogMsgLen = 10000
	MaxMemOpSize = 10 * 1024 * 1024
)

// Thread is the per-context state syscalls act on.
type Thread interface {
	// Context carries the context's logger.
	Context() context.Context

	ThreadID() uint32

	// StackTop and TLSBase are linear-memory offsets.
	StackTop() uint64
	TLSBase() uint64
}

// Registry holds all registered syscalls.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// NewRegistry creates a registry with every standard syscall.
func NewRegistry() *Registry {
	r := &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}

	r.registerLogging()
	r.registerMemory()
	r.registerCrypto()
	r.registerMisc()
	r.registerThreads()

	return r
}

// Get returns a syscall by its hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Name returns the registered name for hash.
func (r *Registry) Name(hash uint32) (string, bool) {
	n, ok := r.names[hash]
	return n, ok
}

// Lookup returns the registry lookup function.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return r.Get
}

// Register adds or replaces a syscall. It must not be called once contexts
// are running.
func (r *Registry) Register(name string, fn sbpf.SyscallFunc) {
	hash := Murmur3Hash(name)
	r.syscalls[hash] = fn
	r.names[hash] = name
}

// threadOf returns the thread a VM runs for.
func threadOf(vm sbpf.VM) (Thread, error) {
	th, ok := vm.Context().(Thread)
	if !ok {
		return nil, ErrNoThread
	}
	return th, nil
}

// logger returns the context logger for vm, tagged with the thread id when
// vm runs a thread.
func logger(vm sbpf.VM) *log.Entry {
	if th, err := threadOf(vm); err == nil {
		return log.G(th.Context())
	}
	return log.L
}

func (r *Registry) registerLogging() {
	r.Register("sol_log_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := min(r2, MaxLogMsgLen)
		if err := vm.ComputeMeter().Consume(CULogBase + CULogPerByte*msgLen); err != nil {
			return 0, err
		}

		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, err
		}
		logger(vm).WithField("source", "program").Debug(string(msg))
		return 0, nil
	})

	r.Register("sol_log_64_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CULog64); err != nil {
			return 0, err
		}
		logger(vm).WithField("source", "program").
			Debugf("0x%x, 0x%x, 0x%x, 0x%x, 0x%x", r1, r2, r3, r4, r5)
		return 0, nil
	})

	r.Register("sol_log_compute_units_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		meter := vm.ComputeMeter()
		if err := meter.Consume(CUSyscallBase); err != nil {
			return 0, err
		}
		logger(vm).WithField("source", "program").
			Debugf("compute units remaining: %d", meter.Remaining())
		return 0, nil
	})
}

// memOpCost checks a memory operation size and charges for it.
func memOpCost(vm sbpf.VM, n uint64) error {
	if n > MaxMemOpSize {
		return ErrInvalidLength
	}
	return vm.ComputeMeter().Consume(CUMemOpBase + CUMemOpPerByte*n)
}

func (r *Registry) registerMemory() {
	copyFn := func(vm sbpf.VM, dst, src, n, _, _ uint64) (uint64, error) {
		if n == 0 {
			return 0, nil
		}
		if err := memOpCost(vm, n); err != nil {
			return 0, err
		}
		// Read fully before writing so overlapping ranges behave as memmove.
		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		return 0, vm.Write(dst, data)
	}
	r.Register("sol_memcpy_", copyFn)
	r.Register("sol_memmove_", copyFn)

	r.Register("sol_memset_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3
		if n == 0 {
			return 0, nil
		}
		if err := memOpCost(vm, n); err != nil {
			return 0, err
		}
		b, err := vm.Translate(dst, n, true)
		if err != nil {
			return 0, err
		}
		for i := range b {
			b[i] = val
		}
		return 0, nil
	})

	r.Register("sol_memcmp_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		addr1, addr2, n, resultAddr := r1, r2, r3, r4
		if err := memOpCost(vm, n); err != nil {
			return 0, err
		}

		var result int32
		if n > 0 {
			a := make([]byte, n)
			b := make([]byte, n)
			if err := vm.Read(addr1, a); err != nil {
				return 0, err
			}
			if err := vm.Read(addr2, b); err != nil {
				return 0, err
			}
			for i := range a {
				if a[i] != b[i] {
					result = int32(a[i]) - int32(b[i])
					break
				}
			}
		}
		return 0, vm.Write32(resultAddr, uint32(result))
	})

	r.Register("sol_alloc_free_", allocFree)
}

// hashSlices hashes the (ptr, len) slice array at r1 with r2 entries and
// writes the digest to r3.
func hashSlices(vm sbpf.VM, h hash.Hash, r1, r2, r3 uint64) (uint64, error) {
	if r2 > maxHashSlices {
		return 0, ErrInvalidArgument
	}
	meter := vm.ComputeMeter()
	if err := meter.Consume(CUHashBase); err != nil {
		return 0, err
	}

	for i := uint64(0); i < r2; i++ {
		ptr, err := vm.Read64(r1 + i*16)
		if err != nil {
			return 0, err
		}
		length, err := vm.Read64(r1 + i*16 + 8)
		if err != nil {
			return 0, err
		}
		if length > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := meter.Consume(CUHashPerByte * length); err != nil {
			return 0, err
		}
		data, err := vm.Translate(ptr, length, false)
		if err != nil {
			return 0, err
		}
		h.Write(data)
	}

	return 0, vm.Write(r3, h.Sum(nil))
}

func (r *Registry) registerCrypto() {
	r.Register("sol_sha256", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashSlices(vm, sha256.New(), r1, r2, r3)
	})
	r.Register("sol_keccak256", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashSlices(vm, sha3.NewLegacyKeccak256(), r1, r2, r3)
	})
	r.Register("sol_blake3", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return hashSlices(vm, blake3.New(), r1, r2, r3)
	})
}

func (r *Registry) registerMisc() {
	r.Register("abort", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAborted
	})

	r.Register("sol_panic_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		// r1 = filename ptr, r2 = filename len, r3 = line, r4 = column
		filename := make([]byte, min(r2, maxPanicFileLen))
		if err := vm.Read(r1, filename); err != nil {
			return 0, ErrPanicked
		}
		return 0, fmt.Errorf("%w at %s:%d:%d", ErrPanicked, filename, r3, r4)
	})
}

// Murmur3Hash computes the murmur3 hash of a syscall or function name.
func Murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
