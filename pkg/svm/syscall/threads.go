package syscall

import (
	"errors"
	"math"
	"time"

	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// GrowFailed is returned by memory_grow when memory cannot grow.
const GrowFailed = math.MaxUint64

func (r *Registry) registerThreads() {
	r.Register("thread_self", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		th, err := threadQuery(vm)
		if err != nil {
			return 0, err
		}
		return uint64(th.ThreadID()), nil
	})

	// thread_stack_top and thread_tls_base return addresses usable directly
	// by loads and stores.
	r.Register("thread_stack_top", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		th, err := threadQuery(vm)
		if err != nil {
			return 0, err
		}
		return sbpf.MemoryAddr(th.StackTop()), nil
	})

	r.Register("thread_tls_base", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		th, err := threadQuery(vm)
		if err != nil {
			return 0, err
		}
		return sbpf.MemoryAddr(th.TLSBase()), nil
	})

	r.Register("memory_size", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CUThreadQuery); err != nil {
			return 0, err
		}
		return uint64(vm.Memory().Pages()), nil
	})

	// memory_grow(delta) returns the previous size in pages, or GrowFailed.
	r.Register("memory_grow", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CUMemoryGrow); err != nil {
			return 0, err
		}
		if r1 > math.MaxUint32 {
			return GrowFailed, nil
		}
		old, err := vm.Memory().Grow(uint32(r1))
		if err != nil {
			logger(vm).WithError(err).Debug("memory_grow failed")
			return GrowFailed, nil
		}
		return uint64(old), nil
	})

	// memory_atomic_wait32(addr, expected, timeout_ns) returns 0 when woken,
	// 1 when the value differed and 2 on timeout. A negative timeout waits
	// forever.
	r.Register("memory_atomic_wait32", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		off, err := atomicAddr(vm, r1, CUAtomicWait)
		if err != nil {
			return 0, err
		}
		res, err := vm.Memory().Wait32(off, uint32(r2), waitTimeout(r3))
		if err != nil {
			return 0, err
		}
		return uint64(res), nil
	})

	r.Register("memory_atomic_wait64", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		off, err := atomicAddr(vm, r1, CUAtomicWait)
		if err != nil {
			return 0, err
		}
		res, err := vm.Memory().Wait64(off, r2, waitTimeout(r3))
		if err != nil {
			return 0, err
		}
		return uint64(res), nil
	})

	// memory_atomic_notify(addr, count) returns the number of waiters woken.
	r.Register("memory_atomic_notify", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		off, err := atomicAddr(vm, r1, CUAtomicNotify)
		if err != nil {
			return 0, err
		}
		count := uint32(memory.NotifyAll)
		if r2 < math.MaxUint32 {
			count = uint32(r2)
		}
		return uint64(vm.Memory().Notify(off, count)), nil
	})
}

func threadQuery(vm sbpf.VM) (Thread, error) {
	if err := vm.ComputeMeter().Consume(CUThreadQuery); err != nil {
		return nil, err
	}
	return threadOf(vm)
}

func atomicAddr(vm sbpf.VM, addr, cost uint64) (uint64, error) {
	if err := vm.ComputeMeter().Consume(cost); err != nil {
		return 0, err
	}
	return vm.MemoryOffset(addr)
}

func waitTimeout(ns uint64) time.Duration {
	if int64(ns) < 0 {
		return -1
	}
	return time.Duration(ns)
}

// allocFree implements sol_alloc_free_(size, free_ptr) over the shared heap,
// so every context draws from one heap. Free is a no-op. It returns 0 when
// the heap is not set up yet or memory cannot grow to fit.
func allocFree(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := vm.ComputeMeter().Consume(CUAllocBase); err != nil {
		return 0, err
	}
	size := r1
	if r2 != 0 || size == 0 || size > MaxMemOpSize {
		return 0, nil
	}

	off, err := layout.AllocHeap(vm.Memory(), size)
	switch {
	case errors.Is(err, layout.ErrHeapUninitialized), errors.Is(err, layout.ErrHeapExhausted):
		logger(vm).WithError(err).Debug("allocation failed")
		return 0, nil
	case err != nil:
		return 0, err
	}
	return sbpf.MemoryAddr(off), nil
}
