package layout

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/fortiblox/strand/pkg/svm/memory"
)

// HeapAlign is the alignment of every heap allocation.
const HeapAlign = 8

// Heap errors.
var (
	ErrHeapUninitialized = fmt.Errorf("shared heap not initialized: %w", errdefs.ErrFailedPrecondition)
	ErrHeapExhausted     = fmt.Errorf("shared heap exhausted: %w", errdefs.ErrResourceExhausted)
)

// AllocHeap bump-allocates size bytes from the shared heap and returns their
// offset. Any context may call it concurrently: the heap pointer at
// HeapPtrOffset is advanced with compare-and-swap, and memory grows to cover
// the allocation. Heap memory is never freed.
func AllocHeap(mem *memory.Shared, size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrInvalidSize)
	}
	size = alignUp(size, HeapAlign)
	ceiling := uint64(mem.MaxPages()) * memory.PageSize

	for {
		cur, err := mem.Load64(HeapPtrOffset)
		if err != nil {
			return 0, err
		}
		if cur == 0 {
			return 0, ErrHeapUninitialized
		}
		next := cur + size
		if next < cur || next > ceiling {
			return 0, fmt.Errorf("%w: %d bytes at 0x%x", ErrHeapExhausted, size, cur)
		}
		prev, err := mem.CompareAndSwap64(HeapPtrOffset, cur, next)
		if err != nil {
			return 0, err
		}
		if prev != cur {
			continue
		}
		if err := mem.EnsureSize(next); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrHeapExhausted, err)
		}
		return cur, nil
	}
}
