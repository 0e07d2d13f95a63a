package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func newShared(t *testing.T, initial, max uint32) *Shared {
	t.Helper()
	m, err := New(initial, max)
	assert.NilError(t, err)
	return m
}

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(1, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(4, 2)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestGrowKeepsBackingBuffer(t *testing.T) {
	m := newShared(t, 1, 4)
	assert.Equal(t, m.Size(), uint64(PageSize))

	before, err := m.Slice(0, 8)
	assert.NilError(t, err)
	before[0] = 0xAB

	old, err := m.Grow(2)
	assert.NilError(t, err)
	assert.Equal(t, old, uint32(1))
	assert.Equal(t, m.Pages(), uint32(3))

	after, err := m.Slice(0, 8)
	assert.NilError(t, err)
	assert.Equal(t, &before[0], &after[0])
	assert.Equal(t, after[0], byte(0xAB))

	_, err = m.Grow(2)
	assert.ErrorIs(t, err, ErrGrow)
	assert.Equal(t, m.Pages(), uint32(3))
}

func TestEnsureSize(t *testing.T) {
	m := newShared(t, 1, 8)
	assert.NilError(t, m.EnsureSize(3*PageSize+1))
	assert.Equal(t, m.Pages(), uint32(4))
	assert.NilError(t, m.EnsureSize(PageSize))
	assert.Equal(t, m.Pages(), uint32(4))
	assert.ErrorIs(t, m.EnsureSize(9*PageSize), ErrGrow)
}

func TestBounds(t *testing.T) {
	m := newShared(t, 1, 2)

	assert.NilError(t, m.Write(PageSize-4, []byte{1, 2, 3, 4}))
	assert.ErrorIs(t, m.Write(PageSize-3, []byte{1, 2, 3, 4}), ErrOutOfBounds)

	// Reserved but not yet visible.
	_, err := m.Slice(PageSize, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = m.Slice(^uint64(0), 2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestAtomics(t *testing.T) {
	m := newShared(t, 1, 1)

	_, err := m.Load32(2)
	assert.ErrorIs(t, err, ErrUnaligned)
	_, err = m.Load64(4)
	assert.ErrorIs(t, err, ErrUnaligned)

	assert.NilError(t, m.Store32(8, 5))
	prev, err := m.CompareAndSwap32(8, 4, 9)
	assert.NilError(t, err)
	assert.Equal(t, prev, uint32(5))
	prev, err = m.CompareAndSwap32(8, 5, 9)
	assert.NilError(t, err)
	assert.Equal(t, prev, uint32(5))
	v, _ := m.Load32(8)
	assert.Equal(t, v, uint32(9))

	tests := []struct {
		op   RMWOp
		in   uint64
		want uint64
	}{
		{RMWAdd, 3, 0xF3},
		{RMWOr, 0x0F, 0xFF},
		{RMWAnd, 0x30, 0x30},
		{RMWXor, 0xFF, 0x0F},
		{RMWXchg, 7, 7},
	}
	for _, tt := range tests {
		assert.NilError(t, m.Store64(16, 0xF0))
		old, err := m.RMW64(16, tt.op, tt.in)
		assert.NilError(t, err)
		assert.Equal(t, old, uint64(0xF0))
		got, _ := m.Load64(16)
		assert.Equal(t, got, tt.want, "op %d", tt.op)

		assert.NilError(t, m.Store32(24, 0xF0))
		old32, err := m.RMW32(24, tt.op, uint32(tt.in))
		assert.NilError(t, err)
		assert.Equal(t, old32, uint32(0xF0))
		got32, _ := m.Load32(24)
		assert.Equal(t, got32, uint32(tt.want), "op %d", tt.op)
	}
}

func TestConcurrentAdd(t *testing.T) {
	m := newShared(t, 1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if _, err := m.Add64(0, 1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	v, err := m.Load64(0)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(8000))
}

func TestWaitNotEqualNeverBlocks(t *testing.T) {
	m := newShared(t, 1, 1)
	assert.NilError(t, m.Store32(0, 1))

	start := time.Now()
	res, err := m.Wait32(0, 0, -1)
	assert.NilError(t, err)
	assert.Equal(t, res, WaitNotEqual)

	res, err = m.Wait64(8, 1, -1)
	assert.NilError(t, err)
	assert.Equal(t, res, WaitNotEqual)
	assert.Assert(t, time.Since(start) < time.Second)
}

func TestWaitTimesOut(t *testing.T) {
	m := newShared(t, 1, 1)

	res, err := m.Wait32(0, 0, 10*time.Millisecond)
	assert.NilError(t, err)
	assert.Equal(t, res, WaitTimedOut)
	assert.Equal(t, m.Waiters(0), 0)
}

func TestWaitMisaligned(t *testing.T) {
	m := newShared(t, 1, 1)
	_, err := m.Wait32(3, 0, 0)
	assert.Assert(t, errors.Is(err, ErrUnaligned))
}

func TestNotifyWithoutWaiters(t *testing.T) {
	m := newShared(t, 1, 1)
	assert.Equal(t, m.Notify(0, 1), uint32(0))
	assert.Equal(t, m.Notify(0, NotifyAll), uint32(0))
}

func waitForWaiters(t *testing.T, m *Shared, addr uint64, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Waiters(addr) < n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", m.Waiters(addr), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotifyCountIsExact(t *testing.T) {
	m := newShared(t, 1, 1)

	const n = 5
	results := make(chan WaitResult, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := m.Wait32(64, 0, 10*time.Second)
			if err != nil {
				t.Error(err)
			}
			results <- res
		}()
	}
	waitForWaiters(t, m, 64, n)

	assert.Equal(t, m.Notify(64, 2), uint32(2))
	assert.Equal(t, <-results, WaitOK)
	assert.Equal(t, <-results, WaitOK)
	assert.Equal(t, m.Waiters(64), n-2)

	// Other addresses are unaffected.
	assert.Equal(t, m.Notify(68, NotifyAll), uint32(0))

	assert.Equal(t, m.Notify(64, NotifyAll), uint32(n-2))
	for i := 0; i < n-2; i++ {
		assert.Equal(t, <-results, WaitOK)
	}
}

// Each round races a store+notify against a waiter that read the old value.
// A lost wakeup would surface as a timeout.
func TestNoLostWakeups(t *testing.T) {
	m := newShared(t, 1, 1)

	const rounds = 1000
	var timeouts int
	for i := 0; i < rounds; i++ {
		addr := uint64(i%128) * 8
		assert.NilError(t, m.Store32(addr, 0))

		done := make(chan WaitResult, 1)
		go func() {
			res, err := m.Wait32(addr, 0, 5*time.Second)
			if err != nil {
				t.Error(err)
			}
			done <- res
		}()

		assert.NilError(t, m.Store32(addr, 1))
		m.Notify(addr, 1)

		if res := <-done; res == WaitTimedOut {
			timeouts++
		}
	}
	assert.Equal(t, timeouts, 0)
}

type countingObserver struct {
	mu    sync.Mutex
	waits map[WaitResult]int
	woken uint32
}

func (o *countingObserver) ObserveWait(r WaitResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits[r]++
}

func (o *countingObserver) ObserveNotify(n uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.woken += n
}

func TestObserver(t *testing.T) {
	m := newShared(t, 1, 1)
	obs := &countingObserver{waits: map[WaitResult]int{}}
	m.SetObserver(obs)

	_, _ = m.Wait32(0, 1, 0)
	_, _ = m.Wait32(0, 0, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_, _ = m.Wait32(0, 0, -1)
		close(done)
	}()
	waitForWaiters(t, m, 0, 1)
	m.Notify(0, 1)
	<-done

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, obs.waits[WaitNotEqual], 1)
	assert.Equal(t, obs.waits[WaitTimedOut], 1)
	assert.Equal(t, obs.waits[WaitOK], 1)
	assert.Equal(t, obs.woken, uint32(1))
}
