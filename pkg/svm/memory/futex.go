package memory

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// WaitResult is the outcome of Wait32/Wait64. The numeric values are the
// ones returned to programs by the memory_atomic_wait syscalls.
type WaitResult uint32

const (
	// WaitOK means the waiter was woken by Notify.
	WaitOK WaitResult = 0
	// WaitNotEqual means the word did not hold the expected value, so the
	// caller never blocked.
	WaitNotEqual WaitResult = 1
	// WaitTimedOut means the timeout elapsed before a Notify arrived.
	WaitTimedOut WaitResult = 2
)

func (r WaitResult) String() string {
	switch r {
	case WaitOK:
		return "ok"
	case WaitNotEqual:
		return "not-equal"
	case WaitTimedOut:
		return "timed-out"
	}
	return "unknown"
}

// NotifyAll wakes every waiter on an address.
const NotifyAll = math.MaxUint32

// Observer receives synchronization events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveWait(result WaitResult)
	ObserveNotify(woken uint32)
}

// SetObserver installs o. It must be called before the region is shared.
func (m *Shared) SetObserver(o Observer) {
	m.observer = o
}

const futexBuckets = 64

type waiter struct {
	woken bool
	ch    chan struct{}
}

type futexBucket struct {
	mu      sync.Mutex
	waiters map[uint64]*list.List
}

type futexTable struct {
	buckets [futexBuckets]futexBucket
}

func (t *futexTable) bucket(addr uint64) *futexBucket {
	// Words are at least 4-byte aligned, so drop the low bits before hashing.
	h := (addr >> 2) * 0x9E3779B97F4A7C15
	return &t.buckets[h>>58]
}

// Wait32 blocks while the 32-bit word at addr equals expected, until woken by
// Notify or until timeout elapses. A negative timeout waits forever.
func (m *Shared) Wait32(addr uint64, expected uint32, timeout time.Duration) (WaitResult, error) {
	p, err := m.word32(addr)
	if err != nil {
		return 0, err
	}
	return m.wait(addr, timeout, func() bool { return atomic.LoadUint32(p) == expected }), nil
}

// Wait64 is the 64-bit form of Wait32.
func (m *Shared) Wait64(addr uint64, expected uint64, timeout time.Duration) (WaitResult, error) {
	p, err := m.word64(addr)
	if err != nil {
		return 0, err
	}
	return m.wait(addr, timeout, func() bool { return atomic.LoadUint64(p) == expected }), nil
}

func (m *Shared) wait(addr uint64, timeout time.Duration, matches func() bool) WaitResult {
	b := m.futex.bucket(addr)

	// The value check and the enqueue happen under the bucket lock that
	// Notify takes, so a store+notify cannot slip between them.
	b.mu.Lock()
	if !matches() {
		b.mu.Unlock()
		m.observeWait(WaitNotEqual)
		return WaitNotEqual
	}
	w := &waiter{ch: make(chan struct{})}
	if b.waiters == nil {
		b.waiters = make(map[uint64]*list.List)
	}
	q, ok := b.waiters[addr]
	if !ok {
		q = list.New()
		b.waiters[addr] = q
	}
	elem := q.PushBack(w)
	b.mu.Unlock()

	if timeout < 0 {
		<-w.ch
		m.observeWait(WaitOK)
		return WaitOK
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		m.observeWait(WaitOK)
		return WaitOK
	case <-timer.C:
	}

	b.mu.Lock()
	if w.woken {
		// Notify won the race with the timer and already counted us.
		b.mu.Unlock()
		m.observeWait(WaitOK)
		return WaitOK
	}
	q.Remove(elem)
	if q.Len() == 0 {
		delete(b.waiters, addr)
	}
	b.mu.Unlock()

	m.observeWait(WaitTimedOut)
	return WaitTimedOut
}

// Notify wakes up to count waiters blocked on addr in FIFO order and returns
// how many were woken. Notifying an address nobody waits on returns 0.
func (m *Shared) Notify(addr uint64, count uint32) uint32 {
	b := m.futex.bucket(addr)

	b.mu.Lock()
	var woken uint32
	if q, ok := b.waiters[addr]; ok {
		for woken < count && q.Len() > 0 {
			w := q.Remove(q.Front()).(*waiter)
			w.woken = true
			close(w.ch)
			woken++
		}
		if q.Len() == 0 {
			delete(b.waiters, addr)
		}
	}
	b.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveNotify(woken)
	}
	return woken
}

// Waiters returns the number of contexts currently blocked on addr.
func (m *Shared) Waiters(addr uint64) int {
	b := m.futex.bucket(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.waiters[addr]; ok {
		return q.Len()
	}
	return 0
}

func (m *Shared) observeWait(r WaitResult) {
	if m.observer != nil {
		m.observer.ObserveWait(r)
	}
}
