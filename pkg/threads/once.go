package threads

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/fortiblox/strand/pkg/svm/memory"
)

// GuardState is the value of a once-guard word.
type GuardState uint32

// Once-guard states. Failed is terminal.
const (
	GuardUninit GuardState = iota
	GuardRunning
	GuardDone
	GuardFailed
)

func (s GuardState) String() string {
	switch s {
	case GuardUninit:
		return "uninitialized"
	case GuardRunning:
		return "in-progress"
	case GuardDone:
		return "done"
	case GuardFailed:
		return "failed"
	}
	return fmt.Sprintf("GuardState(%d)", uint32(s))
}

// ErrInitFailed is returned by every caller of a guard whose initializer
// failed.
var ErrInitFailed = fmt.Errorf("memory initializer failed: %w", errdefs.ErrFailedPrecondition)

// DefaultOnceWait bounds each block of a context waiting for another
// context's initializer. The guard is re-checked after every wake.
const DefaultOnceWait = 10 * time.Millisecond

// Once runs an initializer exactly once across every context sharing a
// memory, using a guard word in that memory.
type Once struct {
	mem  *memory.Shared
	addr uint64
	poll time.Duration
}

// NewOnce returns a guard over the u32 word at addr.
func NewOnce(mem *memory.Shared, addr uint64, poll time.Duration) *Once {
	if poll <= 0 {
		poll = DefaultOnceWait
	}
	return &Once{mem: mem, addr: addr, poll: poll}
}

// State returns the current guard state.
func (o *Once) State() (GuardState, error) {
	v, err := o.mem.Load32(o.addr)
	return GuardState(v), err
}

// Do runs body if no context has claimed the guard yet, and otherwise waits
// until the claiming context finishes. ran reports whether this call ran
// body. The guard only reaches done after body returned, so a nil error
// means the initializer's writes are complete and visible.
//
// If body fails the guard becomes failed and every present and future caller
// gets ErrInitFailed. body must undo its partial effects before returning an
// error.
func (o *Once) Do(ctx context.Context, body func() error) (ran bool, err error) {
	for {
		prev, err := o.mem.CompareAndSwap32(o.addr, uint32(GuardUninit), uint32(GuardRunning))
		if err != nil {
			return false, err
		}

		switch GuardState(prev) {
		case GuardUninit:
			return true, o.run(body)
		case GuardDone:
			return false, nil
		case GuardFailed:
			return false, ErrInitFailed
		case GuardRunning:
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if _, err := o.mem.Wait32(o.addr, uint32(GuardRunning), o.poll); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("%w: corrupt guard word %d", ErrInitFailed, prev)
		}
	}
}

func (o *Once) run(body func() error) error {
	final, berr := GuardDone, body()
	if berr != nil {
		final = GuardFailed
	}
	if err := o.mem.Store32(o.addr, uint32(final)); err != nil {
		return err
	}
	o.mem.Notify(o.addr, memory.NotifyAll)

	if berr != nil {
		return fmt.Errorf("%w: %w", ErrInitFailed, berr)
	}
	return nil
}
