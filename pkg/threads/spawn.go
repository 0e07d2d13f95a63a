package threads

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
)

// StartupMessage is the single message handed to a new execution host.
// Image, Memory, ThreadID and StackTop are mandatory.
type StartupMessage struct {
	Image    *image.Image
	Memory   *memory.Shared
	ThreadID uint32
	StackTop uint64

	// Entry selects the entry point the host runs after initialization.
	Entry EntryKind
	Arg   uint64
}

// ErrInvalidMessage is returned for a startup message missing its image or
// memory.
var ErrInvalidMessage = fmt.Errorf("invalid startup message: %w", errdefs.ErrInvalidArgument)

func (m StartupMessage) validate() error {
	if m.Image == nil {
		return fmt.Errorf("%w: no image", ErrInvalidMessage)
	}
	if m.Memory == nil {
		return fmt.Errorf("%w: no memory", ErrInvalidMessage)
	}
	return nil
}

// SpawnRequest asks for a context with a caller-chosen id and stack top.
type SpawnRequest struct {
	ThreadID uint32
	StackTop uint64
	Entry    EntryKind
	Arg      uint64
}

// ErrReadyTimeout is returned by WaitReady when the thread did not finish
// initializing in time.
var ErrReadyTimeout = fmt.Errorf("thread not ready: %w", context.DeadlineExceeded)

// readyPoll bounds each block on a status word so a handle whose id was
// reused by a later thread still notices completion.
const readyPoll = 10 * time.Millisecond

// Thread is the spawner's handle on a spawned context.
type Thread struct {
	desc  layout.Descriptor
	entry EntryKind
	ctx   context.Context

	mem        *memory.Shared
	statusAddr uint64

	ready  atomic.Bool
	done   chan struct{}
	result uint64
	err    error
}

// ID returns the thread id.
func (t *Thread) ID() uint32 { return t.desc.ThreadID }

// Descriptor returns the thread's id and regions.
func (t *Thread) Descriptor() layout.Descriptor { return t.desc }

// Entry returns the entry kind the thread was started with.
func (t *Thread) Entry() EntryKind { return t.entry }

// Done is closed once the thread's entry point returned or initialization
// failed.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the thread's error once Done is closed.
func (t *Thread) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Result returns the entry point's return value and error. It blocks until
// the thread finished.
func (t *Thread) Result() (uint64, error) {
	<-t.done
	return t.result, t.err
}

// Wait is Result bounded by ctx.
func (t *Thread) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WaitReady blocks on the thread's status word until it finished
// initializing. A negative timeout waits forever. It returns the thread's
// error if initialization failed.
func (t *Thread) WaitReady(timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if t.ready.Load() {
			return nil
		}
		select {
		case <-t.done:
			if t.ready.Load() {
				return nil
			}
			return t.err
		default:
		}

		wait := readyPoll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: thread %d", ErrReadyTimeout, t.ID())
			}
			wait = min(wait, remaining)
		}

		v, err := t.mem.Load32(t.statusAddr)
		if err != nil {
			return err
		}
		if st := Status(v); st == StatusIdle || st == StatusStarting {
			if _, err := t.mem.Wait32(t.statusAddr, v, wait); err != nil {
				return err
			}
		} else {
			// Published but not yet recorded on the handle.
			time.Sleep(time.Microsecond)
		}
	}
}

func (t *Thread) finish(result uint64, err error) {
	t.result, t.err = result, err
	close(t.done)
}

// Spawn creates a context for req and starts it on a new execution host.
//
// The request is checked in order: layout reservation, image compatibility,
// entry lookup, host creation. Any failure is returned before a host runs
// anything, and the reservation is released. On success Spawn returns
// without waiting for the child to initialize.
func (r *Runtime) Spawn(ctx context.Context, req SpawnRequest) (*Thread, error) {
	desc, err := r.layout.Reserve(req.ThreadID, req.StackTop, r.mem.Size())
	if err != nil {
		r.observer.SpawnFailed(ReasonLayout, err)
		return nil, err
	}
	return r.start(ctx, desc, req.Entry, req.Arg)
}

// SpawnAuto spawns a context at the lowest free thread id and block.
func (r *Runtime) SpawnAuto(ctx context.Context, entry EntryKind, arg uint64) (*Thread, error) {
	desc, err := r.layout.Allocate(r.mem.Size())
	if err != nil {
		r.observer.SpawnFailed(ReasonLayout, err)
		return nil, err
	}
	return r.start(ctx, desc, entry, arg)
}

func (r *Runtime) start(ctx context.Context, desc layout.Descriptor, entry EntryKind, arg uint64) (_ *Thread, retErr error) {
	reason := ""
	defer func() {
		if retErr != nil {
			r.layout.Release(desc.ThreadID)
			r.observer.SpawnFailed(reason, retErr)
		}
	}()

	if err := r.img.Check(r.syscalls.Lookup()); err != nil {
		reason = ReasonImage
		return nil, err
	}
	if _, err := r.entries.lookup(r.img, entry); err != nil {
		reason = ReasonEntry
		if image.IsInstantiationError(err) {
			reason = ReasonImage
		}
		return nil, err
	}

	msg := StartupMessage{
		Image:    r.img,
		Memory:   r.mem,
		ThreadID: desc.ThreadID,
		StackTop: desc.StackTop,
		Entry:    entry,
		Arg:      arg,
	}
	if err := msg.validate(); err != nil {
		reason = ReasonImage
		return nil, err
	}

	t := &Thread{
		desc:       desc,
		entry:      entry,
		ctx:        context.WithoutCancel(ctx),
		mem:        r.mem,
		statusAddr: r.img.Layout().StatusAddr(desc.ThreadID),
		done:       make(chan struct{}),
	}
	if err := r.mem.Store32(t.statusAddr, uint32(StatusIdle)); err != nil {
		reason = ReasonLayout
		return nil, err
	}

	host, err := r.hosts.NewHost(r.boot)
	if err != nil {
		reason = ReasonHost
		if !errors.Is(err, ErrHostUnavailable) {
			err = fmt.Errorf("%w: %w", ErrHostUnavailable, err)
		}
		return nil, err
	}
	r.track(t)

	if err := host.Post(msg); err != nil {
		host.Release()
		r.untrack(t)
		r.exited()
		reason = ReasonHost
		return nil, err
	}

	r.observer.ThreadSpawned(entry)
	log.G(ctx).WithFields(log.Fields{
		"thread":    desc.ThreadID,
		"stack_top": fmt.Sprintf("0x%x", desc.StackTop),
		"entry":     entry,
	}).Debug("spawned thread")
	return t, nil
}

// boot is the host side of the protocol: it runs the bootstrap for the
// context named by msg and reports the outcome on the thread handle.
func (r *Runtime) boot(msg StartupMessage) {
	t := r.thread(msg.ThreadID)
	if t == nil {
		log.L.WithField("thread", msg.ThreadID).Error("startup message for unknown thread")
		return
	}

	c := NewContext(t.ctx, msg.Image, msg.Memory, t.desc, r.contextOpts())

	var result uint64
	err := c.Initialize()
	if err == nil {
		t.ready.Store(true)
		result, err = c.Enter(r.entries, msg.Entry, msg.Arg)
	}
	c.Exit(err)

	if err != nil {
		log.G(c.Context()).WithError(err).Debug("thread exited with error")
	}
	r.untrack(t)
	r.layout.Release(t.ID())
	r.observer.ThreadExited(msg.Entry, err)
	t.finish(result, err)
	r.exited()
}
