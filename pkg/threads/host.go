package threads

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"
)

// Host errors.
var (
	// ErrHostUnavailable means no execution host could be created. It is
	// retryable: hosts free up as threads exit.
	ErrHostUnavailable = fmt.Errorf("no execution host available: %w", errdefs.ErrUnavailable)

	ErrAlreadyPosted = fmt.Errorf("startup message already posted: %w", errdefs.ErrFailedPrecondition)
)

// BootFunc runs a context from its startup message. It returns when the
// context's entry point returns.
type BootFunc func(msg StartupMessage)

// Host is an execution host. It accepts exactly one startup message.
type Host interface {
	Post(msg StartupMessage) error

	// Release gives back a host that will not run: Post was never called
	// or failed. It is a no-op after a successful Post.
	Release()
}

// HostFactory creates execution hosts that run boot on the message they
// receive.
type HostFactory interface {
	NewHost(boot BootFunc) (Host, error)
}

// HostFactoryFunc adapts a function to HostFactory.
type HostFactoryFunc func(boot BootFunc) (Host, error)

// NewHost implements HostFactory.
func (f HostFactoryFunc) NewHost(boot BootFunc) (Host, error) { return f(boot) }

// OSThreadHosts runs every context on its own goroutine locked to an OS
// thread, so a context blocked in wait never stalls another.
type OSThreadHosts struct {
	limit  int64
	active atomic.Int64
}

// NewOSThreadHosts returns a factory allowing at most limit live hosts.
// A limit of zero means no limit.
func NewOSThreadHosts(limit int) *OSThreadHosts {
	return &OSThreadHosts{limit: int64(limit)}
}

// Active returns the number of live hosts.
func (f *OSThreadHosts) Active() int { return int(f.active.Load()) }

// NewHost implements HostFactory.
func (f *OSThreadHosts) NewHost(boot BootFunc) (Host, error) {
	n := f.active.Add(1)
	if f.limit > 0 && n > f.limit {
		f.active.Add(-1)
		return nil, fmt.Errorf("%w: %d hosts live", ErrHostUnavailable, f.limit)
	}
	return &osThreadHost{factory: f, boot: boot}, nil
}

type osThreadHost struct {
	factory *OSThreadHosts
	boot    BootFunc

	// used guards the single Post or Release.
	used sync.Once
}

func (h *osThreadHost) Post(msg StartupMessage) error {
	err := ErrAlreadyPosted
	h.used.Do(func() {
		err = nil
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer h.factory.active.Add(-1)
			h.boot(msg)
		}()
	})
	return err
}

func (h *osThreadHost) Release() {
	h.used.Do(func() { h.factory.active.Add(-1) })
}
