// Package pool runs image functions on a set of long-lived worker contexts.
//
// Each worker owns a mailbox in the shared heap. A worker parks on its
// mailbox word with wait; a caller claims an idle mailbox with
// compare-and-swap, fills in the function and argument, posts it and
// notifies. When no worker is idle the pool spawns another one up to
// MaxWorkers, and otherwise waits on the pool's idle sequence word, which
// every worker bumps when it parks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/threads"
)

// Mailbox states.
const (
	boxStarting uint32 = iota
	boxIdle
	boxClaimed
	boxPosted
	boxShutdown
)

// Mailbox layout: state u32 (padded), function pc, argument, result.
const (
	boxSize    = 32
	boxPC      = 8
	boxArg     = 16
	boxResult  = 24
	headerSize = 8
)

// ErrClosed is returned when using a closed pool.
var ErrClosed = fmt.Errorf("pool closed: %w", errdefs.ErrFailedPrecondition)

// Observer receives pool events. Implementations must be safe for concurrent
// use.
type Observer interface {
	WorkerSpawned()
	JobStarted()
	JobFinished(d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) WorkerSpawned()                   {}
func (nopObserver) JobStarted()                      {}
func (nopObserver) JobFinished(time.Duration, error) {}

// Pool is a set of worker contexts over one runtime. It is safe for
// concurrent use.
type Pool struct {
	cfg  Config
	rt   *threads.Runtime
	mem  *memory.Shared
	main *threads.Context

	idleSeq uint64   // bumped on every park; Execute waits for it to change
	boxes   []uint64 // mailbox offsets, one per potential worker

	growMu sync.Mutex

	mu      sync.Mutex
	n       int
	workers []*threads.Thread
	jobs    []*Job

	closed atomic.Bool
}

// New creates a runtime for img, initializes it on the calling goroutine as
// the originating context, and spawns cfg.Concurrency workers. It returns
// once every initial worker is ready.
func New(ctx context.Context, img *image.Image, cfg Config) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limit := int(img.Layout().MaxThreads) - 1; cfg.MaxWorkers > limit {
		return nil, fmt.Errorf("%w: max workers %d above the image's %d spare threads", ErrInvalidConfig, cfg.MaxWorkers, limit)
	}

	p := &Pool{
		cfg:     cfg,
		workers: make([]*threads.Thread, cfg.MaxWorkers),
		jobs:    make([]*Job, cfg.MaxWorkers),
	}

	rcfg := cfg.Runtime
	rcfg.Entries = rcfg.Entries.With(threads.EntryChild, p.serve)
	rt, err := threads.New(img, rcfg)
	if err != nil {
		return nil, err
	}
	p.rt, p.mem = rt, rt.Memory()

	if p.main, err = rt.Attach(ctx); err != nil {
		return nil, err
	}

	base, err := layout.AllocHeap(p.mem, headerSize+uint64(cfg.MaxWorkers)*boxSize)
	if err != nil {
		rt.Detach(p.main, err)
		return nil, err
	}
	p.idleSeq = base
	p.boxes = make([]uint64, cfg.MaxWorkers)
	for i := range p.boxes {
		p.boxes[i] = base + headerSize + uint64(i)*boxSize
	}

	p.n = cfg.Concurrency
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			th, err := rt.SpawnAuto(gctx, threads.EntryChild, p.boxes[i])
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.workers[i] = th
			p.mu.Unlock()
			cfg.Observer.WorkerSpawned()
			return th.WaitReady(cfg.ReadyTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		cerr := p.Close(context.WithoutCancel(ctx))
		return nil, errors.Join(fmt.Errorf("starting workers: %w", err), cerr)
	}

	log.G(ctx).WithFields(log.Fields{
		"image":   img.ID().Short(),
		"workers": cfg.Concurrency,
	}).Info("worker pool started")
	return p, nil
}

// Runtime returns the runtime the workers run on.
func (p *Pool) Runtime() *threads.Runtime { return p.rt }

// Workers returns the number of spawned workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Idle returns the number of workers parked on their mailbox.
func (p *Pool) Idle() int {
	idle := 0
	for _, box := range p.boxes[:p.Workers()] {
		if st, err := p.mem.Load32(box); err == nil && st == boxIdle {
			idle++
		}
	}
	return idle
}

// Ready reports whether the pool is open and every spawned worker is alive.
func (p *Pool) Ready() bool {
	if p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.workers[:p.n] {
		if th == nil {
			return false
		}
		select {
		case <-th.Done():
			return false
		default:
		}
	}
	return true
}

// Execute runs the image function name with arg on an idle worker and
// returns a handle on the job. It blocks only while every worker is busy and
// no more can be spawned.
func (p *Pool) Execute(ctx context.Context, name string, arg uint64) (*Job, error) {
	pc, ok := p.rt.Image().Function(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", threads.ErrNoFunction, name)
	}

	for {
		if p.closed.Load() {
			return nil, ErrClosed
		}
		seen, err := p.mem.Load32(p.idleSeq)
		if err != nil {
			return nil, err
		}
		if i, ok := p.claim(); ok {
			return p.post(i, name, pc, arg), nil
		}
		if err := p.grow(ctx); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := p.mem.Wait32(p.idleSeq, seen, p.cfg.IdleWait); err != nil {
			return nil, err
		}
	}
}

// Run is Execute without a handle on the job.
func (p *Pool) Run(ctx context.Context, name string, arg uint64) error {
	_, err := p.Execute(ctx, name, arg)
	return err
}

func (p *Pool) claim() (int, bool) {
	for i, box := range p.boxes[:p.Workers()] {
		prev, err := p.mem.CompareAndSwap32(box, boxIdle, boxClaimed)
		if err == nil && prev == boxIdle {
			return i, true
		}
	}
	return 0, false
}

func (p *Pool) post(i int, name string, pc, arg uint64) *Job {
	job := &Job{fn: name, arg: arg, worker: i, start: time.Now(), done: make(chan struct{})}
	p.mu.Lock()
	p.jobs[i] = job
	p.mu.Unlock()

	box := p.boxes[i]
	p.mem.Store64(box+boxPC, pc)
	p.mem.Store64(box+boxArg, arg)
	p.mem.Store32(box, boxPosted)
	p.mem.Notify(box, memory.NotifyAll)
	p.cfg.Observer.JobStarted()
	return job
}

// grow spawns one more worker if the cap allows. Host or thread exhaustion
// is not an error: the caller falls back to waiting for an idle worker.
func (p *Pool) grow(ctx context.Context) error {
	p.growMu.Lock()
	defer p.growMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	i := p.n
	p.mu.Unlock()
	if i >= len(p.boxes) {
		return nil
	}

	th, err := p.rt.SpawnAuto(ctx, threads.EntryChild, p.boxes[i])
	switch {
	case errdefs.IsUnavailable(err), errdefs.IsResourceExhausted(err):
		log.G(ctx).WithError(err).Debug("cannot grow worker pool")
		return nil
	case err != nil:
		return err
	}

	p.mu.Lock()
	p.workers[i] = th
	p.n++
	p.mu.Unlock()
	p.cfg.Observer.WorkerSpawned()
	log.G(ctx).WithField("worker", i).Debug("spawned worker on demand")
	return nil
}

// serve is the worker loop run as the child entry point. arg is the offset
// of the worker's mailbox.
func (p *Pool) serve(c *threads.Context, box uint64) (uint64, error) {
	i := int((box - p.boxes[0]) / boxSize)
	mem := c.Memory()
	if err := p.park(box); err != nil {
		return 0, err
	}

	for {
		st, err := mem.Load32(box)
		if err != nil {
			return 0, err
		}
		switch st {
		case boxPosted:
			pc, _ := mem.Load64(box + boxPC)
			arg, _ := mem.Load64(box + boxArg)
			result, jerr := c.CallAt(pc, arg)
			mem.Store64(box+boxResult, result)
			p.complete(i, result, jerr)
			if err := p.park(box); err != nil {
				return 0, err
			}
		case boxShutdown:
			log.G(c.Context()).Debug("worker shut down")
			return 0, nil
		default:
			if _, err := mem.Wait32(box, st, -1); err != nil {
				return 0, err
			}
		}
	}
}

// park marks the mailbox idle and wakes callers waiting for a worker.
func (p *Pool) park(box uint64) error {
	if _, err := p.mem.CompareAndSwap32(box, boxStarting, boxIdle); err != nil {
		return err
	}
	if _, err := p.mem.CompareAndSwap32(box, boxPosted, boxIdle); err != nil {
		return err
	}
	if _, err := p.mem.Add32(p.idleSeq, 1); err != nil {
		return err
	}
	p.mem.Notify(box, memory.NotifyAll)
	p.mem.Notify(p.idleSeq, memory.NotifyAll)
	return nil
}

func (p *Pool) complete(i int, result uint64, err error) {
	p.mu.Lock()
	job := p.jobs[i]
	p.jobs[i] = nil
	p.mu.Unlock()
	if job == nil {
		return
	}
	job.finish(result, err)
	p.cfg.Observer.JobFinished(time.Since(job.start), err)
}

// Close lets running jobs finish, shuts every worker down and detaches the
// originating context. It returns the errors workers exited with.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	p.growMu.Lock()
	defer p.growMu.Unlock()

	p.mu.Lock()
	n := p.n
	workers := append([]*threads.Thread(nil), p.workers[:n]...)
	p.mu.Unlock()

	for i, th := range workers {
		if err := p.shutdown(ctx, p.boxes[i], th); err != nil {
			return err
		}
	}
	if err := p.rt.Wait(ctx); err != nil {
		return err
	}
	if p.main != nil {
		p.rt.Detach(p.main, nil)
	}

	var errs []error
	for _, th := range workers {
		if th == nil {
			continue
		}
		if err := th.Err(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", th.ID(), err))
		}
	}
	log.G(ctx).WithField("workers", n).Debug("worker pool closed")
	return errors.Join(errs...)
}

// shutdown moves an idle mailbox to shutdown, waiting out a running job.
func (p *Pool) shutdown(ctx context.Context, box uint64, th *threads.Thread) error {
	for {
		prev, err := p.mem.CompareAndSwap32(box, boxIdle, boxShutdown)
		if err != nil {
			return err
		}
		if prev == boxIdle || prev == boxShutdown {
			break
		}
		if th == nil {
			return p.mem.Store32(box, boxShutdown)
		}
		select {
		case <-th.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := p.mem.Wait32(box, prev, p.cfg.IdleWait); err != nil {
			return err
		}
	}
	p.mem.Notify(box, 1)
	return nil
}
