package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/fortiblox/strand/internal/elftest"
	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
	"github.com/fortiblox/strand/pkg/svm/syscall"
	"github.com/fortiblox/strand/pkg/threads"
)

const gateOffset = 8 // .bss follows the 8-byte .data segment

func ins(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return sbpf.Encode(op, dst, src, off, imm)
}

// testImage assembles square(x), bump(), gate_wait() and fail().
func testImage(t *testing.T) *image.Image {
	t.Helper()
	b := &elftest.Builder{Data: make([]byte, 8), BSS: 8, Entry: "main"}
	b.Object("counter", ".data", 0).Object("gate", ".bss", 0)

	var text []uint64
	fn := func(name string) { b.Func(name, uint64(len(text))) }
	load := func(dst uint8, sym string) {
		b.Reloc(uint64(len(text)), elftest.RelocLddw, sym)
		lo, hi := sbpf.EncodeLddw(dst, 0)
		text = append(text, lo, hi)
	}
	call := func(name string) {
		b.Reloc(uint64(len(text)), elftest.RelocCall, name)
		text = append(text, ins(sbpf.OpCall, 0, 0, 0, -1))
	}
	exit := ins(sbpf.OpExit, 0, 0, 0, 0)

	fn("main")
	text = append(text, ins(sbpf.OpMov64Imm, 0, 0, 0, 0), exit)
	fn(image.ChildEntryName)
	text = append(text, ins(sbpf.OpMov64Imm, 0, 0, 0, 0), exit)

	fn("square")
	text = append(text, ins(sbpf.OpMov64Reg, 0, 1, 0, 0), ins(sbpf.OpMul64Reg, 0, 1, 0, 0), exit)

	fn("bump")
	load(1, "counter")
	text = append(text,
		ins(sbpf.OpMov64Imm, 2, 0, 0, 1),
		ins(sbpf.OpAtomicDW, 1, 2, 0, sbpf.AtomicAdd),
		ins(sbpf.OpMov64Imm, 0, 0, 0, 0),
		exit,
	)

	fn("gate_wait")
	load(1, "gate")
	lo, hi := sbpf.EncodeLddw(3, ^uint64(0))
	text = append(text, ins(sbpf.OpMov64Imm, 2, 0, 0, 0), lo, hi)
	call("memory_atomic_wait32")
	text = append(text, exit)

	fn("fail")
	call("abort")
	text = append(text, exit)

	b.Text = text
	img, err := image.Compile(b.Bytes(), image.Config{MaxThreads: 8, StackSize: 4 * sbpf.FrameSize})
	assert.NilError(t, err)
	return img
}

func newPool(t *testing.T, concurrency, maxWorkers int) *Pool {
	t.Helper()
	cfg, err := NewConfigBuilder().
		WithConcurrency(concurrency).
		WithMaxWorkers(maxWorkers).
		WithIdleWait(5 * time.Millisecond).
		WithReadyTimeout(5 * time.Second).
		Build()
	assert.NilError(t, err)
	p, err := New(context.Background(), testImage(t), cfg)
	assert.NilError(t, err)
	return p
}

func counter(t *testing.T, p *Pool) uint64 {
	t.Helper()
	v, err := p.Runtime().Memory().Load64(p.Runtime().Image().Layout().DataBase)
	assert.NilError(t, err)
	return v
}

func openGate(t *testing.T, p *Pool) {
	t.Helper()
	mem := p.Runtime().Memory()
	off := p.Runtime().Image().Layout().DataBase + gateOffset
	assert.NilError(t, mem.Store32(off, 1))
	mem.Notify(off, memory.NotifyAll)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 2, 2)
	assert.Equal(t, p.Workers(), 2)
	assert.Assert(t, p.Ready())

	job, err := p.Execute(ctx, "square", 7)
	assert.NilError(t, err)
	assert.Equal(t, job.Function(), "square")
	v, err := job.Wait(ctx)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(49))

	const jobs = 100
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := p.Execute(ctx, "bump", 0)
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			if _, err := job.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, counter(t, p), uint64(jobs))
	assert.Equal(t, p.Workers(), 2)

	assert.NilError(t, p.Close(ctx))
}

func TestMailboxesLiveInSharedHeap(t *testing.T) {
	p := newPool(t, 1, 3)
	defer p.Close(context.Background())

	heap := p.Runtime().Image().Layout().HeapBase
	assert.Assert(t, p.idleSeq >= heap)
	for i, box := range p.boxes {
		assert.Equal(t, box, p.idleSeq+headerSize+uint64(i)*boxSize)
	}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if p.Idle() == 1 {
			return poll.Success()
		}
		return poll.Continue("worker not parked")
	}, poll.WithTimeout(5*time.Second))
}

func TestGrowOnDemand(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 1, 3)

	var blocked []*Job
	for i := 0; i < 3; i++ {
		job, err := p.Execute(ctx, "gate_wait", 0)
		assert.NilError(t, err)
		blocked = append(blocked, job)
	}
	assert.Equal(t, p.Workers(), 3)
	assert.Equal(t, p.Idle(), 0)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := p.Execute(short, "square", 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	openGate(t, p)
	for _, job := range blocked {
		v, err := job.Wait(ctx)
		assert.NilError(t, err)
		// Woken, or the gate opened before the job reached its wait.
		assert.Assert(t, v == uint64(memory.WaitOK) || v == uint64(memory.WaitNotEqual), v)
	}

	job, err := p.Execute(ctx, "square", 3)
	assert.NilError(t, err)
	v, err := job.Wait(ctx)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(9))
	assert.NilError(t, p.Close(ctx))
}

func TestJobErrorKeepsWorker(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 1, 1)

	job, err := p.Execute(ctx, "fail", 0)
	assert.NilError(t, err)
	_, err = job.Wait(ctx)
	assert.ErrorIs(t, err, syscall.ErrAborted)

	assert.NilError(t, p.Run(ctx, "bump", 0))
	job, err = p.Execute(ctx, "square", 5)
	assert.NilError(t, err)
	v, err := job.Wait(ctx)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(25))
	assert.Equal(t, job.Worker(), 0)
	assert.NilError(t, p.Close(ctx))
	assert.Equal(t, counter(t, p), uint64(1))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 3, 3)

	assert.NilError(t, p.Close(ctx))
	assert.Assert(t, !p.Ready())
	assert.Check(t, is.Len(p.Runtime().Layout().Live(), 0))

	_, err := p.Execute(ctx, "square", 2)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Close(ctx), ErrClosed)
}

func TestCloseWaitsForRunningJob(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, 1, 1)

	job, err := p.Execute(ctx, "gate_wait", 0)
	assert.NilError(t, err)

	closed := make(chan error)
	go func() { closed <- p.Close(ctx) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a job was running")
	case <-time.After(20 * time.Millisecond):
	}
	openGate(t, p)
	assert.NilError(t, <-closed)
	_, err = job.Wait(ctx)
	assert.NilError(t, err)
}

func TestUnknownFunction(t *testing.T) {
	p := newPool(t, 1, 1)
	defer p.Close(context.Background())
	_, err := p.Execute(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, threads.ErrNoFunction)
}

func TestConfig(t *testing.T) {
	cfg, err := NewConfigBuilder().WithConcurrency(4).Build()
	assert.NilError(t, err)
	assert.Assert(t, cfg.MaxWorkers >= 4)

	_, err = NewConfigBuilder().WithConcurrency(4).WithMaxWorkers(2).Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = Config{Concurrency: 2}.WithDefaults()
	assert.Equal(t, cfg.MaxWorkers, 2)
	assert.Equal(t, cfg.IdleWait, DefaultIdleWait)

	defer func() {
		assert.Assert(t, recover() != nil, "MustBuild did not panic")
	}()
	NewConfigBuilder().WithIdleWait(-1).MustBuild()
}

func TestTooManyWorkers(t *testing.T) {
	_, err := New(context.Background(), testImage(t), Config{Concurrency: 8})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
