package threads

import (
	"context"
	"encoding/binary"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fortiblox/strand/pkg/svm/layout"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/svm/syscall"
)

func newTestContext(t *testing.T, id uint32, top uint64) (*Context, *memory.Shared) {
	t.Helper()
	img := compile(t, testObject())
	mem, err := memory.New(img.Layout().MinPages(), 16)
	assert.NilError(t, err)
	m := layout.NewManager(img.Layout())
	desc, err := m.Reserve(id, top, mem.Size())
	assert.NilError(t, err)
	c := NewContext(context.Background(), img, mem, desc, ContextOpts{
		Syscalls: syscall.NewRegistry().Lookup(),
	})
	return c, mem
}

func TestContextBootstrap(t *testing.T) {
	c, mem := newTestContext(t, 3, 0x20000)
	l := c.Image().Layout()

	_, err := c.Call("tls_probe", 1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, c.StackPointer(), uint64(0))

	assert.NilError(t, c.Initialize())
	assert.Equal(t, c.StackPointer(), uint64(0x20000))
	assert.Equal(t, c.TLSBase(), uint64(0x20000)+l.StackSize)

	st, err := mem.Load32(l.StatusAddr(3))
	assert.NilError(t, err)
	assert.Equal(t, Status(st), StatusReady)

	tls := make([]byte, l.TLSSize)
	assert.NilError(t, mem.Read(c.TLSBase(), tls))
	assert.Equal(t, binary.LittleEndian.Uint64(tls), uint64(tlsTemplate))
	assert.Equal(t, binary.LittleEndian.Uint64(tls[8:]), uint64(0))

	id, err := c.Enter(DefaultEntries(), EntryChild, 0)
	assert.NilError(t, err)
	assert.Equal(t, id, uint64(3))

	_, err = c.Call("missing")
	assert.ErrorIs(t, err, ErrNoFunction)
	_, err = c.Enter(EntryTable{}, EntryMain, 0)
	assert.ErrorIs(t, err, ErrUnknownEntry)

	c.Exit(nil)
	st, err = mem.Load32(l.StatusAddr(3))
	assert.NilError(t, err)
	assert.Equal(t, Status(st), StatusExited)
	_, err = c.Enter(DefaultEntries(), EntryChild, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestTLSReinitializedForReusedBlock(t *testing.T) {
	c, mem := newTestContext(t, 1, 0x10000)
	assert.NilError(t, c.Initialize())
	_, err := c.Call("tls_probe", 99)
	assert.NilError(t, err)
	v, err := mem.Load64(c.TLSBase() + 8)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(99))

	next := NewContext(context.Background(), c.Image(), mem, c.Descriptor(), ContextOpts{
		Syscalls: syscall.NewRegistry().Lookup(),
	})
	assert.NilError(t, next.Initialize())
	v, err = mem.Load64(next.TLSBase() + 8)
	assert.NilError(t, err)
	assert.Equal(t, v, uint64(0), "tbss zeroed for the new context")
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, StatusReady.String(), "ready")
	assert.Equal(t, Status(42).String(), "Status(42)")
	assert.Equal(t, EntryChild.String(), "child")
	assert.Equal(t, GuardRunning.String(), "in-progress")
}
