package threads

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/sbpf"
)

// EntryKind selects the entry point a context runs after initialization.
type EntryKind uint8

const (
	// EntryMain is the entry of the originating context.
	EntryMain EntryKind = iota
	// EntryChild is the entry of spawned contexts.
	EntryChild
)

func (k EntryKind) String() string {
	switch k {
	case EntryMain:
		return "main"
	case EntryChild:
		return "child"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// ErrUnknownEntry is returned for an entry kind missing from the entry table.
var ErrUnknownEntry = fmt.Errorf("unknown entry point: %w", errdefs.ErrInvalidArgument)

// EntryFunc runs step 5 for an initialized context.
type EntryFunc func(c *Context, arg uint64) (uint64, error)

// Entry is an entry point. Symbol names the image function Fn needs; an
// image without it cannot run the entry, so spawning it fails before a host
// is created. Go-side entries leave Symbol empty.
type Entry struct {
	Fn     EntryFunc
	Symbol string
}

// EntryTable maps entry kinds to entry points. Hosts look up their entry by
// the kind carried in the startup message.
type EntryTable map[EntryKind]Entry

// DefaultEntries returns the table of image-defined entry points.
func DefaultEntries() EntryTable {
	return EntryTable{
		EntryMain:  {Fn: MainEntry},
		EntryChild: {Fn: ChildEntry, Symbol: image.ChildEntryName},
	}
}

// With returns a copy of t with kind bound to the Go-side entry fn.
func (t EntryTable) With(kind EntryKind, fn EntryFunc) EntryTable {
	out := make(EntryTable, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[kind] = Entry{Fn: fn}
	return out
}

// lookup returns the entry for kind, checking that img defines its symbol.
func (t EntryTable) lookup(img *image.Image, kind EntryKind) (Entry, error) {
	e, ok := t[kind]
	if !ok || e.Fn == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, kind)
	}
	if e.Symbol != "" {
		if _, ok := img.Function(e.Symbol); !ok {
			return Entry{}, fmt.Errorf("%w: no %s for %s entry", image.ErrImageIncompatible, e.Symbol, kind)
		}
	}
	return e, nil
}

// MainEntry calls the ELF entry point with r1 pointing at the thread-info
// block and r2 = arg.
func MainEntry(c *Context, arg uint64) (uint64, error) {
	return c.CallAt(c.img.MainEntry(), sbpf.VaddrInput, arg)
}

// ChildEntry calls child_entry_point(thread_id, arg).
func ChildEntry(c *Context, arg uint64) (uint64, error) {
	pc, ok := c.img.Function(image.ChildEntryName)
	if !ok {
		return 0, fmt.Errorf("%w: no %s", image.ErrImageIncompatible, image.ChildEntryName)
	}
	return c.CallAt(pc, uint64(c.ThreadID()), arg)
}
