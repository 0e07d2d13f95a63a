package imagestore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/fortiblox/strand/internal/types"
)

func backends(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"bolt":            {Backend: BackendBolt, Path: filepath.Join(dir, "bolt", "images.db")},
		"badger":          {Backend: BackendBadger, Path: filepath.Join(dir, "badger")},
		"badger-inmemory": {Backend: BackendBadger, InMemory: true},
	}
}

func TestPutGet(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(cfg)
			assert.NilError(t, err)
			defer s.Close()

			raw := bytes.Repeat([]byte("\x7fELF image body "), 512)
			id, err := s.Put(raw)
			assert.NilError(t, err)
			assert.Equal(t, id, types.ComputeImageID(raw))

			again, err := s.Put(raw)
			assert.NilError(t, err)
			assert.Equal(t, again, id)

			got, err := s.Get(id)
			assert.NilError(t, err)
			assert.DeepEqual(t, got, raw)

			_, err = s.Get(types.ComputeImageID([]byte("missing")))
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Assert(t, errdefs.IsNotFound(err))

			_, err = s.Put(nil)
			assert.Assert(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestList(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(cfg)
			assert.NilError(t, err)
			defer s.Close()

			infos, err := s.List()
			assert.NilError(t, err)
			assert.Check(t, is.Len(infos, 0))

			images := [][]byte{
				bytes.Repeat([]byte{1}, 4096),
				bytes.Repeat([]byte{2}, 100),
				[]byte("short"),
			}
			sizes := map[types.ImageID]uint64{}
			for _, raw := range images {
				id, err := s.Put(raw)
				assert.NilError(t, err)
				sizes[id] = uint64(len(raw))
			}

			infos, err = s.List()
			assert.NilError(t, err)
			assert.Assert(t, is.Len(infos, len(images)))
			for i, info := range infos {
				assert.Check(t, is.Equal(info.Size, sizes[info.ID]))
				assert.Check(t, !info.Added.IsZero())
				if i > 0 {
					assert.Check(t, bytes.Compare(infos[i-1].ID[:], info.ID[:]) < 0, "list not ordered")
				}
			}
			// Highly repetitive images compress.
			for _, info := range infos {
				if info.Size == 4096 {
					assert.Check(t, info.StoredSize < info.Size)
				}
			}
		})
	}
}

func TestClosed(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(cfg)
			assert.NilError(t, err)
			id, err := s.Put([]byte("image"))
			assert.NilError(t, err)

			assert.NilError(t, s.Close())
			assert.NilError(t, s.Close())

			_, err = s.Get(id)
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.Put([]byte("image"))
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.List()
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Backend: BackendBolt, Path: filepath.Join(dir, "images.db")},
		{Backend: BackendBadger, Path: filepath.Join(dir, "badger")},
	} {
		t.Run(cfg.Backend, func(t *testing.T) {
			s, err := Open(cfg)
			assert.NilError(t, err)
			id, err := s.Put([]byte("persistent image"))
			assert.NilError(t, err)
			assert.NilError(t, s.Close())

			s, err = Open(cfg)
			assert.NilError(t, err)
			defer s.Close()
			got, err := s.Get(id)
			assert.NilError(t, err)
			assert.Equal(t, string(got), "persistent image")
		})
	}
}

func TestCorruptRecord(t *testing.T) {
	raw := []byte("original")
	id := types.ComputeImageID(raw)

	rec := encodeRecord([]byte("tampered"), time.Now())
	_, err := decodeRecord(id, rec)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = decodeRecord(id, rec[:4])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestConfigValidate(t *testing.T) {
	assert.NilError(t, DefaultConfig("/tmp/images.db").Validate())
	assert.NilError(t, Config{Backend: BackendBadger, InMemory: true}.Validate())

	for _, cfg := range []Config{
		{Backend: BackendBolt},
		{Backend: BackendBolt, Path: "x", InMemory: true},
		{Backend: BackendBadger},
		{Backend: "sqlite", Path: "x"},
	} {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	}
}
