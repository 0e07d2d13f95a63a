// Package imagestore keeps raw program images keyed by image ID.
//
// Images are stored zstd-compressed. Two backends are available: bolt keeps
// every image in a single file, badger keeps a directory or runs fully in
// memory.
package imagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/strand/internal/types"
)

// Store errors.
var (
	ErrNotFound      = fmt.Errorf("image not found: %w", errdefs.ErrNotFound)
	ErrClosed        = errors.New("image store closed")
	ErrEmptyImage    = fmt.Errorf("empty image: %w", errdefs.ErrInvalidArgument)
	ErrInvalidConfig = errors.New("invalid image store config")
	ErrCorrupt       = fmt.Errorf("stored image does not match its id: %w", errdefs.ErrDataLoss)
)

// Backends.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// Store is a content-addressed image store.
type Store interface {
	// Put stores raw and returns its ID. Storing the same image twice is a
	// no-op.
	Put(raw []byte) (types.ImageID, error)

	// Get returns the raw image stored under id.
	Get(id types.ImageID) ([]byte, error)

	// List returns every stored image, ordered by ID.
	List() ([]Info, error)

	Close() error
}

// Info describes a stored image.
type Info struct {
	ID types.ImageID

	// Size is the raw size and StoredSize the compressed size.
	Size       uint64
	StoredSize uint64
	Added      time.Time
}

// Config configures Open.
type Config struct {
	// Backend is BackendBolt or BackendBadger.
	Backend string

	// Path is the bolt file or the badger directory.
	Path string

	// InMemory runs badger without touching disk. Path is ignored.
	InMemory bool

	// SyncWrites syncs every write to disk.
	SyncWrites bool
}

// DefaultConfig returns a bolt store at path.
func DefaultConfig(path string) Config {
	return Config{
		Backend: BackendBolt,
		Path:    path,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBolt:
		if c.InMemory {
			return fmt.Errorf("%w: bolt has no in-memory mode", ErrInvalidConfig)
		}
		if c.Path == "" {
			return fmt.Errorf("%w: path required", ErrInvalidConfig)
		}
	case BackendBadger:
		if c.Path == "" && !c.InMemory {
			return fmt.Errorf("%w: path required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	return nil
}

// Open opens the store described by cfg.
func Open(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendBadger {
		s, err := openBadger(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := openBolt(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record layout: added (unix nanos, 8 bytes) | raw size (8 bytes) | zstd data.
const recordHeader = 16

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func encodeRecord(raw []byte, added time.Time) []byte {
	rec := make([]byte, recordHeader, recordHeader+len(raw)/2)
	binary.LittleEndian.PutUint64(rec[0:], uint64(added.UnixNano()))
	binary.LittleEndian.PutUint64(rec[8:], uint64(len(raw)))
	return encoder.EncodeAll(raw, rec)
}

func decodeRecord(id types.ImageID, rec []byte) ([]byte, error) {
	if len(rec) < recordHeader {
		return nil, fmt.Errorf("%w: short record", ErrCorrupt)
	}
	size := binary.LittleEndian.Uint64(rec[8:])
	raw, err := decoder.DecodeAll(rec[recordHeader:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompress image %s: %w", id.Short(), err)
	}
	if types.ComputeImageID(raw) != id {
		return nil, ErrCorrupt
	}
	return raw, nil
}

func recordInfo(id types.ImageID, rec []byte) (Info, error) {
	if len(rec) < recordHeader {
		return Info{}, fmt.Errorf("%w: short record", ErrCorrupt)
	}
	return Info{
		ID:         id,
		Size:       binary.LittleEndian.Uint64(rec[8:]),
		StoredSize: uint64(len(rec) - recordHeader),
		Added:      time.Unix(0, int64(binary.LittleEndian.Uint64(rec[0:]))),
	}, nil
}
