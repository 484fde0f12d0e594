// Package factory maps a backend name to a constructor, the way
// storage/factory picked among tree/inmemory/badger/bolt/file
// BlockBackends in the teacher package. Here the product is a
// device.Interface instead of a content-addressed block store.
package factory

import (
	"github.com/fingon/go-plfs/device"
	"github.com/fingon/go-plfs/device/badger"
	"github.com/fingon/go-plfs/device/bolt"
	"github.com/fingon/go-plfs/device/file"
	"github.com/fingon/go-plfs/device/memory"
	"github.com/pkg/errors"
)

// Config describes the geometry and backing store requested by a
// caller (typically the plfsutil command line tool).
type Config struct {
	Backend                          string // "memory", "file", "badger", "bolt"
	Path                             string // ignored for "memory"
	BlockSize, ReadSize, ProgSize    uint32
	BlockCount                       uint64
	Grow                             bool
}

func List() []string {
	return []string{"memory", "file", "badger", "bolt"}
}

func New(cfg Config) (device.Interface, error) {
	switch cfg.Backend {
	case "memory", "":
		return memory.New(cfg.BlockSize, cfg.ReadSize, cfg.ProgSize, cfg.BlockCount, cfg.Grow), nil
	case "file":
		return file.Open(cfg.Path, cfg.BlockSize, cfg.ReadSize, cfg.ProgSize, cfg.BlockCount, cfg.Grow)
	case "badger":
		return badger.Open(cfg.Path, cfg.BlockSize, cfg.ReadSize, cfg.ProgSize, cfg.BlockCount)
	case "bolt":
		return bolt.Open(cfg.Path, cfg.BlockSize, cfg.ReadSize, cfg.ProgSize, cfg.BlockCount)
	default:
		return nil, errors.Errorf("factory: unknown backend %q", cfg.Backend)
	}
}
