// Package file backs a device.Interface with a single host file,
// pre-sized to blockCount*blockSize bytes, in the spirit of the
// teacher's storage/file backend but addressed by block index rather
// than by content hash.
package file

import (
	"os"
	"sync"

	"github.com/fingon/go-plfs/device"
	"github.com/pkg/errors"
)

type Backend struct {
	device.NopLocker
	device.FixedGeometry

	mu   sync.Mutex
	f    *os.File
	grow bool
}

var _ device.Interface = &Backend{}

// Open opens (creating if needed) a host file to back the device. If
// the file is shorter than blockCount*blockSize it is extended and
// the new region erased (filled with 0xff).
func Open(path string, blockSize, readSize, progSize uint32, blockCount uint64, grow bool) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "file: open")
	}
	self := &Backend{
		FixedGeometry: device.FixedGeometry{Blk: blockSize, Rd: readSize, Prog: progSize, Count: blockCount},
		f:             f,
		grow:          grow,
	}
	if err := self.ensureSize(blockCount); err != nil {
		f.Close()
		return nil, err
	}
	return self, nil
}

func (self *Backend) ensureSize(blockCount uint64) error {
	want := int64(blockCount) * int64(self.Blk)
	fi, err := self.f.Stat()
	if err != nil {
		return errors.Wrap(err, "file: stat")
	}
	if fi.Size() >= want {
		return nil
	}
	fill := make([]byte, self.Blk)
	for i := range fill {
		fill[i] = 0xff
	}
	for off := fi.Size(); off < want; off += int64(self.Blk) {
		if _, err := self.f.WriteAt(fill, off); err != nil {
			return errors.Wrap(err, "file: extend")
		}
	}
	self.Count = blockCount
	return nil
}

func (self *Backend) blockOffset(blk uint64) int64 {
	return int64(blk) * int64(self.Blk)
}

func (self *Backend) Read(blk uint64, off uint32, buf []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, err := self.f.ReadAt(buf, self.blockOffset(blk)+int64(off))
	return errors.Wrap(err, "file: read")
}

func (self *Backend) Program(blk uint64, off uint32, buf []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, err := self.f.WriteAt(buf, self.blockOffset(blk)+int64(off))
	return errors.Wrap(err, "file: program")
}

func (self *Backend) Erase(blk uint64) error {
	fill := make([]byte, self.Blk)
	for i := range fill {
		fill[i] = 0xff
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	_, err := self.f.WriteAt(fill, self.blockOffset(blk))
	return errors.Wrap(err, "file: erase")
}

func (self *Backend) Sync() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.f.Sync()
}

func (self *Backend) AllocateBlock() (uint64, error) {
	if !self.grow {
		return 0, device.ErrNoSpace
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	blk := self.Count
	if err := self.ensureSize(blk + 1); err != nil {
		return 0, err
	}
	return blk, nil
}

func (self *Backend) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.f.Close()
}
