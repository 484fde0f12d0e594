// Package memory provides an in-memory device.Interface, storing
// every block as a plain byte slice. It is the fastest backend and
// the one exercised by nearly all of the filesystem's own tests; data
// is always assumed to be available, mirroring storage.InMemoryBlockBackend
// in the teacher package this module was grown from.
package memory

import (
	"sync"

	"github.com/fingon/go-plfs/device"
	"github.com/pkg/errors"
)

type Backend struct {
	device.NopLocker
	device.FixedGeometry

	mu     sync.Mutex
	blocks [][]byte
	grow   bool
}

var _ device.Interface = &Backend{}

// New creates a fixed-size in-memory device of blockCount blocks,
// each blockSize bytes, with the given read/program alignment. If
// grow is true, AllocateBlock appends fresh erased blocks instead of
// failing with device.ErrNoSpace.
func New(blockSize, readSize, progSize uint32, blockCount uint64, grow bool) *Backend {
	self := &Backend{
		FixedGeometry: device.FixedGeometry{Blk: blockSize, Rd: readSize, Prog: progSize, Count: blockCount},
		grow:          grow,
	}
	self.blocks = make([][]byte, blockCount)
	for i := range self.blocks {
		self.blocks[i] = erasedBlock(blockSize)
	}
	return self
}

func erasedBlock(size uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func (self *Backend) Read(blk uint64, off uint32, buf []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if blk >= uint64(len(self.blocks)) {
		return errors.Errorf("memory: read: block %d out of range", blk)
	}
	copy(buf, self.blocks[blk][off:])
	return nil
}

func (self *Backend) Program(blk uint64, off uint32, buf []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if blk >= uint64(len(self.blocks)) {
		return errors.Errorf("memory: program: block %d out of range", blk)
	}
	copy(self.blocks[blk][off:], buf)
	return nil
}

func (self *Backend) Erase(blk uint64) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if blk >= uint64(len(self.blocks)) {
		return errors.Errorf("memory: erase: block %d out of range", blk)
	}
	self.blocks[blk] = erasedBlock(self.Blk)
	return nil
}

func (self *Backend) Sync() error { return nil }

func (self *Backend) AllocateBlock() (uint64, error) {
	if !self.grow {
		return 0, device.ErrNoSpace
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	blk := uint64(len(self.blocks))
	self.blocks = append(self.blocks, erasedBlock(self.Blk))
	self.Count = uint64(len(self.blocks))
	return blk, nil
}

func (self *Backend) Close() error { return nil }

// Snapshot returns a deep copy of the raw device contents, used by
// power-loss tests to capture the device state after a partial write
// sequence and remount it as-is.
func (self *Backend) Snapshot() *Backend {
	self.mu.Lock()
	defer self.mu.Unlock()
	cp := &Backend{FixedGeometry: self.FixedGeometry, grow: self.grow}
	cp.blocks = make([][]byte, len(self.blocks))
	for i, b := range self.blocks {
		nb := make([]byte, len(b))
		copy(nb, b)
		cp.blocks[i] = nb
	}
	return cp
}
