// Package badger backs a device.Interface with a dgraph-io/badger
// key/value store, keyed by big-endian block index. Values are
// snappy-compressed on write and decompressed on read, since blocks
// straight off a log-structured filesystem compress well (long CRC
// padding, repeated tag headers). Erasing a block simply deletes its
// key; a missing key reads back as the erased (all-ones) pattern,
// exactly as an actual NOR/NAND part would after an erase cycle.
package badger

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"
	"github.com/fingon/go-plfs/device"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

type Backend struct {
	device.NopLocker
	device.FixedGeometry

	db *badger.DB
}

var _ device.Interface = &Backend{}

func Open(dir string, blockSize, readSize, progSize uint32, blockCount uint64) (*Backend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badger: open")
	}
	return &Backend{
		FixedGeometry: device.FixedGeometry{Blk: blockSize, Rd: readSize, Prog: progSize, Count: blockCount},
		db:            db,
	}, nil
}

func key(blk uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, blk)
	return b
}

func erasedBlock(size uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func (self *Backend) getBlock(blk uint64) ([]byte, error) {
	var out []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(blk))
		if err == badger.ErrKeyNotFound {
			out = erasedBlock(self.Blk)
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = snappy.Decode(nil, raw)
		return err
	})
	return out, errors.Wrap(err, "badger: get")
}

func (self *Backend) Read(blk uint64, off uint32, buf []byte) error {
	if blk >= self.Count {
		return errors.Errorf("badger: read: block %d out of range", blk)
	}
	b, err := self.getBlock(blk)
	if err != nil {
		return err
	}
	copy(buf, b[off:])
	return nil
}

func (self *Backend) Program(blk uint64, off uint32, buf []byte) error {
	if blk >= self.Count {
		return errors.Errorf("badger: program: block %d out of range", blk)
	}
	b, err := self.getBlock(blk)
	if err != nil {
		return err
	}
	copy(b[off:], buf)
	enc := snappy.Encode(nil, b)
	return errors.Wrap(self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(blk), enc)
	}), "badger: program")
}

func (self *Backend) Erase(blk uint64) error {
	if blk >= self.Count {
		return errors.Errorf("badger: erase: block %d out of range", blk)
	}
	return errors.Wrap(self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(blk))
	}), "badger: erase")
}

func (self *Backend) Sync() error {
	return errors.Wrap(self.db.Sync(), "badger: sync")
}

func (self *Backend) AllocateBlock() (uint64, error) {
	// badger has no fixed extent to grow; every key is addressable
	// on first write, so growth is just widening the visible count.
	blk := self.Count
	self.Count++
	return blk, nil
}

func (self *Backend) Close() error {
	return errors.Wrap(self.db.Close(), "badger: close")
}
