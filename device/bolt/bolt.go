// Package bolt backs a device.Interface with a go.etcd.io/bbolt
// key/value store, one bucket holding a big-endian block index keyed
// record per block. It mirrors the badger backend's erase-by-delete
// convention and is useful where a single-file, single-process store
// is preferable to badger's LSM directory layout.
package bolt

import (
	"encoding/binary"

	"github.com/fingon/go-plfs/device"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("blocks")

type Backend struct {
	device.NopLocker
	device.FixedGeometry

	db *bolt.DB
}

var _ device.Interface = &Backend{}

func Open(path string, blockSize, readSize, progSize uint32, blockCount uint64) (*Backend, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bolt: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bolt: init bucket")
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

func (self *Backend) getBlock(blk uint64) (out []byte, err error) {
	err = self.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(key(blk))
		if raw == nil {
			out = erasedBlock(self.Blk)
			return nil
		}
		out, err = snappy.Decode(nil, raw)
		return err
	})
	return out, errors.Wrap(err, "bolt: get")
}

func (self *Backend) Read(blk uint64, off uint32, buf []byte) error {
	if blk >= self.Count {
		return errors.Errorf("bolt: read: block %d out of range", blk)
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
		return errors.Errorf("bolt: program: block %d out of range", blk)
	}
	b, err := self.getBlock(blk)
	if err != nil {
		return err
	}
	copy(b[off:], buf)
	enc := snappy.Encode(nil, b)
	return errors.Wrap(self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(blk), enc)
	}), "bolt: program")
}

func (self *Backend) Erase(blk uint64) error {
	if blk >= self.Count {
		return errors.Errorf("bolt: erase: block %d out of range", blk)
	}
	return errors.Wrap(self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(blk))
	}), "bolt: erase")
}

func (self *Backend) Sync() error {
	return errors.Wrap(self.db.Sync(), "bolt: sync")
}

func (self *Backend) AllocateBlock() (uint64, error) {
	blk := self.Count
	self.Count++
	return blk, nil
}

func (self *Backend) Close() error {
	return errors.Wrap(self.db.Close(), "bolt: close")
}
