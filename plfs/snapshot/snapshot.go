// Package snapshot stores and restores named block-level snapshots of
// a device.Interface image in a go.etcd.io/bbolt database, independent
// of any mounted filesystem. device/memory.Backend.Snapshot is an
// in-process deep copy that dies with the test binary; this package
// gives the same crash-scenario capture a durable, inspectable
// artifact that survives a process exit and can be shared between
// test runs or handed to plfsutil.
package snapshot

import (
	"encoding/binary"

	"github.com/fingon/go-plfs/device"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Store is a bolt database holding one bucket per snapshot name, each
// bucket keyed by big-endian block index.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open")
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	return errors.Wrap(self.db.Close(), "snapshot: close")
}

func key(blk uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, blk)
	return b
}

// Save reads every block of dev and stores it under name, replacing
// any snapshot previously saved under that name.
func (self *Store) Save(name string, dev device.Interface) error {
	bucketName := []byte(name)
	buf := make([]byte, dev.BlockSize())
	return errors.Wrap(self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for blk := uint64(0); blk < dev.BlockCount(); blk++ {
			if err := dev.Read(blk, 0, buf); err != nil {
				return errors.Wrapf(err, "read block %d", blk)
			}
			if err := bucket.Put(key(blk), snappy.Encode(nil, buf)); err != nil {
				return err
			}
		}
		return nil
	}), "snapshot: save")
}

// Restore erases and reprograms every block of dev from the named
// snapshot. dev must have at least as many blocks as were saved.
func (self *Store) Restore(name string, dev device.Interface) error {
	return errors.Wrap(self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(name))
		if bucket == nil {
			return errors.Errorf("no such snapshot %q", name)
		}
		return bucket.ForEach(func(k, v []byte) error {
			blk := binary.BigEndian.Uint64(k)
			raw, err := snappy.Decode(nil, v)
			if err != nil {
				return err
			}
			if err := dev.Erase(blk); err != nil {
				return errors.Wrapf(err, "erase block %d", blk)
			}
			return errors.Wrapf(dev.Program(blk, 0, raw), "program block %d", blk)
		})
	}), "snapshot: restore")
}

// List returns the names of every snapshot currently stored, in no
// particular order.
func (self *Store) List() ([]string, error) {
	var names []string
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, errors.Wrap(err, "snapshot: list")
}
