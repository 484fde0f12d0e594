package plfs

// FileInfo is the resolved view of one directory entry returned by
// Stat and ReadDir: just enough to answer the POSIX-ish questions
// (type, size) without exposing the underlying tag encoding.
type FileInfo struct {
	Name  string
	IsDir bool
	Size  uint64
}

func (e *dirEntry) size() uint64 {
	switch e.structTag {
	case TypeInlineStruct:
		return uint64(len(e.structData))
	case TypeCTZStruct:
		c, err := decodeCTZStruct(e.structData)
		if err != nil {
			return 0
		}
		return c.Size
	default:
		return 0
	}
}

// Stat resolves path and reports its type and size. The root itself
// reports as an empty directory.
func (fs *FS) Stat(path string) (FileInfo, error) {
	var out FileInfo
	err := fs.withLock(func() error {
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		if res.entry == nil {
			out = FileInfo{Name: "/", IsDir: true}
			return nil
		}
		out = FileInfo{Name: string(res.entry.name), IsDir: res.entry.isDir(), Size: res.entry.size()}
		return nil
	})
	return out, err
}

// ReadDir resolves path as a directory and returns one FileInfo per
// live entry, following hard tails so a split directory reads back
// as a single flat listing.
func (fs *FS) ReadDir(path string) ([]FileInfo, error) {
	var out []FileInfo
	err := fs.withLock(func() error {
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		dir := res.dir
		if res.entry != nil {
			if !res.entry.isDir() {
				return wrapf(ErrNotDir, "readdir: %q is not a directory", path)
			}
			child, err := decodePair(res.entry.structData)
			if err != nil {
				return err
			}
			dir, err = fs.cachedFetchPair(child)
			if err != nil {
				return err
			}
		}
		for {
			hidden := -1
			if fs.gstate.hasMoveHere(dir.pair) {
				hidden = int(fs.gstate.moveTargetID())
			}
			for id, e := range dir.live {
				if e == nil || id == hidden || e.nameTag == TypeSuperblock {
					continue
				}
				out = append(out, FileInfo{Name: string(e.name), IsDir: e.isDir(), Size: e.size()})
			}
			if !dir.split {
				return nil
			}
			dir, err = fs.cachedFetchPair(dir.tail)
			if err != nil {
				return err
			}
		}
	})
	return out, err
}

// SetAttribute stores a user attribute (an 8-bit typed byte string)
// on the entry at path, overwriting whatever value it already held.
func (fs *FS) SetAttribute(path string, attrType uint8, value []byte) error {
	if len(value) > int(fs.cfg.AttrMax) {
		return wrapf(ErrFBig, "setattr: value exceeds attr_max")
	}
	return fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		if res.entry == nil {
			return wrapf(ErrInval, "setattr: root has no attributes")
		}
		_, err = res.dir.Commit(userAttr(res.id, attrType, value))
		return err
	})
}

// GetAttribute returns the entry's current value for attrType, or
// ErrNoEnt if it was never set (or has been removed).
func (fs *FS) GetAttribute(path string, attrType uint8) ([]byte, error) {
	var out []byte
	err := fs.withLock(func() error {
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		if res.entry == nil {
			return wrapf(ErrNoEnt, "getattr: root has no attributes")
		}
		v, ok := res.entry.attrs[attrType]
		if !ok {
			return wrapf(ErrNoEnt, "getattr: attribute %d not set", attrType)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// RemoveAttribute deletes a user attribute; it is not an error to
// remove one that was never set.
func (fs *FS) RemoveAttribute(path string, attrType uint8) error {
	return fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		if res.entry == nil {
			return wrapf(ErrInval, "removeattr: root has no attributes")
		}
		if _, ok := res.entry.attrs[attrType]; !ok {
			return nil
		}
		_, err = res.dir.Commit(deleteUserAttr(res.id, attrType))
		return err
	})
}
