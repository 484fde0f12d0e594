package plfs

import (
	"strings"

	"github.com/fingon/go-plfs/mlog"
	"github.com/pkg/errors"
)

// rootPair is the fixed address of the filesystem's root directory,
// per the design's superblock placement.
var rootPair = Pair{0, 1}

// splitPath tokenizes a path by '/', collapsing '.' and ".." against
// the already-consumed prefix at the text level so lookups never have
// to touch the device for them.
func splitPath(path string) ([]string, error) {
	var out []string
	for _, tok := range strings.Split(path, "/") {
		switch tok {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, wrapf(ErrInval, "path: %q escapes root", path)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, tok)
		}
	}
	return out, nil
}

// lookupResult names a resolved path: the pair holding the final
// component (or the whole path, for the root itself), its id there
// (NoID for the root), and the resolved entry.
type lookupResult struct {
	dir   *mdir
	id    uint16
	entry *dirEntry // nil when resolving the root itself
}

// find walks path from the root, descending through DIRSTRUCT
// children one component at a time and following split tails as
// needed within each directory.
func (fs *FS) find(path string) (lookupResult, error) {
	names, err := splitPath(path)
	if err != nil {
		return lookupResult{}, err
	}
	dir, err := fs.cachedFetchPair(rootPair)
	if err != nil {
		return lookupResult{}, err
	}
	if len(names) == 0 {
		return lookupResult{dir: dir, id: NoID, entry: nil}, nil
	}
	for i, name := range names {
		if len(name) > int(fs.cfg.NameMax) {
			return lookupResult{}, wrapf(ErrNameTooLong, "path: component %q exceeds name_max", name)
		}
		holder, id, entry, err := fetchMatch(fs, dir, []byte(name))
		if err != nil {
			return lookupResult{}, err
		}
		last := i == len(names)-1
		if last {
			return lookupResult{dir: holder, id: id, entry: entry}, nil
		}
		if !entry.isDir() {
			return lookupResult{}, wrapf(ErrNotDir, "path: %q is not a directory", name)
		}
		child, err := decodePair(entry.structData)
		if err != nil {
			return lookupResult{}, err
		}
		dir, err = fs.fetchChild(holder, id, child)
		if err != nil {
			return lookupResult{}, err
		}
	}
	return lookupResult{}, wrapf(ErrNoEnt, "path: empty component chain")
}

// fetchMatch looks up name in dir, following hard tails so a single
// split directory is still searched as one logical namespace. It
// returns the pair that actually holds the match - which may be a tail
// segment of dir, not dir itself - since id is only meaningful
// relative to whichever pair's own table it was found in.
func fetchMatch(fs *FS, dir *mdir, name []byte) (*mdir, uint16, *dirEntry, error) {
	for {
		if id, e, err := dir.lookupName(name); err == nil {
			return dir, id, e, nil
		}
		if !dir.split {
			return nil, 0, nil, wrapf(ErrNoEnt, "metadata: no entry named %q", name)
		}
		next, err := fs.cachedFetchPair(dir.tail)
		if err != nil {
			return nil, 0, nil, err
		}
		dir = next
	}
}

// parentAndLeaf resolves all but the last component of path, which
// must be a directory, and returns it along with the leaf name.
func (fs *FS) parentAndLeaf(path string) (*mdir, string, error) {
	names, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", wrapf(ErrInval, "path: %q has no leaf component", path)
	}
	res, err := fs.find("/" + strings.Join(names[:len(names)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if res.entry != nil && !res.entry.isDir() {
		return nil, "", wrapf(ErrNotDir, "path: parent of %q is not a directory", path)
	}
	dir := res.dir
	if res.entry != nil {
		child, err := decodePair(res.entry.structData)
		if err != nil {
			return nil, "", err
		}
		dir, err = fs.fetchChild(res.dir, res.id, child)
		if err != nil {
			return nil, "", err
		}
	}
	return dir, names[len(names)-1], nil
}

// dirForSplit returns whichever pair in dir's split chain currently
// has room for one more dense id, so new entries always land at the
// frontier rather than forcing an immediate split.
func dirForSplit(fs *FS, dir *mdir) (*mdir, error) {
	for dir.split {
		next, err := fs.cachedFetchPair(dir.tail)
		if err != nil {
			return nil, err
		}
		dir = next
	}
	return dir, nil
}

// Mkdir creates an empty directory at path; the parent must already
// exist.
func (fs *FS) Mkdir(path string) error {
	return fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		parent, leaf, err := fs.parentAndLeaf(path)
		if err != nil {
			return err
		}
		if len(leaf) > int(fs.cfg.NameMax) {
			return wrapf(ErrNameTooLong, "mkdir: %q exceeds name_max", leaf)
		}
		if _, _, _, err := fetchMatch(fs, parent, []byte(leaf)); err == nil {
			return wrapf(ErrExist, "mkdir: %q already exists", leaf)
		}
		target, err := dirForSplit(fs, parent)
		if err != nil {
			return err
		}

		// Bracket the allocation with the orphan counter: until the
		// parent commit below links the new pair in, a crash would
		// leave it allocated but unreferenced. Our allocator rescans
		// the live tree rather than keeping a persistent free list, so
		// those blocks are never actually leaked either way; the
		// counter just gives mount something to notice and clear.
		fs.gstate.orphans++
		if _, err := target.Commit(); err != nil {
			return err
		}

		newPair, err := fs.allocPair()
		if err != nil {
			return err
		}
		if err := fs.dev.Erase(uint64(newPair.A)); err != nil {
			return wrapf(ErrIO, "mkdir: erase: %v", err)
		}
		if err := fs.dev.Erase(uint64(newPair.B)); err != nil {
			return wrapf(ErrIO, "mkdir: erase: %v", err)
		}
		nd := &mdir{fs: fs, pair: newPair, blk: newPair.A, rev: 1}
		wnd, fits, err := nd.writeFresh(newPair.A, 1, nil, Pair{}, false, gstate{}, 0, false)
		if err != nil || !fits {
			return errors.Wrap(err, "mkdir: init new pair")
		}
		if _, _, err := wnd.writeFresh(newPair.B, 2, nil, Pair{}, false, gstate{}, 0, false); err != nil {
			return errors.Wrap(err, "mkdir: init new pair half B")
		}

		id := target.count()
		fs.gstate.orphans--
		_, err = target.Commit(nameAttr(id, true, []byte(leaf)), structAttr(id, TypeDirStruct, encodePair(newPair)))
		if err != nil {
			return err
		}
		mlog.Printf2("plfs/tree", "mkdir %q -> pair %v", path, newPair)
		return nil
	})
}

// Remove deletes a file or an empty, unsplit directory at path.
func (fs *FS) Remove(path string) error {
	return fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		res, err := fs.find(path)
		if err != nil {
			return err
		}
		if res.entry == nil {
			return wrapf(ErrInval, "remove: cannot remove root")
		}
		dir := res.dir
		if res.entry.isDir() {
			child, err := decodePair(res.entry.structData)
			if err != nil {
				return err
			}
			cd, err := fs.cachedFetchPair(child)
			if err != nil {
				return err
			}
			if cd.count() > 0 || cd.split {
				return wrapf(ErrNotEmpty, "remove: %q is not empty", path)
			}
			if _, err := dir.Commit(deleteAttr(res.id)); err != nil {
				return err
			}
			fs.patchIDsAfterDelete(dir.pair, res.id)
			return nil
		}
		if _, err := dir.Commit(deleteAttr(res.id)); err != nil {
			return err
		}
		fs.patchIDsAfterDelete(dir.pair, res.id)
		mlog.Printf2("plfs/tree", "remove %q", path)
		return nil
	})
}

func (fs *FS) patchIDsAfterDelete(pair Pair, deletedID uint16) {
	fs.handles.Each(func(h *File) {
		if h.pair != pair {
			return
		}
		if h.id == deletedID {
			h.erred = wrapf(ErrNoEnt, "handle: underlying entry was removed")
		} else if h.id > deletedID {
			h.id--
		}
	})
}

// Rename moves or overwrites oldpath with newpath, as a delete-create
// combined commit on the destination pair; when source and
// destination live in different pairs a pending-move marker
// (gstate.movePair/moveID) covers the gap between the two commits so a crash
// in between is resolved by demove on the next mount.
func (fs *FS) Rename(oldpath, newpath string) error {
	return fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		src, err := fs.find(oldpath)
		if err != nil {
			return err
		}
		if src.entry == nil {
			return wrapf(ErrInval, "rename: cannot rename root")
		}
		dstParent, leaf, err := fs.parentAndLeaf(newpath)
		if err != nil {
			return err
		}
		if len(leaf) > int(fs.cfg.NameMax) {
			return wrapf(ErrNameTooLong, "rename: %q exceeds name_max", leaf)
		}
		existHolder, existID, existEntry, existErr := fetchMatch(fs, dstParent, []byte(leaf))
		haveDest := existErr == nil
		if haveDest && existEntry.isDir() != src.entry.isDir() {
			return wrapf(ErrIsDir, "rename: %q type mismatch with destination", oldpath)
		}
		if haveDest && existEntry.isDir() {
			child, _ := decodePair(existEntry.structData)
			cd, err := fs.cachedFetchPair(child)
			if err == nil && (cd.count() > 0 || cd.split) {
				return wrapf(ErrNotEmpty, "rename: destination %q is not empty", newpath)
			}
		}

		// An existing destination must be overwritten on whichever pair
		// actually holds it (it may be an earlier segment of a split
		// directory, not the frontier dirForSplit would pick); only a
		// brand new entry goes to the frontier, where there's room to
		// append one.
		var commitTarget *mdir
		var newID uint16
		if haveDest {
			commitTarget, newID = existHolder, existID
		} else {
			target, err := dirForSplit(fs, dstParent)
			if err != nil {
				return err
			}
			commitTarget, newID = target, target.count()
		}
		sameDir := commitTarget.pair == src.dir.pair

		attrs := []rawAttr{nameAttr(newID, src.entry.isDir(), []byte(leaf))}
		if src.entry.structTag != 0 {
			attrs = append(attrs, structAttr(newID, src.entry.structTag, src.entry.structData))
		}
		for t, v := range src.entry.attrs {
			attrs = append(attrs, userAttr(newID, t, v))
		}

		if !sameDir {
			fs.gstate.movePair = src.dir.pair
			fs.gstate.moveID = src.id
		}

		if _, err := commitTarget.Commit(attrs...); err != nil {
			return err
		}

		if sameDir {
			delID := src.id
			if !haveDest && newID <= delID {
				delID++ // the create shifted src's own slot before we delete it
			}
			if haveDest && existID == delID {
				// overwritten in place; nothing further to delete
			} else {
				if _, err := commitTarget.Commit(deleteAttr(delID)); err != nil {
					return err
				}
				fs.patchIDsAfterDelete(commitTarget.pair, delID)
			}
			return nil
		}

		// The source delete commit also claims the cleared marker.
		fs.gstate.movePair = Pair{}
		fs.gstate.moveID = noMoveID
		if _, err := src.dir.Commit(deleteAttr(src.id)); err != nil {
			fs.gstate.movePair, fs.gstate.moveID = src.dir.pair, src.id
			return err
		}
		fs.patchIDsAfterDelete(src.dir.pair, src.id)
		mlog.Printf2("plfs/tree", "rename %q -> %q", oldpath, newpath)
		return nil
	})
}

// traverse visits every block reachable from the root: both halves of
// every metadata pair and every CTZ data block of every regular file.
// This is what the allocator's lookahead window scans with to decide
// which blocks are free; a pair that Remove has unlinked stops being
// visited the moment its parent's DIRSTRUCT entry is gone, so no
// separate free-list bookkeeping is needed.
func (fs *FS) traverse(mark func(BlockID)) error {
	visited := map[Pair]bool{}
	return fs.traversePair(rootPair, mark, visited)
}

func (fs *FS) traversePair(pair Pair, mark func(BlockID), visited map[Pair]bool) error {
	if visited[pair] {
		return nil
	}
	visited[pair] = true
	mark(pair.A)
	mark(pair.B)
	dir, err := fs.fetchPair(pair)
	if err != nil {
		return err
	}
	for _, e := range dir.live {
		if e == nil {
			continue
		}
		switch e.structTag {
		case TypeCTZStruct:
			c, err := decodeCTZStruct(e.structData)
			if err == nil && c.Head != NullBlock {
				if err := fs.traverseCTZ(c.Head, c.Size, mark); err != nil {
					return err
				}
			}
		case TypeDirStruct:
			child, err := decodePair(e.structData)
			if err == nil {
				if err := fs.traversePair(child, mark, visited); err != nil {
					return err
				}
			}
		}
	}
	if dir.split {
		return fs.traversePair(dir.tail, mark, visited)
	}
	return nil
}

// traverseCTZ marks every block of a file's skip list by starting at
// the head and following each block's first (most recent) back-pointer
// down to the file's first block, which touches every allocated block
// exactly once.
func (fs *FS) traverseCTZ(head BlockID, size uint64, mark func(BlockID)) error {
	if size == 0 || head == NullBlock {
		return nil
	}
	blockDataSize := fs.blockDataSize()
	index, _ := ctzIndex(size-1, blockDataSize)
	cur := head
	curIndex := index
	mark(cur)
	for curIndex > 0 {
		ptrs, err := fs.readCTZPointers(cur, ctzPointerCount(curIndex))
		if err != nil {
			return err
		}
		cur = ptrs[0]
		curIndex--
		mark(cur)
	}
	return nil
}
