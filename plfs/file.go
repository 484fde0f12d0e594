package plfs

import (
	"io"

	"github.com/fingon/go-plfs/mlog"
	"github.com/fingon/go-plfs/util"
	"github.com/pkg/errors"
)

// OpenFlag selects the mode an OpenFile call resolves a path with,
// mirroring the POSIX-ish open(2) flag vocabulary the design's §1
// operation list (create, open, read, write, truncate) calls for.
type OpenFlag int

const (
	OpenRead OpenFlag = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
	OpenAppend
	OpenExcl
)

// File is an open handle on a regular file: its identity (parent
// pair + id, recorded in the handle when it is opened and used as-is
// by later calls), its current content once touched, and the cursor
// a Read/Write/Seek sequence advances.
//
// Content is represented one of three ways. An untouched file is read
// directly off its on-disk inline payload or CTZ chain (readCTZRange
// walks the skip list with no full-file buffering, so a large
// read-only file never costs more RAM than the request). A write that
// only appends to an already-CTZ file at its current end extends the
// chain in place via appendCTZ, amortized O(1) per byte, leaving buf
// nil the whole time. Anything else - the first write to an inline or
// untouched file, or a write that seeks into the middle - falls back
// to materializing the whole file into buf; every Sync thereafter
// rebuilds the on-disk representation from buf in one shot. Once a
// handle is in buf mode it stays there; buf is never cleared back to
// nil by Sync.
type File struct {
	fs   *FS
	elem *util.Element[*File]

	pair Pair // parent directory's pair, for patchIDsAfterDelete matching
	id   uint16
	name string

	inline    bool
	inlineBuf []byte
	ctz       ctzStruct

	buf   []byte
	dirty bool

	pos    uint64
	closed bool
	erred  error
}

func (fs *FS) openExisting(pair Pair, id uint16, name string, entry *dirEntry) *File {
	f := &File{fs: fs, pair: pair, id: id, name: name}
	switch entry.structTag {
	case TypeInlineStruct:
		f.inline = true
		f.inlineBuf = append([]byte(nil), entry.structData...)
	case TypeCTZStruct:
		if c, err := decodeCTZStruct(entry.structData); err == nil {
			f.ctz = c
		} else {
			f.ctz = ctzStruct{Head: NullBlock, Size: 0}
		}
	default:
		f.inline = true
	}
	return f
}

// OpenFile resolves path under flags, creating it if OpenCreate is
// set and it doesn't exist, and returns a handle registered on
// fs.handles so concurrent Remove/Rename keeps its id in sync.
func (fs *FS) OpenFile(path string, flags OpenFlag) (*File, error) {
	var f *File
	err := fs.withLock(func() error {
		if err := fs.forceConsistency(); err != nil {
			return err
		}
		res, err := fs.find(path)
		if err == nil {
			if res.entry == nil {
				return wrapf(ErrIsDir, "open: %q is the root", path)
			}
			if res.entry.isDir() {
				return wrapf(ErrIsDir, "open: %q is a directory", path)
			}
			if flags&OpenCreate != 0 && flags&OpenExcl != 0 {
				return wrapf(ErrExist, "open: %q already exists", path)
			}
			f = fs.openExisting(res.dir.pair, res.id, path, res.entry)
			if flags&OpenTruncate != 0 {
				f.inline, f.ctz = true, ctzStruct{}
				f.inlineBuf = nil
				f.buf = nil
				f.dirty = true
			}
			return nil
		}
		if !errors.Is(err, ErrNoEnt) || flags&OpenCreate == 0 {
			return err
		}
		parent, leaf, perr := fs.parentAndLeaf(path)
		if perr != nil {
			return perr
		}
		if len(leaf) > int(fs.cfg.NameMax) {
			return wrapf(ErrNameTooLong, "open: %q exceeds name_max", leaf)
		}
		target, derr := dirForSplit(fs, parent)
		if derr != nil {
			return derr
		}
		id := target.count()
		if _, cerr := target.Commit(nameAttr(id, false, []byte(leaf)), structAttr(id, TypeInlineStruct, nil)); cerr != nil {
			return cerr
		}
		fs.invalidateDir(target.pair)
		f = &File{fs: fs, pair: target.pair, id: id, name: path, inline: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flags&OpenAppend != 0 {
		f.pos = f.Size()
	}
	_ = fs.withLock(func() error {
		f.elem = fs.handles.PushBack(f)
		return nil
	})
	mlog.Printf2("plfs/file", "open %q id=%d pair=%v", path, f.id, f.pair)
	return f, nil
}

// Create opens path for reading and writing, creating it (truncating
// if it already exists) - the Go idiom for O_RDWR|O_CREATE|O_TRUNC.
func (fs *FS) Create(path string) (*File, error) {
	return fs.OpenFile(path, OpenCreate|OpenTruncate|OpenWrite|OpenRead)
}

// Open opens an existing path for reading.
func (fs *FS) Open(path string) (*File, error) {
	return fs.OpenFile(path, OpenRead)
}

func (f *File) Size() uint64 {
	if f.buf != nil {
		return uint64(len(f.buf))
	}
	if f.inline {
		return uint64(len(f.inlineBuf))
	}
	return f.ctz.Size
}

// materialize loads the file's entire current content into buf, the
// point at which a Write call commits to the simpler whole-file
// rewrite-on-Sync model.
func (f *File) materialize() error {
	if f.buf != nil {
		return nil
	}
	if f.inline {
		f.buf = append([]byte(nil), f.inlineBuf...)
		return nil
	}
	buf := make([]byte, f.ctz.Size)
	if err := f.fs.readCTZRange(f.ctz, 0, buf); err != nil {
		return err
	}
	f.buf = buf
	return nil
}

// Read fills p starting at the current position, advancing it by the
// number of bytes read; it returns io.EOF once the position reaches
// the end of the file, matching io.Reader.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, wrapf(ErrBadF, "read: file closed")
	}
	if f.erred != nil {
		return 0, f.erred
	}
	size := f.Size()
	if f.pos >= size {
		return 0, io.EOF
	}
	n := uint64(len(p))
	if f.pos+n > size {
		n = size - f.pos
	}
	if f.buf != nil {
		copy(p, f.buf[f.pos:f.pos+n])
	} else if f.inline {
		copy(p, f.inlineBuf[f.pos:f.pos+n])
	} else {
		if err := f.fs.readCTZRange(f.ctz, f.pos, p[:n]); err != nil {
			return 0, err
		}
	}
	f.pos += n
	return int(n), nil
}

// Write copies p into the file at the current position, extending the
// file and zero-filling any gap if the position is past the current
// end, and advances the position by len(p).
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, wrapf(ErrBadF, "write: file closed")
	}
	if f.erred != nil {
		return 0, f.erred
	}
	if uint64(len(p)) > f.fs.cfg.FileMax || f.pos+uint64(len(p)) > f.fs.cfg.FileMax {
		return 0, wrapf(ErrFBig, "write: exceeds file_max")
	}
	if f.canAppendIncrementally() {
		if err := f.appendCTZ(p); err != nil {
			f.erred = err
			return 0, err
		}
		f.pos += uint64(len(p))
		f.dirty = true
		return len(p), nil
	}
	if err := f.materialize(); err != nil {
		f.erred = err
		return 0, err
	}
	end := f.pos + uint64(len(p))
	if end > uint64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.pos:end], p)
	f.pos = end
	f.dirty = true
	return len(p), nil
}

// Seek repositions the cursor per io.Seeker semantics; seeking past
// the current end is permitted, with the gap zero-filled lazily by
// the next Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, wrapf(ErrBadF, "seek: file closed")
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.Size())
	default:
		return 0, wrapf(ErrInval, "seek: invalid whence %d", whence)
	}
	np := base + offset
	if np < 0 {
		return 0, wrapf(ErrInval, "seek: negative resulting position")
	}
	f.pos = uint64(np)
	return np, nil
}

// Truncate sets the file's size to size, zero-filling if growing or
// discarding the tail if shrinking.
func (f *File) Truncate(size uint64) error {
	if f.closed {
		return wrapf(ErrBadF, "truncate: file closed")
	}
	if size > f.fs.cfg.FileMax {
		return wrapf(ErrFBig, "truncate: exceeds file_max")
	}
	if err := f.materialize(); err != nil {
		return err
	}
	if size <= uint64(len(f.buf)) {
		f.buf = f.buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.buf)
		f.buf = grown
	}
	if f.pos > size {
		f.pos = size
	}
	f.dirty = true
	return nil
}

// Sync flushes pending writes to the parent directory. A handle still
// in buf mode rewrites its whole current content as either a fresh
// INLINESTRUCT or a fresh CTZ chain depending on size; a handle that
// only ever grew through appendCTZ has already landed every block it
// needs on disk, so Sync just commits the chain's current head and
// size. Either way the commit lands atomically alongside the file's
// user attributes.
func (f *File) Sync() error {
	if f.closed {
		return wrapf(ErrBadF, "sync: file closed")
	}
	if !f.dirty {
		return f.erred
	}
	return f.fs.withLock(func() error {
		dir, err := f.fs.fetchPair(f.pair)
		if err != nil {
			f.erred = err
			return err
		}
		var attrs []rawAttr
		if f.buf == nil {
			attrs = append(attrs, structAttr(f.id, TypeCTZStruct, f.ctz.encode()))
		} else if len(f.buf) <= f.fs.cfg.inlineLimit() {
			attrs = append(attrs, structAttr(f.id, TypeInlineStruct, f.buf))
		} else {
			ctz, err := f.fs.writeCTZChain(f.buf)
			if err != nil {
				f.erred = err
				return err
			}
			attrs = append(attrs, structAttr(f.id, TypeCTZStruct, ctz.encode()))
		}
		if _, err := dir.Commit(attrs...); err != nil {
			f.erred = err
			return err
		}
		f.fs.invalidateDir(f.pair)
		if f.buf != nil {
			if len(f.buf) <= f.fs.cfg.inlineLimit() {
				f.inline, f.inlineBuf = true, f.buf
				f.ctz = ctzStruct{}
			} else {
				f.inline = false
				f.ctz, _ = decodeCTZStruct(attrs[0].data)
				f.inlineBuf = nil
			}
		}
		f.dirty = false
		return nil
	})
}

// Close flushes pending writes and unregisters the handle; further
// use of f after Close returns ErrBadF.
func (f *File) Close() error {
	if f.closed {
		return wrapf(ErrBadF, "close: file already closed")
	}
	err := f.Sync()
	return f.fs.withLock(func() error {
		f.closed = true
		f.fs.handles.Remove(f.elem)
		return err
	})
}

// readCTZRange reads n bytes starting at off from a CTZ chain
// described by c, walking from the head once per destination block
// (ctzFind is O(log n) per call; see ctz.go for why a cheaper
// incremental walk was not used).
func (fs *FS) readCTZRange(c ctzStruct, off uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if off+uint64(len(p)) > c.Size {
		return wrapf(ErrInval, "ctz: read range exceeds file size")
	}
	blockDataSize := fs.blockDataSize()
	headIndex, _ := ctzIndex(c.Size-1, blockDataSize)
	got := uint64(0)
	for got < uint64(len(p)) {
		curOff := off + got
		index, dataOff := ctzIndex(curOff, blockDataSize)
		blk, err := ctzFind(fs.readCTZPointers, c.Head, headIndex, index)
		if err != nil {
			return err
		}
		headerLen := uint32(4 * ctzPointerCount(index))
		blockCap := ctzCap(index, blockDataSize)
		avail := blockCap - dataOff
		n := uint64(avail)
		if n > uint64(len(p))-got {
			n = uint64(len(p)) - got
		}
		if err := fs.rcache.Read(blk, headerLen+dataOff, p[got:got+n]); err != nil {
			return err
		}
		got += n
	}
	return nil
}

// writeCTZChain allocates and writes a brand new CTZ skip list holding
// data, always building it from scratch rather than extending an
// existing tail in place. Used by Sync for a handle still in buf mode
// (the first write to an inline or untouched file, or any write that
// didn't land at the chain's exact end); see appendCTZ for the
// in-place extension path a plain trailing write takes instead.
func (fs *FS) writeCTZChain(data []byte) (ctzStruct, error) {
	if len(data) == 0 {
		return ctzStruct{Head: NullBlock, Size: 0}, nil
	}
	blockDataSize := fs.blockDataSize()
	ptrsByBlock := map[BlockID][]BlockID{}
	read := func(blk BlockID, count int) ([]BlockID, error) {
		p, ok := ptrsByBlock[blk]
		if !ok {
			return nil, wrapf(ErrCorrupt, "ctz: unknown block %d while building chain", blk)
		}
		if count > len(p) {
			count = len(p)
		}
		return p[:count], nil
	}

	var head, prevBlock BlockID
	var prevIndex uint32
	index := uint32(0)
	off := 0
	for off < len(data) {
		capacity := int(ctzCap(index, blockDataSize))
		n := len(data) - off
		if n > capacity {
			n = capacity
		}
		blk, err := fs.allocBlock()
		if err != nil {
			return ctzStruct{}, err
		}
		if err := fs.dev.Erase(uint64(blk)); err != nil {
			return ctzStruct{}, wrapf(ErrIO, "ctz: erase %d: %v", blk, err)
		}
		var pointers []BlockID
		if index > 0 {
			_, ptrs, err := ctzExtend(read, prevBlock, prevIndex)
			if err != nil {
				return ctzStruct{}, err
			}
			pointers = ptrs
		}
		if len(pointers) > 0 {
			pbuf := make([]byte, 4*len(pointers))
			for i, p := range pointers {
				putBlockID(pbuf[4*i:4*i+4], p)
			}
			if err := fs.wcache.Prog(blk, 0, pbuf); err != nil {
				return ctzStruct{}, err
			}
		}
		if n > 0 {
			if err := fs.wcache.Prog(blk, uint32(4*len(pointers)), data[off:off+n]); err != nil {
				return ctzStruct{}, err
			}
		}
		if err := fs.wcache.Flush(); err != nil {
			return ctzStruct{}, err
		}
		ptrsByBlock[blk] = pointers
		head = blk
		prevBlock, prevIndex = blk, index
		off += n
		index++
	}
	return ctzStruct{Head: head, Size: uint64(len(data))}, nil
}

// canAppendIncrementally reports whether the next Write can extend
// the file's existing CTZ chain in place via appendCTZ instead of
// falling back to the whole-buffer materialize model: the handle must
// never have been touched into buf mode, must already be a (nonempty)
// CTZ file rather than inline, and the write must land exactly at the
// chain's current end - anything else (a seek into the middle, or the
// very first write to an untouched/inline file) needs the general
// path.
func (f *File) canAppendIncrementally() bool {
	return !f.inline && f.buf == nil && f.ctz.Head != NullBlock && f.ctz.Size > 0 && f.pos == f.ctz.Size
}

// appendCTZ extends f's CTZ chain by data, resuming into whatever
// spare capacity the current tail block has left before allocating
// and writing fresh blocks, mirroring ctzExtend's back-pointer layout.
// Blocks allocated within this call are tracked in ptrsByBlock so a
// multi-block append can look up its own just-written pointers
// without reading them back off a device cache that may not have
// flushed yet; older blocks fall through to readCTZPointers.
func (f *File) appendCTZ(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	fs := f.fs
	blockDataSize := fs.blockDataSize()
	ptrsByBlock := map[BlockID][]BlockID{}
	read := func(blk BlockID, count int) ([]BlockID, error) {
		if p, ok := ptrsByBlock[blk]; ok {
			if count > len(p) {
				count = len(p)
			}
			return p[:count], nil
		}
		return fs.readCTZPointers(blk, count)
	}

	tailIndex, tailOff := ctzIndex(f.ctz.Size-1, blockDataSize)
	tailCap := ctzCap(tailIndex, blockDataSize)
	used := tailOff + 1

	off := 0
	if used < tailCap {
		remaining := tailCap - used
		n := len(data)
		if uint32(n) > remaining {
			n = int(remaining)
		}
		headerLen := uint32(4 * ctzPointerCount(tailIndex))
		if err := fs.wcache.Prog(f.ctz.Head, headerLen+used, data[:n]); err != nil {
			return wrapf(ErrIO, "ctz: append prog %d: %v", f.ctz.Head, err)
		}
		off = n
	}

	prevBlock, prevIndex := f.ctz.Head, tailIndex
	for off < len(data) {
		newIndex, pointers, err := ctzExtend(read, prevBlock, prevIndex)
		if err != nil {
			return err
		}
		blk, err := fs.allocBlock()
		if err != nil {
			return err
		}
		if err := fs.dev.Erase(uint64(blk)); err != nil {
			return wrapf(ErrIO, "ctz: erase %d: %v", blk, err)
		}
		if len(pointers) > 0 {
			pbuf := make([]byte, 4*len(pointers))
			for i, p := range pointers {
				putBlockID(pbuf[4*i:4*i+4], p)
			}
			if err := fs.wcache.Prog(blk, 0, pbuf); err != nil {
				return err
			}
		}
		capacity := int(ctzCap(newIndex, blockDataSize))
		n := len(data) - off
		if n > capacity {
			n = capacity
		}
		if n > 0 {
			if err := fs.wcache.Prog(blk, uint32(4*len(pointers)), data[off:off+n]); err != nil {
				return err
			}
		}
		ptrsByBlock[blk] = pointers
		off += n
		prevBlock, prevIndex = blk, newIndex
	}
	if err := fs.wcache.Flush(); err != nil {
		return err
	}
	f.ctz.Head = prevBlock
	f.ctz.Size += uint64(len(data))
	return nil
}
