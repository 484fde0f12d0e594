package plfs

import (
	"github.com/bluele/gcache"
	"github.com/dgryski/go-farm"
	"github.com/fingon/go-plfs/device"
	"github.com/fingon/go-plfs/mlog"
	"github.com/fingon/go-plfs/util"
	"github.com/pkg/errors"
)

// FS is a mounted filesystem: one open handle on a device.Interface
// plus everything mount reconstructed from it (allocator window,
// gstate accumulator) and everything a session accumulates while
// open (the read/write block caches, the open-file list).
type FS struct {
	cfg   *Config
	dev   device.Interface
	super Superblock

	rcache *blockCache
	wcache *blockCache
	alloc  *allocator

	lock   util.RMutexLocked
	frozen error

	// gstate is the filesystem-wide accumulator as it stands right
	// now; gdisk is the value already durably reflected on disk as of
	// the last commit that claimed a pending change. claimSeq is the
	// monotonic counter stamped on each claim so mount can tell whose
	// committed MOVESTATE tag is the freshest. See mdir.Commit.
	gstate   gstate
	gdisk    gstate
	claimSeq uint32

	handles util.List[*File]

	// dirCache holds recently fetched metadata pairs keyed by Pair,
	// so a hot directory (the root, above all) doesn't get replayed
	// from its on-disk log on every path component. Commit evicts a
	// pair's entry the moment it changes.
	dirCache gcache.Cache
}

// blockDataSize is the per-block capacity the CTZ math in ctz.go starts
// from: block_size less two block ids (8 bytes). ctzCap then subtracts
// each block's own back-pointer array from this figure.
func (fs *FS) blockDataSize() uint32 {
	return fs.cfg.BlockSize - 8
}

func (fs *FS) withLock(f func() error) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.checkFrozen(); err != nil {
		return err
	}
	return f()
}

func (fs *FS) checkFrozen() error {
	return fs.frozen
}

// freeze latches the filesystem read-only after an error that leaves
// its in-memory state too suspect to keep mutating - an allocator
// scan that failed partway through, for instance, might have under-
// marked used blocks.
func (fs *FS) freeze(err error) error {
	if err != nil && fs.frozen == nil {
		fs.frozen = err
		mlog.Printf2("plfs/fs", "freezing after unrecoverable error: %v", err)
	}
	return err
}

func (fs *FS) allocBlock() (BlockID, error) {
	blk, err := fs.alloc.Alloc(fs.cfg.BlockCount, fs.traverse)
	if err == nil {
		return blk, nil
	}
	if !errors.Is(err, ErrNoSpace) {
		// The traverse scan itself failed rather than genuinely
		// exhausting the device; the bitmap may be under-marked, so
		// this is the unsafe case freeze exists for.
		return 0, fs.freeze(err)
	}
	// A full revolution found nothing free. Per the ack==0 grow-or-NOSPC
	// protocol, ask the device to grow before giving up; a grown block
	// always lands past every window the allocator has ever scanned,
	// so it can be handed out directly without touching the bitmap.
	grown, growErr := fs.dev.AllocateBlock()
	if growErr != nil {
		return 0, err
	}
	fs.cfg.BlockCount = grown + 1
	return BlockID(grown), nil
}

func (fs *FS) allocPair() (Pair, error) {
	a, err := fs.allocBlock()
	if err != nil {
		return Pair{}, err
	}
	b, err := fs.allocBlock()
	if err != nil {
		fs.alloc.Free(a)
		return Pair{}, err
	}
	return Pair{a, b}, nil
}

// readCTZPointers fetches a data block's own back-pointer array, the
// read callback ctzFind/ctzExtend use to walk the skip list.
func (fs *FS) readCTZPointers(block BlockID, count int) ([]BlockID, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*count)
	if err := fs.rcache.Read(block, 0, buf); err != nil {
		return nil, err
	}
	out := make([]BlockID, count)
	for i := range out {
		out[i] = getBlockID(buf[4*i : 4*i+4])
	}
	return out, nil
}

// cachedFetchPair is fetchPair with a small LRU in front of it, since
// path lookups re-fetch the same handful of hot directories (the
// root, above all) over and over within a mount.
func (fs *FS) cachedFetchPair(p Pair) (*mdir, error) {
	if fs.dirCache == nil {
		return fs.fetchPair(p)
	}
	if v, err := fs.dirCache.Get(p); err == nil {
		if d, ok := v.(*mdir); ok {
			cp := *d
			cp.live = append([]*dirEntry(nil), d.live...)
			return &cp, nil
		}
	}
	d, err := fs.fetchPair(p)
	if err != nil {
		return nil, err
	}
	fs.dirCache.Set(p, d)
	return d, nil
}

// fetchChild fetches the pair named by parent's entry at id, stamping
// the result with (parent.pair, id) so relocate can later repoint
// whoever references this pair. Always returns a copy distinct from
// whatever cachedFetchPair handed back, since a cache hit shares its
// pointer with the dirCache entry itself.
func (fs *FS) fetchChild(parent *mdir, id uint16, child Pair) (*mdir, error) {
	d, err := fs.cachedFetchPair(child)
	if err != nil {
		return nil, err
	}
	cp := *d
	cp.live = append([]*dirEntry(nil), d.live...)
	cp.parentPair, cp.parentID, cp.hasParent = parent.pair, id, true
	return &cp, nil
}

func (fs *FS) invalidateDir(p Pair) {
	if fs.dirCache == nil {
		return
	}
	fs.dirCache.Remove(p)
}

// Format writes a fresh superblock and empty root directory to
// cfg.Device, discarding whatever is already there.
func Format(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = cfg.Device.BlockSize()
	}
	if cfg.BlockSize == 0 {
		return wrapf(ErrInval, "format: device did not report a block size and none was configured")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.BlockCount < 2 {
		return wrapf(ErrInval, "format: block_count %d too small for the superblock/root pair", cfg.BlockCount)
	}

	fs := &FS{cfg: &cfg, dev: cfg.Device, gstate: zeroGState(), gdisk: zeroGState()}
	fs.rcache = newBlockCache(fs.dev, fs.cfg)
	fs.wcache = newBlockCache(fs.dev, fs.cfg)
	fs.alloc = newAllocator(fs.cfg)

	super := Superblock{
		Version: onDiskVersion, BlockSize: cfg.BlockSize, BlockCount: cfg.BlockCount,
		NameMax: cfg.NameMax, FileMax: cfg.FileMax, AttrMax: cfg.AttrMax,
	}

	for _, blk := range []BlockID{0, 1} {
		if err := fs.dev.Erase(uint64(blk)); err != nil {
			return wrapf(ErrIO, "format: erase %d: %v", blk, err)
		}
	}
	sbDir := &mdir{fs: fs, pair: rootPair, blk: rootPair.A, rev: 1}
	wnd, fits, err := sbDir.writeFresh(rootPair.A, 1, []*dirEntry{{
		nameTag: TypeSuperblock, name: []byte("littlefs"),
		structTag: TypeInlineStruct, structData: super.Encode(),
	}}, Pair{}, false, gstate{}, 0, false)
	if err != nil {
		return err
	}
	if !fits {
		return wrapf(ErrNoSpace, "format: superblock entry does not fit in one block")
	}
	if _, _, err := wnd.writeFresh(rootPair.B, 2, wnd.live, Pair{}, false, gstate{}, 0, false); err != nil {
		return err
	}
	return fs.dev.Sync()
}

// Mount replays the on-disk log, checks the superblock matches cfg,
// reconstructs the gstate accumulator and allocator window, and
// resolves any move/orphan left pending by a prior crash before
// returning a usable FS.
func Mount(cfg Config) (*FS, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = cfg.Device.BlockSize()
	}
	if cfg.BlockSize == 0 {
		detected, err := detectBlockSize(cfg)
		if err != nil {
			return nil, err
		}
		cfg.BlockSize = detected
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fs := &FS{cfg: &cfg, dev: cfg.Device}
	fs.rcache = newBlockCache(fs.dev, fs.cfg)
	fs.wcache = newBlockCache(fs.dev, fs.cfg)
	fs.alloc = newAllocator(fs.cfg)
	fs.dirCache = gcache.New(64).LRU().Build()

	root, err := fs.fetchPair(rootPair)
	if err != nil {
		return nil, errors.Wrap(err, "mount: fetch root")
	}
	if len(root.live) == 0 || root.live[0].structTag != TypeInlineStruct {
		return nil, wrapf(ErrCorrupt, "mount: root directory has no superblock entry")
	}
	super, err := DecodeSuperblock(root.live[0].structData)
	if err != nil {
		return nil, errors.Wrap(err, "mount: decode superblock")
	}
	if super.BlockSize != cfg.BlockSize {
		return nil, wrapf(ErrInval, "mount: configured block_size %d does not match on-disk %d", cfg.BlockSize, super.BlockSize)
	}
	fs.super = super

	gdisk := zeroGState()
	var bestSeq uint32
	var found bool
	if err := fs.walkPairGStates(func(g gstate, seq uint32, has bool) {
		if has && (!found || seq > bestSeq) {
			gdisk, bestSeq, found = g, seq, true
		}
	}); err != nil {
		return nil, errors.Wrap(err, "mount: reconstruct gstate")
	}
	fs.gdisk = gdisk
	fs.gstate = gdisk
	fs.claimSeq = bestSeq

	// Jitter the allocator's very first lookahead window by a value
	// derived from the superblock rather than always starting the scan
	// at block 0, so repeated reformats of the same device don't wear
	// the low end of the address space disproportionately.
	seed := farm.Hash32(super.Encode())
	start := BlockID(uint64(seed) % cfg.BlockCount)
	if err := fs.alloc.populate(start, cfg.BlockCount, fs.traverse); err != nil {
		return nil, fs.freeze(errors.Wrap(err, "mount: populate allocator"))
	}

	if err := fs.forceConsistency(); err != nil {
		return nil, err
	}
	mlog.Printf2("plfs/fs", "mounted block_size=%d block_count=%d", cfg.BlockSize, cfg.BlockCount)
	return fs, nil
}

// detectBlockSize searches for the block size a device was formatted
// with when neither cfg nor the device itself names one (property B3):
// candidate sizes start at erase_size - falling back to a conservative
// default, since device.Interface exposes no erase-size probe of its
// own, unlike the geometry a real block device would report - and step
// upward by erase_size until a candidate's superblock fetch at (0,1)
// actually decodes and names that same size as its own block_size, or
// the search runs past a bound sized for block_count.
func detectBlockSize(cfg Config) (uint32, error) {
	step := cfg.EraseSize
	if step == 0 {
		step = 512
	}
	blockCount := cfg.BlockCount
	if blockCount == 0 {
		blockCount = cfg.Device.BlockCount()
	}
	bound := step * 128
	if blockCount > 0 && blockCount < 128 {
		bound = step * uint32(blockCount)
	}
	for candidate := step; candidate <= bound; candidate += step {
		trial := cfg
		trial.BlockSize = candidate
		trial.applyDefaults()
		probe := &FS{cfg: &trial, dev: trial.Device}
		probe.rcache = newBlockCache(probe.dev, probe.cfg)
		root, err := probe.fetchPair(rootPair)
		if err != nil || len(root.live) == 0 || root.live[0].structTag != TypeInlineStruct {
			continue
		}
		super, err := DecodeSuperblock(root.live[0].structData)
		if err != nil || super.Version>>16 != onDiskVersion>>16 || super.BlockSize != candidate {
			continue
		}
		return candidate, nil
	}
	return 0, wrapf(ErrCorrupt, "mount: could not autodetect block_size up to %d bytes", bound)
}

// walkPairGStates visits every metadata pair reachable from the root
// (the same set traverse's block walk covers) and reports each one's
// own last-committed MOVESTATE snapshot, if it ever wrote one, along
// with the sequence number it was stamped with.
func (fs *FS) walkPairGStates(visit func(g gstate, seq uint32, has bool)) error {
	visited := map[Pair]bool{}
	var walk func(p Pair) error
	walk = func(p Pair) error {
		if visited[p] {
			return nil
		}
		visited[p] = true
		d, err := fs.fetchPair(p)
		if err != nil {
			return err
		}
		visit(d.gtag, d.gtagSeq, d.hasGtag)
		for _, e := range d.live {
			if e != nil && e.structTag == TypeDirStruct {
				child, err := decodePair(e.structData)
				if err == nil {
					if err := walk(child); err != nil {
						return err
					}
				}
			}
		}
		if d.split {
			return walk(d.tail)
		}
		return nil
	}
	return walk(rootPair)
}

// forceConsistency resolves whatever gstate left pending across a
// mount: a move whose destination commit landed but whose source
// delete never did (demove, re-run the delete), and a nonzero orphan
// counter (deorphan, the two-pass structural repair below). Every
// mutating operation calls this before doing anything else, so a
// pending fixup never lingers past the next Mkdir/Remove/Rename/Open.
func (fs *FS) forceConsistency() error {
	if fs.gstate.zero() {
		return nil
	}
	if fs.gstate.hasMove() {
		if err := fs.demove(); err != nil {
			return err
		}
	}
	if fs.gstate.orphans != 0 {
		if err := fs.deorphan(); err != nil {
			return err
		}
	}
	return nil
}

// deorphan repairs structural defects a crash could leave behind
// between a Mkdir/Rename tail-link allocation and the commit that
// references it - the window fs.gstate.orphans brackets. Pass 0 finds
// a DIRSTRUCT id reachable through two different parent edges (a
// commit that landed once, then got partly re-applied after a crash
// leaves the older edge stale) and deletes the stale one, same as an
// ordinary Remove. Pass 1 finds a hard-tail link whose target pair is
// completely unreadable (the tail pair was allocated but never
// written before the crash) and truncates the chain there instead of
// leaving the directory pointing at a dead end forever. Both re-run to
// a fixed point, since fixing one defect can occasionally expose
// another that was hidden behind it.
//
// This implementation has no persistent free list - the allocator
// rescans reachability from the root on every mount - so neither pass
// needs to reclaim a block explicitly: once nothing points at a pair
// any more, the next allocation scan simply doesn't find it live.
func (fs *FS) deorphan() error {
	for {
		fixed0, err := fs.deorphanPass0()
		if err != nil {
			return err
		}
		fixed1, err := fs.deorphanPass1()
		if err != nil {
			return err
		}
		if !fixed0 && !fixed1 {
			break
		}
	}
	fs.gstate.orphans = 0
	return nil
}

// deorphanPass0 finds the first DIRSTRUCT child pair reachable via two
// different (pair, id) edges and deletes whichever edge was discovered
// second, since a tree walk can only reach a given pair twice if an
// earlier commit landed the link and a later, crash-interrupted one
// re-created it elsewhere.
func (fs *FS) deorphanPass0() (bool, error) {
	type edge struct {
		pair Pair
		id   uint16
	}
	seen := map[Pair]edge{}
	var stale edge
	found := false

	var walk func(p Pair) error
	walk = func(p Pair) error {
		if found {
			return nil
		}
		d, err := fs.fetchPair(p)
		if err != nil {
			return err
		}
		for id, e := range d.live {
			if found {
				break
			}
			if e == nil || e.structTag != TypeDirStruct {
				continue
			}
			child, err := decodePair(e.structData)
			if err != nil {
				continue
			}
			if prior, ok := seen[child]; ok {
				stale, found = prior, true
				break
			}
			seen[child] = edge{p, uint16(id)}
			if err := walk(child); err != nil {
				return err
			}
		}
		if found || !d.split {
			return nil
		}
		return walk(d.tail)
	}
	if err := walk(rootPair); err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	holder, err := fs.fetchPair(stale.pair)
	if err != nil {
		return false, err
	}
	if _, err := holder.Commit(deleteAttr(stale.id)); err != nil {
		return false, err
	}
	fs.patchIDsAfterDelete(holder.pair, stale.id)
	return true, nil
}

// deorphanPass1 finds the first hard-tail link whose target pair is
// completely unreadable and truncates the chain there via clearTail.
func (fs *FS) deorphanPass1() (bool, error) {
	visited := map[Pair]bool{}
	var walk func(p Pair) (bool, error)
	walk = func(p Pair) (bool, error) {
		if visited[p] {
			return false, nil
		}
		visited[p] = true
		d, err := fs.fetchPair(p)
		if err != nil {
			return false, err
		}
		for _, e := range d.live {
			if e == nil || e.structTag != TypeDirStruct {
				continue
			}
			child, err := decodePair(e.structData)
			if err != nil {
				continue
			}
			fixed, err := walk(child)
			if err != nil {
				return false, err
			}
			if fixed {
				return true, nil
			}
		}
		if !d.split {
			return false, nil
		}
		if _, err := fs.fetchPair(d.tail); err != nil {
			if err := d.clearTail(); err != nil {
				return false, err
			}
			return true, nil
		}
		return walk(d.tail)
	}
	return walk(rootPair)
}

// demove finishes a rename that crashed between its create commit (on
// the destination) and its delete commit (on the source): the
// pending move names exactly which (pair, id) is still doubly
// referenced, so resolving it is just performing the delete that
// didn't happen.
func (fs *FS) demove() error {
	pair := fs.gstate.movePair
	id := fs.gstate.moveTargetID()
	src, err := fs.fetchPair(pair)
	if err != nil {
		return err
	}
	if int(id) < len(src.live) && src.live[id] != nil {
		if _, err := src.Commit(deleteAttr(id)); err != nil {
			return err
		}
		fs.patchIDsAfterDelete(src.pair, id)
	}
	fs.gstate.movePair = Pair{}
	fs.gstate.moveID = noMoveID
	return nil
}

// Unmount flushes any buffered writes and releases the device.
func (fs *FS) Unmount() error {
	return fs.withLock(func() error {
		fs.handles.Each(func(f *File) {
			_ = f.Sync()
		})
		if err := fs.wcache.Sync(); err != nil {
			return err
		}
		return fs.dev.Close()
	})
}
