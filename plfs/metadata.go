package plfs

import (
	"github.com/fingon/go-plfs/mlog"
	"github.com/pkg/errors"
)

// dirEntry is the resolved, in-memory view of one live id inside a
// metadata pair: whatever its most recent NAME/STRUCT/USERATTR tags
// currently say, with every splice and tombstone already folded in.
// Lookups (getAttr, Stat, path matching) index straight into this
// table, which is what gives the design's "O(1) amortized" read its
// Go-side shape: the log is replayed once, at fetch/commit time (a
// forward scan over each commit, see fetchBlock), to populate this
// table, rather than scanned once per read.
type dirEntry struct {
	nameTag  Tag // TypeReg or TypeDir
	name     []byte
	structTag Tag // TypeInlineStruct, TypeCTZStruct or TypeDirStruct (0 if unset)
	structData []byte
	attrs    map[uint8][]byte
}

func (e *dirEntry) isDir() bool { return e.nameTag.Type() == TypeDir }

// rawAttr is one tag+payload pair as it will be written to (or was
// read from) a metadata pair's log; Commit takes a batch of these and
// applies them as a single atomic unit.
type rawAttr struct {
	tag  Tag
	data []byte
}

func nameAttr(id uint16, isDir bool, name []byte) rawAttr {
	typ := TypeReg
	if isDir {
		typ = TypeDir
	}
	return rawAttr{tag: MakeTag(typ, id, len(name)), data: name}
}

func deleteAttr(id uint16) rawAttr {
	return rawAttr{tag: MakeTag(TypeDelete, id, SizeDelete)}
}

func structAttr(id uint16, typ Tag, data []byte) rawAttr {
	return rawAttr{tag: MakeTag(typ, id, len(data)), data: data}
}

func userAttr(id uint16, attrType uint8, data []byte) rawAttr {
	return rawAttr{tag: MakeUserAttrTag(attrType, id, len(data)), data: data}
}

func deleteUserAttr(id uint16, attrType uint8) rawAttr {
	return rawAttr{tag: MakeUserAttrTag(attrType, id, SizeDelete)}
}

func tailAttr(hard bool, pair Pair) rawAttr {
	typ := TypeSoftTail
	if hard {
		typ = TypeHardTail
	}
	return rawAttr{tag: MakeTag(typ, NoID, 8), data: encodePair(pair)}
}

func moveStateAttr(g gstate, seq uint32) rawAttr {
	return rawAttr{tag: MakeTag(TypeMoveState, NoID, 16), data: encodeGTag(g, seq)}
}

// mdir is the in-memory handle for one metadata pair: which block is
// currently active, the resolved entry table, and the bookkeeping
// needed to append further commits to the active block without
// re-scanning it.
type mdir struct {
	fs   *FS
	pair Pair
	blk  BlockID // active block within pair
	rev  uint32

	live  []*dirEntry
	tail  Pair
	split bool

	gtag    gstate // most recently committed MOVESTATE payload, if any
	gtagSeq uint32
	hasGtag bool

	off    uint32 // offset of the next append
	ptag   Tag    // chain accumulator after the last confirmed commit
	erased bool    // true if [off, blockSize) is still erased flash

	// parentPair/parentID name the DIRSTRUCT entry that points at this
	// pair, so relocate can repoint it after moving the pair's content
	// elsewhere. Only ever set when this pair was reached by descending
	// through an actual parent directory's entry (fetchChild); a pair
	// reached via a tail link has no DIRSTRUCT id naming it and cannot
	// be repointed this way, so it freezes instead of relocating on
	// CORRUPT (see relocate).
	parentPair Pair
	parentID   uint16
	hasParent  bool
}

func (d *mdir) count() uint16 { return uint16(len(d.live)) }

// fetch loads pair p, choosing whichever block has the higher
// sequence-compared revision and a CRC-valid commit log, per
// invariant 6; if that block's log is unreadable it falls back to
// the other half of the pair.
func (fs *FS) fetchPair(p Pair) (*mdir, error) {
	a, aerr := fs.fetchBlock(p.A)
	b, berr := fs.fetchBlock(p.B)
	if aerr != nil && berr != nil {
		return nil, errors.Wrap(aerr, "metadata: both halves of pair unreadable")
	}
	pick := a
	blk := p.A
	if aerr != nil {
		pick, blk = b, p.B
	} else if berr == nil && seqGreater(b.rev, a.rev) {
		pick, blk = b, p.B
	}
	return &mdir{
		fs: fs, pair: p, blk: blk, rev: pick.rev,
		live: pick.live, tail: pick.tail, split: pick.split,
		gtag: pick.gtag, gtagSeq: pick.gtagSeq, hasGtag: pick.hasGtag,
		off: pick.off, ptag: pick.ptag, erased: pick.erased,
	}, nil
}

// seqGreater compares two 32-bit revision counters as sequence
// numbers (i.e. tolerating wraparound), per the design's pair
// selection rule.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

type fetchResult struct {
	rev     uint32
	live    []*dirEntry
	tail    Pair
	split   bool
	gtag    gstate
	gtagSeq uint32
	hasGtag bool
	ptag    Tag
	off     uint32
	erased  bool
}

// fetchBlock replays one block's commit log, merging each commit's
// tags into the resolved entry table only once its terminating CRC
// tag validates - an unconfirmed, torn trailing commit is silently
// dropped, which is what gives mount its power-loss resilience.
func (fs *FS) fetchBlock(blk BlockID) (fetchResult, error) {
	var revBuf [4]byte
	if err := fs.rcache.Read(blk, 0, revBuf[:]); err != nil {
		return fetchResult{}, err
	}
	rev := getUint32(revBuf[:])

	var (
		live      []*dirEntry
		tail      Pair
		split     bool
		confPtag  Tag
		confOff   uint32 = 4
		ranOffEnd bool
	)

	off := uint32(4)
	ptag := Tag(0)
	crc := uint32(0xffffffff)
	var staging []rawAttr
	var stagingTail Pair
	var stagingSplit bool
	var stagingTailSet bool
	var stagingGtag gstate
	var stagingGtagSeq uint32
	var stagingGtagSet bool
	var gtag gstate
	var gtagSeq uint32
	var hasGtag bool

	blockSize := fs.cfg.BlockSize
	for {
		if off+4 > blockSize {
			break
		}
		var hdr [4]byte
		if err := fs.rcache.Read(blk, off, hdr[:]); err != nil {
			return fetchResult{}, err
		}
		tag := decodeTagHeader(hdr[:], ptag)
		if !tag.Valid() {
			ranOffEnd = true
			break
		}
		dsz := uint32(tag.dsize())
		if off+dsz > blockSize {
			break
		}
		var payload []byte
		if dsz > 4 {
			payload = make([]byte, dsz-4)
			if err := fs.rcache.Read(blk, off+4, payload); err != nil {
				return fetchResult{}, err
			}
		}
		crc = crcUpdate(crc, hdr[:])

		if tag.Type() == TypeCRC {
			if len(payload) < 4 || getUint32(payload) != crc {
				break // torn commit; discard everything staged since the last good CRC
			}
			live = applyAll(live, staging)
			if stagingTailSet {
				tail, split = stagingTail, stagingSplit
			}
			if stagingGtagSet {
				gtag, gtagSeq, hasGtag = stagingGtag, stagingGtagSeq, true
			}
			confPtag = tag
			confOff = off + dsz
			staging = staging[:0]
			stagingTailSet = false
			stagingGtagSet = false
			crc = 0xffffffff
			ptag = tag
			off = confOff
			continue
		}

		crc = crcUpdate(crc, payload)
		staging = append(staging, rawAttr{tag: tag, data: payload})
		if tag.Broad() == typeTail {
			p, err := decodePair(payload)
			if err == nil {
				stagingTail, stagingSplit, stagingTailSet = p, tag.Type() == TypeHardTail, true
			}
		}
		if tag.Type() == TypeMoveState {
			if g, seq, err := decodeGTag(payload); err == nil {
				stagingGtag, stagingGtagSeq, stagingGtagSet = g, seq, true
			}
		}
		ptag = tag
		off += dsz
	}

	if confOff == 4 {
		return fetchResult{}, wrapf(ErrCorrupt, "metadata: block %d has no valid commit", blk)
	}
	erased := ranOffEnd && off+4 <= blockSize
	return fetchResult{
		rev: rev, live: live, tail: tail, split: split,
		gtag: gtag, gtagSeq: gtagSeq, hasGtag: hasGtag,
		ptag: confPtag, off: confOff, erased: erased || confOff == off,
	}, nil
}

// applyAll folds a batch of tags into the resolved entry table in
// order, so later tags in the batch shadow earlier ones exactly as a
// fresh read would see them.
func applyAll(live []*dirEntry, attrs []rawAttr) []*dirEntry {
	for _, a := range attrs {
		live = applyAttr(live, a)
	}
	return live
}

func applyAttr(live []*dirEntry, a rawAttr) []*dirEntry {
	switch a.tag.Broad() {
	case typeName:
		id := a.tag.ID()
		if a.tag.Type() == TypeDelete {
			if int(id) < len(live) {
				live = append(live[:id], live[id+1:]...)
			}
			return live
		}
		e := &dirEntry{nameTag: a.tag.Type(), name: append([]byte{}, a.data...)}
		if int(id) == len(live) {
			live = append(live, e)
		} else if int(id) < len(live) {
			live[id] = e
		}
	case typeStruct:
		id := a.tag.ID()
		if int(id) < len(live) && live[id] != nil {
			live[id].structTag = a.tag.Type()
			live[id].structData = append([]byte{}, a.data...)
		}
	case typeUserAttr:
		id := a.tag.ID()
		if int(id) < len(live) && live[id] != nil {
			sub := uint8(uint32(a.tag.Type()) & 0xff)
			if live[id].attrs == nil {
				live[id].attrs = map[uint8][]byte{}
			}
			if a.tag.IsDelete() {
				delete(live[id].attrs, sub)
			} else {
				live[id].attrs[sub] = append([]byte{}, a.data...)
			}
		}
	}
	return live
}

// commitOutcome reports what Commit actually had to do to land a
// batch of attrs, distinct from the public Error taxonomy per the
// design notes (relocate/split are normal, expected internal events).
type commitOutcome struct {
	relocated bool
	split     bool
	newPair   Pair // valid when split: the freshly allocated tail pair
	newTail   *mdir
}

// Commit appends attrs to the pair as a single atomic unit,
// compacting, splitting or relocating as needed. On return d reflects
// the post-commit state (possibly a different active block, or even a
// different pair if forced to relocate).
//
// Every commit, regardless of which pair it lands on, checks whether
// the filesystem-wide gstate accumulator has changed since it was
// last durably flushed (fs.gstate != fs.gdisk). If so this commit
// claims it: it writes the complete current fs.gstate, tagged with a
// monotonic sequence number, as its own MOVESTATE payload, and
// fs.gdisk is advanced to match. This is what lets gstate survive a
// pair that never gets touched again being compacted away elsewhere -
// the outstanding change rides the very next commit anywhere - and
// the sequence number is what lets mount tell, among every pair's own
// last-written MOVESTATE tag, which one is actually the freshest
// (they are not deltas that can be XORed together; each is a
// complete snapshot as of its own commit).
func (d *mdir) Commit(attrs ...rawAttr) (commitOutcome, error) {
	if err := d.fs.checkFrozen(); err != nil {
		return commitOutcome{}, err
	}
	pending := d.fs.gstate.xor(d.fs.gdisk)
	claim := !pending.isZeroDelta()
	gtag, gtagSeq, hasGtag := d.gtag, d.gtagSeq, d.hasGtag
	if claim {
		gtag, hasGtag = d.fs.gstate, true
		gtagSeq = d.fs.claimSeq + 1
		attrs = append(attrs, moveStateAttr(gtag, gtagSeq))
	}

	var out commitOutcome
	var err error
	forced := d.dueForRelocation()
	if forced {
		out, err = d.compactAndCommit(attrs, gtag, gtagSeq, hasGtag)
	} else {
		out, err = d.tryAppend(attrs)
		if err != nil {
			if !errors.Is(err, ErrNoSpace) && !errors.Is(err, ErrCorrupt) {
				return commitOutcome{}, err
			}
			out, err = d.compactAndCommit(attrs, gtag, gtagSeq, hasGtag)
		}
	}
	if err != nil {
		return commitOutcome{}, err
	}
	if forced {
		out.relocated = true
	}
	d.gtag, d.gtagSeq, d.hasGtag = gtag, gtagSeq, hasGtag
	if claim {
		d.fs.gdisk = d.fs.gstate
		d.fs.claimSeq = gtagSeq
	}
	d.fs.invalidateDir(d.pair)
	if out.split {
		d.fs.invalidateDir(out.newPair)
	}
	return out, nil
}

// dueForRelocation reports whether this pair's next commit must be
// forced through compaction (onto the pair's other half) rather than a
// plain in-place append, per the forced wear-leveling schedule: every
// block_cycles revisions. The (block_cycles+1)|1 modulus avoids two
// degenerate cases: a block_cycles of 1 would put the check on a
// boundary no revision ever lands on, and an even modulus would always
// land on the same half's parity, defeating the point of cycling at
// all.
func (d *mdir) dueForRelocation() bool {
	if d.fs.cfg.BlockCycles < 0 {
		return false
	}
	mod := (uint32(d.fs.cfg.BlockCycles) + 1) | 1
	return (d.rev+1)%mod == 0
}

// tryAppend writes attrs directly after the pair's current commit
// window, the fast path exercised by every commit that doesn't cross
// a block boundary.
func (d *mdir) tryAppend(attrs []rawAttr) (commitOutcome, error) {
	if !d.erased {
		return commitOutcome{}, wrapf(ErrNoSpace, "metadata: block not appendable, needs compaction")
	}
	blockSize := d.fs.cfg.BlockSize
	off := d.off
	ptag := d.ptag
	crc := uint32(0xffffffff)
	written := make([]byte, 0, 64)

	for _, a := range attrs {
		hdr := encodeTagHeader(ptag, a.tag)
		if off+4+uint32(len(a.data)) > blockSize {
			return commitOutcome{}, wrapf(ErrNoSpace, "metadata: commit overflows block")
		}
		if err := d.fs.wcache.Prog(d.blk, off, hdr); err != nil {
			return commitOutcome{}, err
		}
		crc = crcUpdate(crc, hdr)
		if !a.tag.IsDelete() && len(a.data) > 0 {
			if err := d.fs.wcache.Prog(d.blk, off+4, a.data); err != nil {
				return commitOutcome{}, err
			}
			crc = crcUpdate(crc, a.data)
		}
		ptag = a.tag
		off += uint32(a.tag.dsize())
		written = append(written, hdr...)
	}

	crcHdr := encodeTagHeader(ptag, MakeTag(TypeCRC, NoID, 4))
	if off+8 > blockSize {
		return commitOutcome{}, wrapf(ErrNoSpace, "metadata: no room for CRC trailer")
	}
	crc = crcUpdate(crc, crcHdr)
	crcPayload := make([]byte, 4)
	putUint32(crcPayload, crc)
	if err := d.fs.wcache.Prog(d.blk, off, crcHdr); err != nil {
		return commitOutcome{}, err
	}
	if err := d.fs.wcache.Prog(d.blk, off+4, crcPayload); err != nil {
		return commitOutcome{}, err
	}
	if err := d.fs.wcache.Flush(); err != nil {
		return commitOutcome{}, err
	}

	crcTag := MakeTag(TypeCRC, NoID, 4)
	d.live = applyAll(d.live, attrs)
	for _, a := range attrs {
		if a.tag.Broad() == typeTail {
			if p, err := decodePair(a.data); err == nil {
				d.tail, d.split = p, a.tag.Type() == TypeHardTail
			}
		}
	}
	d.ptag = crcTag
	d.off = off + 8
	mlog.Printf2("plfs/metadata", "mdir.Commit appended %d attrs to block %d, now at offset %d", len(attrs), d.blk, d.off)
	return commitOutcome{}, nil
}

// compactAndCommit rewrites the pair's inactive half from the
// resolved entry table (dropping every tombstoned id for free, since
// the table never held them) plus the new attrs, then promotes it to
// active. If even a freshly compacted block can't hold the result it
// splits the overflow into a new tail pair. gtag/gtagSeq/hasGtag is
// this pair's current gstate contribution, re-emitted verbatim into
// the rewritten block (Commit has already computed any newly claimed
// value) so compaction never silently drops a pair's last-known
// gstate snapshot.
func (d *mdir) compactAndCommit(attrs []rawAttr, gtag gstate, gtagSeq uint32, hasGtag bool) (commitOutcome, error) {
	next := applyAll(append([]*dirEntry(nil), d.live...), attrs)
	tail, split := d.tail, d.split
	for _, a := range attrs {
		if a.tag.Broad() == typeTail {
			if p, err := decodePair(a.data); err == nil {
				tail, split = p, a.tag.Type() == TypeHardTail
			}
		}
	}

	target := d.pair.Other(d.blk)
	splitAt := len(next)
	for {
		if err := d.fs.dev.Erase(uint64(target)); err != nil {
			// The block itself may be going bad; don't keep fighting
			// it, relocate this pair's content elsewhere instead.
			return d.relocate(attrs, gtag, gtagSeq, hasGtag)
		}
		nd, fits, err := d.writeFresh(target, d.rev+1, next[:splitAt], tail, split, gtag, gtagSeq, hasGtag)
		if err != nil {
			// A genuine program failure, not just "batch didn't fit":
			// same reasoning as the erase failure above.
			return d.relocate(attrs, gtag, gtagSeq, hasGtag)
		}
		if fits || splitAt == 0 {
			*d = *nd
			if splitAt == len(next) {
				return commitOutcome{}, nil
			}
			return d.splitOverflow(next[splitAt:])
		}
		splitAt /= 2
	}
}

// relocate moves this pair's entire content (after folding in attrs)
// onto a freshly allocated pair elsewhere on the device, then repoints
// whichever parent DIRSTRUCT entry named the old pair so future
// lookups land on the new one. The old pair is simply abandoned - this
// allocator reclaims anything unreachable on its next scan rather than
// tracking a free list, so there is nothing further to release. Used
// both as compactAndCommit's recovery step when a CORRUPT erase/program
// failure makes the current pair suspect, and (via the superblock-pair
// check below) as the point where that recovery gives up: pair (0,1)
// has no parent entry naming it and can never relocate, so a CORRUPT
// root (or any other pair with no parent entry) freezes the filesystem
// and surfaces ErrCorrupt instead of being silently worked around.
func (d *mdir) relocate(attrs []rawAttr, gtag gstate, gtagSeq uint32, hasGtag bool) (commitOutcome, error) {
	if d.pair == rootPair || !d.hasParent {
		return commitOutcome{}, d.fs.freeze(wrapf(ErrCorrupt, "metadata: pair %v is corrupt and cannot relocate (no parent to repoint)", d.pair))
	}
	next := applyAll(append([]*dirEntry(nil), d.live...), attrs)
	tail, split := d.tail, d.split
	for _, a := range attrs {
		if a.tag.Broad() == typeTail {
			if p, err := decodePair(a.data); err == nil {
				tail, split = p, a.tag.Type() == TypeHardTail
			}
		}
	}

	newPair, err := d.fs.allocPair()
	if err != nil {
		return commitOutcome{}, err
	}
	if err := d.fs.dev.Erase(uint64(newPair.A)); err != nil {
		return commitOutcome{}, wrapf(ErrCorrupt, "metadata: erase during relocation: %v", err)
	}
	if err := d.fs.dev.Erase(uint64(newPair.B)); err != nil {
		return commitOutcome{}, wrapf(ErrCorrupt, "metadata: erase during relocation: %v", err)
	}

	nd := &mdir{fs: d.fs, pair: newPair, blk: newPair.A, rev: 1}
	splitAt := len(next)
	var wnd *mdir
	for {
		w, fits, werr := nd.writeFresh(newPair.A, 1, next[:splitAt], tail, split, gtag, gtagSeq, hasGtag)
		if werr != nil {
			return commitOutcome{}, wrapf(ErrCorrupt, "metadata: relocation target also failed: %v", werr)
		}
		if fits || splitAt == 0 {
			wnd = w
			break
		}
		splitAt /= 2
	}
	if wnd == nil {
		return commitOutcome{}, wrapf(ErrFBig, "metadata: relocated content doesn't fit in a fresh pair")
	}
	if _, _, err := wnd.writeFresh(newPair.B, 2, wnd.live, wnd.tail, wnd.split, wnd.gtag, wnd.gtagSeq, wnd.hasGtag); err != nil {
		return commitOutcome{}, err
	}
	wnd.pair = newPair
	wnd.parentPair, wnd.parentID, wnd.hasParent = d.parentPair, d.parentID, d.hasParent

	var outcome commitOutcome
	if splitAt != len(next) {
		over, err := wnd.splitOverflow(next[splitAt:])
		if err != nil {
			return commitOutcome{}, err
		}
		outcome = over
		wnd.parentPair, wnd.parentID, wnd.hasParent = d.parentPair, d.parentID, d.hasParent
	}

	// newPair (and any tail it needed) is fully durable before the
	// parent is ever told about it: a crash between here and the
	// commit below just leaves it an orphan the next mount's allocator
	// scan reclaims on its own, never a reference to half-written
	// content.
	parent, err := d.fs.cachedFetchPair(d.parentPair)
	if err != nil {
		return commitOutcome{}, err
	}
	if _, err := parent.Commit(structAttr(d.parentID, TypeDirStruct, encodePair(newPair))); err != nil {
		return commitOutcome{}, err
	}

	*d = *wnd
	outcome.relocated = true
	return outcome, nil
}

// writeFresh writes a brand new commit (rev, every surviving entry,
// tail, gstate contribution) into target from scratch, returning
// false for fits if the entries didn't all land (caller halves its
// batch and retries).
func (d *mdir) writeFresh(target BlockID, rev uint32, entries []*dirEntry, tail Pair, split bool, gtag gstate, gtagSeq uint32, hasGtag bool) (*mdir, bool, error) {
	blockSize := d.fs.cfg.BlockSize
	revBuf := make([]byte, 4)
	putUint32(revBuf, rev)
	if err := d.fs.wcache.Prog(target, 0, revBuf); err != nil {
		return nil, false, err
	}
	off := uint32(4)
	ptag := Tag(0)
	crc := uint32(0xffffffff)
	fits := true
	var progErr error

	write := func(tag Tag, data []byte) bool {
		dsz := uint32(tag.dsize())
		if off+dsz > blockSize {
			fits = false
			return false
		}
		hdr := encodeTagHeader(ptag, tag)
		if err := d.fs.wcache.Prog(target, off, hdr); err != nil {
			fits, progErr = false, err
			return false
		}
		crc = crcUpdate(crc, hdr)
		if !tag.IsDelete() && len(data) > 0 {
			if err := d.fs.wcache.Prog(target, off+4, data); err != nil {
				fits, progErr = false, err
				return false
			}
			crc = crcUpdate(crc, data)
		}
		ptag = tag
		off += dsz
		return true
	}

	for id, e := range entries {
		if e == nil {
			continue
		}
		if !write(MakeTag(e.nameTag, uint16(id), len(e.name)), e.name) {
			break
		}
		if e.structTag != 0 {
			if !write(MakeTag(e.structTag, uint16(id), len(e.structData)), e.structData) {
				break
			}
		}
		for t, v := range e.attrs {
			if !write(MakeUserAttrTag(t, uint16(id), len(v)), v) {
				break
			}
		}
	}
	if fits && (tail != Pair{}) {
		typ := TypeSoftTail
		if split {
			typ = TypeHardTail
		}
		write(MakeTag(typ, NoID, 8), encodePair(tail))
	}
	if fits && hasGtag {
		write(MakeTag(TypeMoveState, NoID, 16), encodeGTag(gtag, gtagSeq))
	}
	if !fits {
		return nil, false, progErr
	}

	crcTag := MakeTag(TypeCRC, NoID, 4)
	if off+8 > blockSize {
		return nil, false, nil
	}
	crcHdr := encodeTagHeader(ptag, crcTag)
	crc = crcUpdate(crc, crcHdr)
	crcPayload := make([]byte, 4)
	putUint32(crcPayload, crc)
	if err := d.fs.wcache.Prog(target, off, crcHdr); err != nil {
		return nil, false, err
	}
	if err := d.fs.wcache.Prog(target, off+4, crcPayload); err != nil {
		return nil, false, err
	}
	if err := d.fs.wcache.Flush(); err != nil {
		return nil, false, err
	}

	return &mdir{
		fs: d.fs, pair: d.pair, blk: target, rev: rev,
		live: entries, tail: tail, split: split,
		gtag: gtag, gtagSeq: gtagSeq, hasGtag: hasGtag,
		off: off + 8, ptag: crcTag, erased: true,
	}, true, nil
}

// splitOverflow allocates a fresh tail pair for the entries that
// didn't fit after compaction, writes the overflow into it, and only
// then rewrites this pair's tail to point at it as a hard tail (this
// directory continues there). The new pair is fully durable before
// anything durable references it, so a crash in between just leaves it
// an orphan the next mount's allocator scan reclaims on its own,
// rather than a tail pointer to half-written content.
func (d *mdir) splitOverflow(overflow []*dirEntry) (commitOutcome, error) {
	newPair, err := d.fs.allocPair()
	if err != nil {
		return commitOutcome{}, err
	}

	oldTail, oldSplit := d.tail, d.split
	if err := d.fs.dev.Erase(uint64(newPair.A)); err != nil {
		return commitOutcome{}, err
	}
	if err := d.fs.dev.Erase(uint64(newPair.B)); err != nil {
		return commitOutcome{}, err
	}
	nd := &mdir{fs: d.fs, pair: newPair, blk: newPair.A, rev: 1}
	wnd, fits, err := nd.writeFresh(newPair.A, 1, overflow, oldTail, oldSplit, gstate{}, 0, false)
	if err != nil {
		return commitOutcome{}, err
	}
	if !fits {
		return commitOutcome{}, wrapf(ErrFBig, "metadata: split overflow still doesn't fit in a fresh pair")
	}
	if _, _, err := wnd.writeFresh(newPair.B, 2, overflow, oldTail, oldSplit, gstate{}, 0, false); err != nil {
		return commitOutcome{}, err
	}
	wnd.pair = newPair

	if _, err := d.Commit(tailAttr(true, newPair)); err != nil {
		return commitOutcome{}, err
	}

	return commitOutcome{split: true, newPair: newPair, newTail: wnd}, nil
}

// lookupName returns the live id whose NAME payload equals name, or
// ErrNoEnt. If a cross-pair move currently has its destination
// committed but its source not yet deleted, the source's id is hidden
// here so the filesystem never reports the same entry at both names at
// once (invariant I-GSTATE); demove resolves it on the next mount or
// forceConsistency call.
func (d *mdir) lookupName(name []byte) (uint16, *dirEntry, error) {
	hidden := -1
	if d.fs.gstate.hasMoveHere(d.pair) {
		hidden = int(d.fs.gstate.moveTargetID())
	}
	for id, e := range d.live {
		if id == hidden {
			continue
		}
		if e != nil && bytesEqual(e.name, name) {
			return uint16(id), e, nil
		}
	}
	return 0, nil, wrapf(ErrNoEnt, "metadata: no entry named %q", name)
}

// clearTail rewrites the pair's current live entries unchanged but
// with its tail link dropped. Used by the deorphan pass to truncate a
// hard-tail chain whose target pair turned out unreadable, rather than
// leaving this directory pointing at a dead end forever.
func (d *mdir) clearTail() error {
	target := d.pair.Other(d.blk)
	if err := d.fs.dev.Erase(uint64(target)); err != nil {
		return wrapf(ErrIO, "metadata: erase during tail clear: %v", err)
	}
	nd, fits, err := d.writeFresh(target, d.rev+1, d.live, Pair{}, false, d.gtag, d.gtagSeq, d.hasGtag)
	if err != nil {
		return err
	}
	if !fits {
		return wrapf(ErrNoSpace, "metadata: clearing tail link still doesn't fit")
	}
	*d = *nd
	d.fs.invalidateDir(d.pair)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
