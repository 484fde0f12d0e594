package plfs

// allocator hands out free blocks with a rolling lookahead bitmap: a
// fixed-size window of the block address space is scanned for blocks
// this mount has not itself already handed out this pass, and once
// the window is exhausted the next window is populated by walking the
// whole filesystem tree and marking every block currently in use
// (FS.traverse in tree.go). This bounds allocator RAM to LookaheadSize regardless
// of device capacity, at the cost of a full-tree walk whenever the
// window runs dry.
type allocator struct {
	cfg *Config

	bitmap   []uint32 // one bit per block in [off, off+len)
	off      BlockID  // block address the bitmap's bit 0 represents
	length   uint32   // number of blocks the bitmap currently covers
	next     uint32   // next bit to consider within the bitmap
	ack      BlockID  // blocks examined since the last successful Alloc, reset to 0 on every hit
}

func newAllocator(cfg *Config) *allocator {
	words := cfg.LookaheadSize / 4
	if words == 0 {
		words = 1
	}
	return &allocator{cfg: cfg, bitmap: make([]uint32, words)}
}

func (a *allocator) windowBlocks() uint32 {
	return uint32(len(a.bitmap)) * 32
}

func (a *allocator) isFree(bit uint32) bool {
	return a.bitmap[bit/32]&(1<<(bit%32)) == 0
}

func (a *allocator) mark(bit uint32) {
	a.bitmap[bit/32] |= 1 << (bit % 32)
}

// populate repopulates the lookahead window starting at off by asking
// scan to mark every block in [off, off+windowBlocks) that is
// currently referenced anywhere in the filesystem.
func (a *allocator) populate(off BlockID, blockCount uint64, scan func(mark func(BlockID)) error) error {
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.off = off
	span := uint64(a.windowBlocks())
	remaining := blockCount - uint64(off)
	if remaining < span {
		span = remaining
	}
	a.length = uint32(span)
	a.next = 0
	return scan(func(blk BlockID) {
		if blk < a.off || uint32(blk-a.off) >= a.length {
			return
		}
		a.mark(uint32(blk - a.off))
	})
}

// Alloc returns the next free block, repopulating and advancing the
// lookahead window (wrapping around blockCount) as needed. It keeps
// advancing windows until either a free block turns up or ack has
// counted a full revolution of the device without one, so a device
// with free blocks several lookahead windows ahead of the cursor is
// never mistaken for a full one. scan is invoked with a callback that
// must be called once per block currently allocated anywhere on the
// filesystem; a failed scan aborts the allocation rather than risk
// handing out a block that is actually still in use.
func (a *allocator) Alloc(blockCount uint64, scan func(mark func(BlockID)) error) (BlockID, error) {
	for a.ack < BlockID(blockCount) {
		for a.next < a.length {
			bit := a.next
			a.next++
			if a.isFree(bit) {
				blk := a.off + BlockID(bit)
				a.mark(bit)
				a.ack = 0
				return blk, nil
			}
			a.ack++
		}
		nextOff := uint64(a.off) + uint64(a.length)
		if nextOff >= blockCount {
			nextOff = 0
		}
		if err := a.populate(BlockID(nextOff), blockCount, scan); err != nil {
			return 0, err
		}
	}
	a.ack = 0
	return 0, wrapf(ErrNoSpace, "allocator: exhausted %d blocks", blockCount)
}

// Free reverts a speculative allocation, used when a block was
// reserved for a commit that then failed before being written.
func (a *allocator) Free(blk BlockID) {
	if blk < a.off || uint32(blk-a.off) >= a.length {
		return
	}
	bit := uint32(blk - a.off)
	a.bitmap[bit/32] &^= 1 << (bit % 32)
	if bit < a.next {
		a.next = bit
	}
}
