package plfs

import "math/bits"

// ctzPointerCount is how many skip pointers block index n carries
// ahead of its data: 0 for the first block, otherwise one more than
// the number of trailing zero bits in n. Pointer slot d of block n
// (for d < ctzPointerCount(n)) addresses block n-2^d.
func ctzPointerCount(n uint32) int {
	if n == 0 {
		return 0
	}
	return bits.TrailingZeros32(n) + 1
}

// ctzCap is how many bytes of file data block index n can hold once
// its own back-pointer array is subtracted from the block.
func ctzCap(n uint32, blockDataSize uint32) uint32 {
	return blockDataSize - uint32(4*ctzPointerCount(n))
}

// ctzIndex returns, for byte offset off into a file whose data blocks
// each have blockDataSize bytes of capacity before their own pointer
// array is subtracted, the pair (index, dataOffset): index is which
// data block holds off (0-based), and dataOffset is the offset within
// that block's own data region (i.e. not counting its pointer
// prefix). This mirrors the CTZ (count-trailing-zeros) skip list:
// block N stores ctzPointerCount(N) pointers, each skipping
// geometrically further back, so a seek from the tail costs O(log N)
// block reads instead of O(N).
func ctzIndex(off uint64, blockDataSize uint32) (index uint32, dataOffset uint32) {
	var n uint32
	remaining := off
	for {
		cap := uint64(ctzCap(n, blockDataSize))
		if remaining < cap {
			return n, uint32(remaining)
		}
		remaining -= cap
		n++
	}
}

// ctzFind walks the skip list from (headBlock, headIndex) down to
// data block target, taking the largest power-of-two hop available at
// each block that doesn't overshoot target, so it costs O(log index)
// reads instead of a linear walk. read fetches the little-endian
// block-id pointer array stored at the front of a given block (count
// entries).
func ctzFind(read func(block BlockID, count int) ([]BlockID, error), headBlock BlockID, headIndex, target uint32) (BlockID, error) {
	block := headBlock
	index := headIndex
	for index != target {
		count := ctzPointerCount(index)
		natural := count - 1 // = ctz(index), the widest pointer this block carries
		maxDiff := bits.Len32(index-target) - 1
		diff := natural
		if maxDiff < diff {
			diff = maxDiff
		}
		if diff < 0 {
			diff = 0
		}
		ptrs, err := read(block, count)
		if err != nil {
			return 0, err
		}
		if diff >= len(ptrs) {
			diff = len(ptrs) - 1
		}
		block = ptrs[diff]
		index -= uint32(1) << uint(diff)
	}
	return block, nil
}

// ctzExtend appends one data block to a skip list currently headed by
// (headBlock, headIndex), returning the new block's own pointer list
// (to be written at its front) and its index.
//
// Each pointer is located with ctzFind from the current head rather
// than copied forward out of the head block's own array: the latter
// is the O(log n) trick littlefs itself uses, but it relies on a
// shift identity between a block's pointer array and its
// predecessor's that is easy to get subtly wrong with no test harness
// to catch it. Going through find() costs an extra log factor but is
// correct by construction, since it reuses the one already-verified
// walk above instead of re-deriving the identity by hand.
func ctzExtend(read func(block BlockID, count int) ([]BlockID, error), headBlock BlockID, headIndex uint32) (newIndex uint32, pointers []BlockID, err error) {
	newIndex = headIndex + 1
	count := ctzPointerCount(newIndex)
	pointers = make([]BlockID, count)
	for d := 0; d < count; d++ {
		skip := uint32(1) << uint(d)
		target := newIndex - skip
		if target == headIndex {
			pointers[d] = headBlock
			continue
		}
		blk, err := ctzFind(read, headBlock, headIndex, target)
		if err != nil {
			return 0, nil, err
		}
		pointers[d] = blk
	}
	return newIndex, pointers, nil
}
