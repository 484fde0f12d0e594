package plfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAllocatorFindsFreeBlockBeyondSeveralLookaheadWindows reproduces
// the case where the free blocks lie several lookahead windows ahead
// of the cursor: with a 32-block window and 96 of 100 blocks in use,
// the free run at the very end of the device must still be found
// rather than reported as NOSPC after only two window passes.
func TestAllocatorFindsFreeBlockBeyondSeveralLookaheadWindows(t *testing.T) {
	cfg := &Config{LookaheadSize: 4} // words = 1 -> 32-block window
	a := newAllocator(cfg)
	used := func(mark func(BlockID)) error {
		for i := BlockID(0); i < 96; i++ {
			mark(i)
		}
		return nil
	}

	blk, err := a.Alloc(100, used)
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(blk), uint32(96))
}

// TestAllocatorReturnsNoSpaceAfterFullRevolution checks that a device
// with every block genuinely in use is reported NOSPC only after the
// allocator has scanned a full revolution, not after a fixed number of
// window passes.
func TestAllocatorReturnsNoSpaceAfterFullRevolution(t *testing.T) {
	cfg := &Config{LookaheadSize: 4}
	a := newAllocator(cfg)
	allUsed := func(mark func(BlockID)) error {
		for i := BlockID(0); i < 100; i++ {
			mark(i)
		}
		return nil
	}

	_, err := a.Alloc(100, allUsed)
	require.ErrorIs(t, err, ErrNoSpace)
}

// TestAllocatorReusesFreedBlock checks that Free rewinds the cursor so
// a freed block is handed back out by the very next Alloc.
func TestAllocatorReusesFreedBlock(t *testing.T) {
	cfg := &Config{LookaheadSize: 4}
	a := newAllocator(cfg)
	noneUsed := func(mark func(BlockID)) error { return nil }

	blk, err := a.Alloc(32, noneUsed)
	require.NoError(t, err)
	a.Free(blk)

	again, err := a.Alloc(32, noneUsed)
	require.NoError(t, err)
	require.Equal(t, blk, again)
}
