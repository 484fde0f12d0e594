package plfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDemoveResolvesPendingMoveAcrossMount reproduces a crash between
// a rename's destination commit and its source delete commit by
// driving the same two steps Rename does, stopping right after the
// first one, and checking that mounting the resulting device image
// finishes the move on its own.
func TestDemoveResolvesPendingMoveAcrossMount(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.Mkdir("/b"))
	f, err := fsys.Create("/a/f0")
	require.NoError(t, err)
	_, err = f.Write([]byte("in flight"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src, err := fsys.find("/a/f0")
	require.NoError(t, err)
	dstParent, leaf, err := fsys.parentAndLeaf("/b/g0")
	require.NoError(t, err)
	destTarget, err := dirForSplit(fsys, dstParent)
	require.NoError(t, err)

	newID := destTarget.count()
	attrs := []rawAttr{
		nameAttr(newID, false, []byte(leaf)),
		structAttr(newID, src.entry.structTag, src.entry.structData),
	}
	fsys.gstate.movePair = src.dir.pair
	fsys.gstate.moveID = src.id

	_, err = destTarget.Commit(attrs...)
	require.NoError(t, err)
	// Crash here: the source's delete commit never happens and
	// gstate.movePair/moveID are never cleared.

	snap := dev.Snapshot()
	require.NoError(t, fsys.Unmount())

	remounted, err := Mount(Config{Device: snap, BlockCount: snap.BlockCount()})
	require.NoError(t, err)
	defer remounted.Unmount()

	_, err = remounted.Stat("/a/f0")
	require.ErrorIs(t, err, ErrNoEnt)

	info, err := remounted.Stat("/b/g0")
	require.NoError(t, err)
	require.False(t, info.IsDir)
	require.Equal(t, uint64(len("in flight")), info.Size)
}

// TestForceConsistencyClearsOrphanCounter checks that a nonzero
// orphan count left over from a crashed Mkdir/unlink sequence is
// cleared by the forced-consistency pass at mount, without touching
// anything else in the tree.
func TestForceConsistencyClearsOrphanCounter(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)

	require.NoError(t, fsys.Mkdir("/a"))
	root, err := fsys.fetchPair(rootPair)
	require.NoError(t, err)
	fsys.gstate.orphans = 1
	_, err = root.Commit()
	require.NoError(t, err)

	snap := dev.Snapshot()
	require.NoError(t, fsys.Unmount())

	remounted, err := Mount(Config{Device: snap, BlockCount: snap.BlockCount()})
	require.NoError(t, err)
	defer remounted.Unmount()

	require.True(t, remounted.gstate.zero())
	info, err := remounted.Stat("/a")
	require.NoError(t, err)
	require.True(t, info.IsDir)
}
