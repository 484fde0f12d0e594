package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/fingon/go-plfs/device/memory"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) *memory.Backend {
	t.Helper()
	return memory.New(64, 1, 1, 8, false)
}

// TestSaveRestoreRoundTrip writes a marker byte into a block, saves a
// snapshot, mutates the device further, then restores and checks the
// device is back to exactly the state it was saved in.
func TestSaveRestoreRoundTrip(t *testing.T) {
	dev := newDevice(t)
	require.NoError(t, dev.Program(3, 0, []byte{0xAB}))

	store, err := Open(filepath.Join(t.TempDir(), "snap.bolt"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save("before", dev))

	require.NoError(t, dev.Erase(3))
	require.NoError(t, dev.Program(3, 0, []byte{0xCD}))
	buf := make([]byte, 1)
	require.NoError(t, dev.Read(3, 0, buf))
	require.Equal(t, byte(0xCD), buf[0])

	require.NoError(t, store.Restore("before", dev))
	require.NoError(t, dev.Read(3, 0, buf))
	require.Equal(t, byte(0xAB), buf[0])
}

// TestRestoreUnknownNameFails checks that restoring a snapshot that
// was never saved reports an error instead of silently leaving the
// device untouched.
func TestRestoreUnknownNameFails(t *testing.T) {
	dev := newDevice(t)
	store, err := Open(filepath.Join(t.TempDir(), "snap.bolt"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Restore("missing", dev)
	require.Error(t, err)
}

// TestListReportsSavedNames checks that List enumerates every snapshot
// saved so far and nothing else.
func TestListReportsSavedNames(t *testing.T) {
	dev := newDevice(t)
	store, err := Open(filepath.Join(t.TempDir(), "snap.bolt"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save("a", dev))
	require.NoError(t, store.Save("b", dev))

	names, err := store.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}
