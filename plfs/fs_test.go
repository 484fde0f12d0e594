package plfs

import (
	"testing"

	"github.com/fingon/go-plfs/device/memory"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, blockCount uint64) *memory.Backend {
	t.Helper()
	return memory.New(512, 1, 1, blockCount, false)
}

func formatAndMount(t *testing.T, dev *memory.Backend) *FS {
	t.Helper()
	cfg := Config{Device: dev, BlockCount: dev.BlockCount()}
	require.NoError(t, Format(cfg))
	fsys, err := Mount(cfg)
	require.NoError(t, err)
	return fsys
}

// TestAllocBlockGrowsDeviceWhenExhausted checks that a full revolution
// of the allocator finding nothing free falls through to the device's
// AllocateBlock before giving up, per the ack==0 grow-or-NOSPC
// protocol, rather than latching the filesystem read-only.
func TestAllocBlockGrowsDeviceWhenExhausted(t *testing.T) {
	dev := memory.New(512, 1, 1, 2, true)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	blk, err := fsys.allocBlock()
	require.NoError(t, err)
	require.Equal(t, BlockID(2), blk)
	require.Equal(t, uint64(3), fsys.cfg.BlockCount)
}

func TestFormatMountEmptyRoot(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMkdirAndStat(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.Mkdir("/a/b"))

	info, err := fsys.Stat("/a/b")
	require.NoError(t, err)
	require.True(t, info.IsDir)
	require.Equal(t, uint64(0), info.Size)

	entries, err := fsys.ReadDir("/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].Name)
}

func TestMkdirExistingFails(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	err := fsys.Mkdir("/a")
	require.Error(t, err)
}

func TestRemoveDirectory(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.Remove("/a"))

	_, err := fsys.Stat("/a")
	require.ErrorIs(t, err, ErrNoEnt)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.Mkdir("/a/b"))
	require.ErrorIs(t, fsys.Remove("/a"), ErrNotEmpty)
}

func TestDirectorySplitManyFiles(t *testing.T) {
	dev := newTestDevice(t, 256)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	for i := 0; i < 40; i++ {
		name := "/a/f" + itoa(i)
		f, err := fsys.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	entries, err := fsys.ReadDir("/a")
	require.NoError(t, err)
	require.Len(t, entries, 40)

	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Name] = true
	}
	for i := 0; i < 40; i++ {
		require.True(t, seen["f"+itoa(i)], "missing f%d", i)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestRenameAcrossDirectories(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.Mkdir("/b"))
	f, err := fsys.Create("/a/f0")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fsys.Rename("/a/f0", "/b/g0"))

	_, err = fsys.Stat("/a/f0")
	require.ErrorIs(t, err, ErrNoEnt)

	info, err := fsys.Stat("/b/g0")
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.Size)
}

func TestRenameMissingSourceFails(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	require.NoError(t, fsys.Mkdir("/b"))
	require.ErrorIs(t, fsys.Rename("/a/f0", "/b/g0"), ErrNoEnt)
}

func TestUserAttributeRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	f, err := fsys.Create("/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fsys.SetAttribute("/f", 1, []byte("v1")))
	v, err := fsys.GetAttribute("/f", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, fsys.RemoveAttribute("/f", 1))
	_, err = fsys.GetAttribute("/f", 1)
	require.ErrorIs(t, err, ErrNoEnt)
}

func TestRemountPreservesTree(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)
	require.NoError(t, fsys.Mkdir("/a"))
	f, err := fsys.Create("/a/f0")
	require.NoError(t, err)
	_, err = f.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fsys.Unmount())

	fsys2, err := Mount(Config{Device: dev, BlockCount: dev.BlockCount()})
	require.NoError(t, err)
	defer fsys2.Unmount()

	info, err := fsys2.Stat("/a/f0")
	require.NoError(t, err)
	require.Equal(t, uint64(len("persisted")), info.Size)

	rf, err := fsys2.Open("/a/f0")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, _ := rf.Read(buf)
	require.Equal(t, "persisted", string(buf[:n]))
	require.NoError(t, rf.Close())
}
