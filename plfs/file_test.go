package plfs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileInlineRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	f, err := fsys.Create("/small")
	require.NoError(t, err)
	payload := []byte("hello, littlefs-style world")
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	rf, err := fsys.Open("/small")
	require.NoError(t, err)
	defer rf.Close()
	require.True(t, rf.inline)

	buf := make([]byte, len(payload))
	n, err = rf.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestFileCrossesInlineToCTZBoundary(t *testing.T) {
	dev := newTestDevice(t, 128)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	limit := fsys.cfg.inlineLimit()

	f, err := fsys.Create("/grown")
	require.NoError(t, err)
	small := bytes.Repeat([]byte("x"), limit-1)
	_, err = f.Write(small)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.True(t, f.inline)

	big := bytes.Repeat([]byte("y"), limit*4)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write(big)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.False(t, f.inline)
	require.NoError(t, f.Close())

	rf, err := fsys.Open("/grown")
	require.NoError(t, err)
	defer rf.Close()
	require.Equal(t, uint64(len(big)), rf.Size())

	readBack := make([]byte, len(big))
	n, err := rf.Read(readBack)
	require.NoError(t, err)
	require.Equal(t, len(big), n)
	require.Equal(t, big, readBack)
}

func TestFileSeekPastEndZeroFills(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	f, err := fsys.Create("/gap")
	require.NoError(t, err)
	_, err = f.Seek(10, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("end"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := fsys.Stat("/gap")
	require.NoError(t, err)
	require.Equal(t, uint64(13), info.Size)

	rf, err := fsys.Open("/gap")
	require.NoError(t, err)
	defer rf.Close()
	buf := make([]byte, 13)
	n, err := rf.Read(buf)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 10), buf[:10])
	require.Equal(t, "end", string(buf[10:n]))
}

func TestFileTruncateShrinksAndGrows(t *testing.T) {
	dev := newTestDevice(t, 64)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	f, err := fsys.Create("/trunc")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))
	require.Equal(t, uint64(4), f.Size())

	require.NoError(t, f.Truncate(8))
	require.Equal(t, uint64(8), f.Size())
	require.NoError(t, f.Close())

	rf, err := fsys.Open("/trunc")
	require.NoError(t, err)
	defer rf.Close()
	buf := make([]byte, 8)
	n, err := rf.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "0123", string(buf[:4]))
	require.Equal(t, make([]byte, 4), buf[4:n])
}

func TestFileReadPastEndReturnsEOF(t *testing.T) {
	dev := newTestDevice(t, 32)
	fsys := formatAndMount(t, dev)
	defer fsys.Unmount()

	f, err := fsys.Create("/empty")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rf, err := fsys.Open("/empty")
	require.NoError(t, err)
	defer rf.Close()
	buf := make([]byte, 4)
	n, err := rf.Read(buf)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestFileExceedingFileMaxFails(t *testing.T) {
	dev := newTestDevice(t, 32)
	cfg := Config{Device: dev, BlockCount: dev.BlockCount(), FileMax: 8}
	require.NoError(t, Format(cfg))
	fsys, err := Mount(cfg)
	require.NoError(t, err)
	defer fsys.Unmount()

	f, err := fsys.Create("/big")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(bytes.Repeat([]byte("z"), 9))
	require.ErrorIs(t, err, ErrFBig)
}
