package plfs

import (
	"testing"

	"github.com/fingon/go-plfs/device/memory"
	"github.com/stretchr/testify/require"
)

// TestCacheProgDoesNotClobberEarlierCommitInSameWindow reproduces the
// scenario where two separate Prog calls land in the same cache_size
// window: without a read-merge before programming, the second call's
// freshly-allocated buffer would 0xff-fill the bytes the first call
// already committed and wipe them out on the next Flush.
func TestCacheProgDoesNotClobberEarlierCommitInSameWindow(t *testing.T) {
	dev := memory.New(64, 8, 8, 2, false)
	cfg := &Config{ReadSize: 8, ProgSize: 8, BlockSize: 64, CacheSize: 16}

	c := newBlockCache(dev, cfg)
	require.NoError(t, c.Prog(0, 0, []byte("AAAA")))
	require.NoError(t, c.Flush())

	require.NoError(t, c.Prog(0, 4, []byte("BBBB")))
	require.NoError(t, c.Flush())

	buf := make([]byte, 8)
	require.NoError(t, c.Read(0, 0, buf))
	require.Equal(t, "AAAABBBB", string(buf))
}

// TestCacheReadSeesBufferedProg checks that a read which overlaps a
// still-buffered, not-yet-flushed program sees the buffered bytes
// rather than stale device content.
func TestCacheReadSeesBufferedProg(t *testing.T) {
	dev := memory.New(64, 8, 8, 2, false)
	cfg := &Config{ReadSize: 8, ProgSize: 8, BlockSize: 64, CacheSize: 16}

	c := newBlockCache(dev, cfg)
	require.NoError(t, c.Prog(0, 0, []byte("hello")))

	buf := make([]byte, 5)
	require.NoError(t, c.Read(0, 0, buf))
	require.Equal(t, "hello", string(buf))
}
