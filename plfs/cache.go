package plfs

import (
	"github.com/fingon/go-plfs/device"
	"github.com/pkg/errors"
)

// blockCache buffers one cache_size-aligned window of a single block
// for reads and one for writes, so callers can issue small, misaligned
// accesses (a few tag-header bytes at a time while scanning a metadata
// block) without hitting the device on every one. cache_size is
// validated at config time to be a multiple of both read_size and
// write_size (§4.1), so every window this cache ever asks the device
// to fill or program is itself a legal read/program request. It
// intentionally caches at most one block per direction: the working
// set during a commit or a scan is always "the block currently being
// read" and "the block currently being written", never more.
type blockCache struct {
	dev device.Interface
	cfg *Config

	rblock BlockID
	roff   uint32
	rbuf   []byte

	pblock BlockID
	poff   uint32
	pbuf   []byte
	dirty  bool
}

func newBlockCache(dev device.Interface, cfg *Config) *blockCache {
	return &blockCache{
		dev:    dev,
		cfg:    cfg,
		rblock: NullBlock,
		pblock: NullBlock,
	}
}

func (c *blockCache) dropRead() {
	c.rblock = NullBlock
}

// chunkWindow returns the cache_size-aligned window containing off,
// clamped so it never runs past the end of the block (needed when
// cache_size is itself larger than block_size).
func (c *blockCache) chunkWindow(off uint32) (start, length uint32) {
	start = (off / c.cfg.CacheSize) * c.cfg.CacheSize
	length = c.cfg.CacheSize
	if start+length > c.cfg.BlockSize {
		length = c.cfg.BlockSize - start
	}
	return start, length
}

// Read fills buf from block at off, using the cache window when the
// request already falls inside it and otherwise refilling from the
// device.
func (c *blockCache) Read(block BlockID, off uint32, buf []byte) error {
	if err := c.flushIfProgHits(block, off, uint32(len(buf))); err != nil {
		return err
	}
	for len(buf) > 0 {
		chunkStart, chunkLen := c.chunkWindow(off)
		if c.rblock != block || c.roff != chunkStart {
			if c.rbuf == nil {
				c.rbuf = make([]byte, c.cfg.CacheSize)
			}
			if err := c.dev.Read(uint64(block), chunkStart, c.rbuf[:chunkLen]); err != nil {
				return errors.Wrap(err, "cache: read")
			}
			c.rblock = block
			c.roff = chunkStart
		}
		n := copy(buf, c.rbuf[off-chunkStart:chunkLen])
		buf = buf[n:]
		off += uint32(n)
	}
	return nil
}

// flushIfProgHits pushes out a pending program buffer before a read
// touches the same region, so a reader never sees stale device
// content behind data this cache has buffered but not yet programmed.
func (c *blockCache) flushIfProgHits(block BlockID, off, size uint32) error {
	if !c.dirty || c.pblock != block {
		return nil
	}
	if off < c.poff+c.cfg.CacheSize && off+size > c.poff {
		return c.Flush()
	}
	return nil
}

// Prog buffers data at (block, off), flushing the previous program
// buffer first if it belongs to a different block or a different
// cache_size window.
func (c *blockCache) Prog(block BlockID, off uint32, data []byte) error {
	for len(data) > 0 {
		chunkStart, chunkLen := c.chunkWindow(off)
		if c.dirty && (c.pblock != block || c.poff != chunkStart) {
			if err := c.Flush(); err != nil {
				return err
			}
		}
		if !c.dirty {
			if c.pbuf == nil {
				c.pbuf = make([]byte, c.cfg.CacheSize)
			}
			// Read-merge rather than 0xff-fill: a commit's CRC trailer
			// almost never lands on a cache-window boundary, so the tail
			// of this window can already hold another commit's bytes.
			// Programming over a freshly-erased region reads back as
			// 0xff anyway, so this is never worse than an unconditional
			// fill and it stops a later commit in the same window from
			// clobbering an earlier, already-durable one.
			if err := c.dev.Read(uint64(block), chunkStart, c.pbuf[:chunkLen]); err != nil {
				return errors.Wrap(err, "cache: prog read-merge")
			}
			c.pblock = block
			c.poff = chunkStart
			c.dirty = true
		}
		n := copy(c.pbuf[off-chunkStart:chunkLen], data)
		data = data[n:]
		off += uint32(n)
		if c.rblock == block && off > c.roff && off-uint32(n) < c.roff+c.cfg.CacheSize {
			c.dropRead()
		}
	}
	return nil
}

// Flush programs any buffered write to the device.
func (c *blockCache) Flush() error {
	if !c.dirty {
		return nil
	}
	_, chunkLen := c.chunkWindow(c.poff)
	if err := c.dev.Program(uint64(c.pblock), c.poff, c.pbuf[:chunkLen]); err != nil {
		return errors.Wrap(err, "cache: prog")
	}
	c.dirty = false
	if c.rblock == c.pblock {
		c.dropRead()
	}
	return nil
}

// Sync flushes buffered writes and asks the device to durably commit
// them, per invariant I-DUR.
func (c *blockCache) Sync() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return errors.Wrap(c.dev.Sync(), "cache: sync")
}

// Compare reports whether data already matches what is on the block
// at off, used to skip redundant programs (real flash devices wear
// out, so a program that would be a no-op is worth avoiding).
func (c *blockCache) Compare(block BlockID, off uint32, data []byte) (bool, error) {
	buf := make([]byte, len(data))
	if err := c.Read(block, off, buf); err != nil {
		return false, err
	}
	for i := range buf {
		if buf[i] != data[i] {
			return false, nil
		}
	}
	return true, nil
}
