package plfs

import "github.com/fingon/go-plfs/device"

// hard, on-disk maxima; a Config's soft limits are clamped to these.
const (
	HardNameMax     = 1022
	HardAttrMax     = 1022
	HardFileMax     = (1 << 63) - 1
	minCacheDivisor = 1
)

// Config gathers everything Format/Mount need: the host block device
// plus the geometry and cache sizing knobs from the design's §6.
// BlockSize/BlockCount of 0 mean "ask the device", matching the
// device.Interface exposing its own geometry.
type Config struct {
	Device device.Interface

	ReadSize     uint32
	ProgSize     uint32
	EraseSize    uint32 // 0 => equal to BlockSize
	BlockSize    uint32 // 0 => autodetect at mount
	BlockCount   uint64 // 0 => sized to device

	BlockCycles  int32 // <0 disables forced relocation
	CacheSize    uint32
	LookaheadSize uint32 // bytes; multiple of 8

	NameMax     uint32
	FileMax     uint64
	AttrMax     uint32
	MetadataMax uint32 // 0 => BlockSize
}

func (c *Config) applyDefaults() {
	if c.ReadSize == 0 {
		c.ReadSize = c.Device.ReadSize()
		if c.ReadSize == 0 {
			c.ReadSize = 1
		}
	}
	if c.ProgSize == 0 {
		c.ProgSize = c.Device.ProgSize()
		if c.ProgSize == 0 {
			c.ProgSize = 1
		}
	}
	if c.EraseSize == 0 {
		c.EraseSize = c.BlockSize
	}
	if c.BlockCount == 0 {
		c.BlockCount = c.Device.BlockCount()
	}
	if c.CacheSize == 0 {
		c.CacheSize = 64
		for c.CacheSize < c.ReadSize || c.CacheSize < c.ProgSize {
			c.CacheSize *= 2
		}
	}
	if c.LookaheadSize == 0 {
		c.LookaheadSize = 16
	}
	if c.BlockCycles == 0 {
		c.BlockCycles = 512
	}
	if c.NameMax == 0 || c.NameMax > HardNameMax {
		c.NameMax = HardNameMax
	}
	if c.FileMax == 0 || c.FileMax > HardFileMax {
		c.FileMax = HardFileMax
	}
	if c.AttrMax == 0 || c.AttrMax > HardAttrMax {
		c.AttrMax = HardAttrMax
	}
	if c.MetadataMax == 0 || c.MetadataMax > c.BlockSize {
		c.MetadataMax = c.BlockSize
	}
}

func (c *Config) validate() error {
	if c.BlockSize == 0 {
		return nil // resolved during mount's autodetection
	}
	if c.CacheSize%c.ReadSize != 0 || c.CacheSize%c.ProgSize != 0 {
		return wrapf(ErrInval, "cache_size %d must be a multiple of read/prog size", c.CacheSize)
	}
	if c.BlockSize%c.CacheSize != 0 && c.CacheSize%c.BlockSize != 0 {
		return wrapf(ErrInval, "cache_size %d must be a factor of block_size %d", c.CacheSize, c.BlockSize)
	}
	if c.LookaheadSize%8 != 0 {
		return wrapf(ErrInval, "lookahead_size %d must be a multiple of 8", c.LookaheadSize)
	}
	return nil
}

// inlineLimit is the largest a file's data may be while still living
// inside its directory entry as an INLINESTRUCT payload (invariant 4).
func (c *Config) inlineLimit() int {
	m := 0x3fe
	if int(c.CacheSize) < m {
		m = int(c.CacheSize)
	}
	if int(c.MetadataMax)/8 < m {
		m = int(c.MetadataMax) / 8
	}
	return m
}
