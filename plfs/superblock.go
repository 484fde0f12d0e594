package plfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// diskMagic is the fixed 8-byte string opening the superblock
// payload, checked at mount to reject a device that never ran Format.
const diskMagic = "littlefs"

// onDiskVersion is (major<<16 | minor); mount refuses a device whose
// major version differs and warns (but proceeds) on a newer minor.
const onDiskVersion = uint32(2)<<16 | 0

// Superblock is the payload of the reserved id-0 TypeSuperblock entry
// written into the root directory's first metadata pair. It pins down
// the geometry a device was formatted with so a later mount can
// detect an incompatible reopen (wrong block size, etc.) instead of
// silently misinterpreting the log.
type Superblock struct {
	Version     uint32
	BlockSize   uint32
	BlockCount  uint64
	NameMax     uint32
	FileMax     uint64
	AttrMax     uint32
}

// Encode serializes the superblock: magic, version, then the geometry
// fields as fixed-width little-endian integers, matching the encoding
// every other tag payload in this tree uses.
func (s Superblock) Encode() []byte {
	buf := make([]byte, 8+4+4+8+4+8+4)
	copy(buf[0:8], diskMagic)
	binary.LittleEndian.PutUint32(buf[8:12], s.Version)
	binary.LittleEndian.PutUint32(buf[12:16], s.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], s.BlockCount)
	binary.LittleEndian.PutUint32(buf[24:28], s.NameMax)
	binary.LittleEndian.PutUint64(buf[28:36], s.FileMax)
	binary.LittleEndian.PutUint32(buf[36:40], s.AttrMax)
	return buf
}

func DecodeSuperblock(data []byte) (Superblock, error) {
	var s Superblock
	if len(data) < 40 {
		return s, wrapf(ErrCorrupt, "superblock: short payload (%d bytes)", len(data))
	}
	if string(data[0:8]) != diskMagic {
		return s, wrapf(ErrCorrupt, "superblock: bad magic %q", data[0:8])
	}
	s.Version = binary.LittleEndian.Uint32(data[8:12])
	if s.Version>>16 != onDiskVersion>>16 {
		return s, errors.Errorf("plfs: superblock: incompatible major version %d.%d", s.Version>>16, s.Version&0xffff)
	}
	s.BlockSize = binary.LittleEndian.Uint32(data[12:16])
	s.BlockCount = binary.LittleEndian.Uint64(data[16:24])
	s.NameMax = binary.LittleEndian.Uint32(data[24:28])
	s.FileMax = binary.LittleEndian.Uint64(data[28:36])
	s.AttrMax = binary.LittleEndian.Uint32(data[36:40])
	return s, nil
}
