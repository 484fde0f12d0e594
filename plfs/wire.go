package plfs

import "encoding/binary"

// Shared little-endian helpers for multi-byte payload fields. Tag
// headers themselves are big-endian (see tag.go); everything inside
// a payload - CTZ pointers, pair ids, gstate snapshots, the superblock -
// is little-endian, matching the split called out in the design's
// endianness notes.

func putUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func getUint32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
func putUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getUint64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

func encodePair(p Pair) []byte {
	buf := make([]byte, 8)
	putBlockID(buf[0:4], p.A)
	putBlockID(buf[4:8], p.B)
	return buf
}

func decodePair(buf []byte) (Pair, error) {
	if len(buf) < 8 {
		return Pair{}, wrapf(ErrCorrupt, "pair: short payload (%d bytes)", len(buf))
	}
	return Pair{getBlockID(buf[0:4]), getBlockID(buf[4:8])}, nil
}

// ctzStruct is the payload of a TypeCTZStruct tag: the skip-list's
// head block and the file's logical size.
type ctzStruct struct {
	Head BlockID
	Size uint64
}

func (c ctzStruct) encode() []byte {
	buf := make([]byte, 12)
	putBlockID(buf[0:4], c.Head)
	putUint64(buf[4:12], c.Size)
	return buf
}

func decodeCTZStruct(buf []byte) (ctzStruct, error) {
	if len(buf) < 12 {
		return ctzStruct{}, wrapf(ErrCorrupt, "ctzstruct: short payload (%d bytes)", len(buf))
	}
	return ctzStruct{Head: getBlockID(buf[0:4]), Size: getUint64(buf[4:12])}, nil
}

// encodeTagHeader renders a 4-byte big-endian tag word, XOR-chained
// against ptag so that a scanner reading forward can recover tag by
// XORing the same ptag back in (chain is its own inverse).
func encodeTagHeader(ptag, tag Tag) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(chain(ptag, tag)))
	return buf
}

func decodeTagHeader(buf []byte, ptag Tag) Tag {
	wire := Tag(binary.BigEndian.Uint32(buf))
	return chain(wire, ptag)
}
