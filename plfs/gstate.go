package plfs

// gstate is the filesystem-wide state that cannot be pinned to any
// single metadata pair: which entry (if any) is mid-move, and how
// many orphaned directory entries exist. The first commit anywhere in
// the tree after it changes writes the complete current value, stamped
// with a claim sequence number, into its pair's MOVESTATE tag; mount
// takes the highest-sequence snapshot found in any pair (see
// encodeGTag) so a crash never loses track of it (invariant I-GSTATE).
// Mount does not XOR the pairs' MOVESTATE payloads together.
//
// moveID holds the moving entry's real id while a move is pending and
// noMoveID otherwise. noMoveID is the XOR identity for moveID: a move's gdelta carries the
// mover's real id XORed with noMoveID, so committing the same delta
// twice (start, then cancel) returns the accumulator to noMoveID
// rather than to 0, keeping 0 available as an ordinary directory id.
const noMoveID = uint16(0x8000)

type gstate struct {
	movePair Pair
	moveID   uint16
	orphans  int32
}

func zeroGState() gstate {
	return gstate{moveID: noMoveID}
}

// zero reports whether this state has no pending move and no known
// orphans, i.e. the filesystem is fully consistent.
func (g gstate) zero() bool {
	return g.moveID == noMoveID && g.orphans == 0
}

func (g gstate) hasMove() bool {
	return g.moveID != noMoveID
}

// hasMoveHere reports whether pair currently holds the source half of
// a pending cross-pair move, i.e. whoever resolves pair's entries
// against this gstate must hide id moveTargetID() until demove runs:
// the destination commit has already landed, so leaving the source
// visible would show the same file at both names at once.
func (g gstate) hasMoveHere(pair Pair) bool {
	return g.hasMove() && g.movePair == pair
}

// isZeroDelta reports whether g is the XOR identity for a delta (as
// opposed to zero(), which checks the STATE identity - a delta's
// "nothing pending" value is the plain zero value, since deltas start
// from moveID 0, not noMoveID).
func (g gstate) isZeroDelta() bool {
	return g.movePair == Pair{} && g.moveID == 0 && g.orphans == 0
}

func (g gstate) moveTargetID() uint16 {
	return g.moveID
}

// xor returns the field-wise XOR of two states; Commit uses it to tell
// whether fs.gstate has changed since the last claimed snapshot
// (fs.gdisk).
func (g gstate) xor(d gstate) gstate {
	return gstate{
		movePair: Pair{g.movePair.A ^ d.movePair.A, g.movePair.B ^ d.movePair.B},
		moveID:   g.moveID ^ d.moveID,
		orphans:  g.orphans ^ d.orphans,
	}
}

// encode/decode use the same 12-byte layout as a MOVESTATE tag's
// state half: pair (8 bytes), move id (2 bytes), orphan count (2
// bytes, signed).
func (g gstate) encode() []byte {
	buf := make([]byte, 12)
	putBlockID(buf[0:4], g.movePair.A)
	putBlockID(buf[4:8], g.movePair.B)
	putUint16(buf[8:10], g.moveID)
	putUint16(buf[10:12], uint16(int16(g.orphans)))
	return buf
}

func decodeGState(data []byte) (gstate, error) {
	if len(data) < 12 {
		return gstate{}, wrapf(ErrCorrupt, "gstate: short payload (%d bytes)", len(data))
	}
	return gstate{
		movePair: Pair{getBlockID(data[0:4]), getBlockID(data[4:8])},
		moveID:   getUint16(data[8:10]),
		orphans:  int32(int16(getUint16(data[10:12]))),
	}, nil
}

// encodeGTag/decodeGTag wrap a gstate with the 4-byte monotonic claim
// sequence that lets mount tell which pair's committed MOVESTATE tag
// is the freshest. Each pair's own gtag always holds the complete
// running total as of whatever commit last claimed a pending delta,
// not an independent contribution - unlike an ordinary gdelta, these
// cannot be recovered by XORing every pair's copy together, since
// most pairs are carrying a stale total rather than a fresh one.
func encodeGTag(g gstate, seq uint32) []byte {
	buf := make([]byte, 16)
	copy(buf[0:12], g.encode())
	putUint32(buf[12:16], seq)
	return buf
}

func decodeGTag(data []byte) (gstate, uint32, error) {
	if len(data) < 16 {
		return gstate{}, 0, wrapf(ErrCorrupt, "gstate: short gtag payload (%d bytes)", len(data))
	}
	g, err := decodeGState(data[0:12])
	if err != nil {
		return gstate{}, 0, err
	}
	return g, getUint32(data[12:16]), nil
}

func putBlockID(buf []byte, b BlockID) {
	buf[0] = byte(b)
	buf[1] = byte(b >> 8)
	buf[2] = byte(b >> 16)
	buf[3] = byte(b >> 24)
}

func getBlockID(buf []byte) BlockID {
	return BlockID(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
}

func putUint16(buf []byte, v uint16) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
}

func getUint16(buf []byte) uint16 {
	return uint16(buf[0]) | uint16(buf[1])<<8
}
