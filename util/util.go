// Package util collects small dependency-free helpers shared across
// the filesystem: byte concatenation, min/max/or over ints, atomics,
// and a couple of lock and list primitives.
package util

import "encoding/binary"

func ConcatBytes(bufs ...[]byte) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	r := make([]byte, 0, n)
	for _, b := range bufs {
		r = append(r, b...)
	}
	return r
}

func PutUint32BE(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func PutUint64LE(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func IMin(i int, rest ...int) int {
	for _, v := range rest {
		if v < i {
			i = v
		}
	}
	return i
}

func IMax(i int, rest ...int) int {
	for _, v := range rest {
		if v > i {
			i = v
		}
	}
	return i
}

func IOr(i int, rest ...int) int {
	for _, v := range rest {
		if v != 0 {
			return v
		}
	}
	return i
}

func SOr(s string, rest ...string) string {
	for _, v := range rest {
		if v != "" {
			return v
		}
	}
	return s
}
