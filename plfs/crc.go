package plfs

import "hash/crc32"

// IEEE CRC-32 running checksum over commit data. Real littlefs keeps a
// hand-rolled 16-entry nibble table because it targets microcontrollers
// with no hardware CRC and a few kilobytes of flash for code; on a Go
// host the standard library's crc32.IEEE table is generated once at
// init time and, on amd64/arm64, hash/crc32 switches to a
// CPU-accelerated IEEE implementation. Reimplementing
// the nibble table here would just be a slower, harder to audit copy of
// what hash/crc32 already gives us.
var crcTable = crc32.MakeTable(crc32.IEEE)

func crcUpdate(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crcTable, data)
}

func crcOf(data []byte) uint32 {
	return crcUpdate(0xffffffff, data)
}
