package server

import (
	"encoding/binary"
	"slices"
)

// reorder rewrites samples of size bytes from one byte order to the other in place.
func reorder(buf []byte, size int, from, to binary.ByteOrder) {
	if size < 2 || sameOrder(from, to) {
		return
	}
	for off := 0; off+size <= len(buf); off += size {
		slices.Reverse(buf[off : off+size])
	}
}

func sameOrder(a, b binary.ByteOrder) bool {
	probe := []byte{1, 0}
	return a.Uint16(probe) == b.Uint16(probe)
}
