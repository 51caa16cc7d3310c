package redo

import (
	"encoding/binary"
	"io"
)

// maxVarLongLen is the widest a signed TxnId delta can ever encode to.
// The scheme below packs 64 bits into at most 9 bytes: the first 8 bytes
// each carry 7 payload bits plus a continuation flag, and the 9th (if
// reached) carries the remaining 8 bits outright. This is what makes the
// "reserve 9 bytes, backfill at flush time" trick in the buffer-flush
// algorithm exact: no delta, however large, ever needs more room.
const maxVarLongLen = 9

// zigZag maps a signed value to an unsigned one so that small magnitudes
// (positive or negative) encode to few bytes.
func zigZag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// varLongLen returns the number of bytes writeVarLong would emit for v.
func varLongLen(v int64) int {
	u := zigZag(v)
	n := 1
	for i := 0; i < 8 && u>>uint(7*(i+1)) != 0; i++ {
		n++
	}
	return n
}

// writeVarLong encodes the signed delta into buf[0:] and returns the
// number of bytes written (1..9).
func writeVarLong(buf []byte, v int64) int {
	u := zigZag(v)
	n := varLongLen(v)
	if n == maxVarLongLen {
		// 8 continuation groups (56 bits) then one full byte for the rest.
		for i := 0; i < 8; i++ {
			buf[i] = byte(u) | 0x80
			u >>= 7
		}
		buf[8] = byte(u)
		return 9
	}
	for i := 0; i < n; i++ {
		b := byte(u & 0x7f)
		u >>= 7
		if i != n-1 {
			b |= 0x80
		}
		buf[i] = b
	}
	return n
}

// readVarLong decodes a signed delta from buf, returning the value and the
// number of bytes consumed.
func readVarLong(buf []byte) (int64, int) {
	var u uint64
	for i := 0; i < 8; i++ {
		b := buf[i]
		u |= uint64(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return unZigZag(u), i + 1
		}
	}
	u |= uint64(buf[8]) << 56
	return unZigZag(u), 9
}

// writeUvarint appends an unsigned LEB128 varint (used for byte-slice
// length prefixes, which are not subject to the reserved-slot trick).
func writeUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readUvarint decodes an unsigned LEB128 varint from r, the inverse of
// writeUvarint.
func readUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// readVarLongFrom decodes a signed delta one byte at a time from r,
// mirroring writeVarLong's bit layout (8 continuation groups of 7 bits
// then one full trailing byte).
func readVarLongFrom(r io.ByteReader) (int64, error) {
	var u uint64
	for i := 0; i < 8; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		u |= uint64(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return unZigZag(u), nil
		}
	}
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	u |= uint64(b) << 56
	return unZigZag(u), nil
}
