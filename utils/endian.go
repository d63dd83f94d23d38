// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Byte order helpers for on-disk and on-wire structures. ATA log pages and identify data are
// little-endian, SCSI parameter data is big-endian, and GPT GUIDs are mixed. Three named sets of
// helpers keep the call sites honest about which convention a field uses.

package utils

import "encoding/binary"

// LE16 reads a little-endian 16-bit value (ATA convention).
func LE16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// LE32 reads a little-endian 32-bit value (ATA convention).
func LE32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// LE48 reads a little-endian 48-bit value from the first 6 bytes of b.
func LE48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40
}

// LE64 reads a little-endian 64-bit value (ATA convention).
func LE64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutLE16 stores a little-endian 16-bit value.
func PutLE16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

// PutLE32 stores a little-endian 32-bit value.
func PutLE32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// PutLE48 stores the low 48 bits of v into the first 6 bytes of b.
func PutLE48(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

// PutLE64 stores a little-endian 64-bit value.
func PutLE64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// BE16 reads a big-endian 16-bit value (SCSI convention).
func BE16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// BE32 reads a big-endian 32-bit value (SCSI convention).
func BE32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// BE64 reads a big-endian 64-bit value (SCSI convention).
func BE64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutBE16 stores a big-endian 16-bit value.
func PutBE16(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

// PutBE32 stores a big-endian 32-bit value.
func PutBE32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// PutBE64 stores a big-endian 64-bit value.
func PutBE64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// GUIDBytesToRFC4122 converts a 16-byte GPT GUID (first three fields little-endian, last two
// big-endian per the UEFI spec) into RFC 4122 byte order, suitable for uuid.FromBytes.
func GUIDBytesToRFC4122(b []byte) [16]byte {
	var out [16]byte

	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])

	return out
}

// Bits extracts the bit range [lo, hi] (inclusive) from v.
func Bits(v uint64, hi, lo uint) uint64 {
	return (v >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// Nibble0 returns the low nibble of b.
func Nibble0(b byte) byte {
	return b & 0x0f
}

// Nibble1 returns the high nibble of b.
func Nibble1(b byte) byte {
	return b >> 4
}
