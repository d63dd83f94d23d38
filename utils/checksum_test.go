// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestATAWordSum(t *testing.T) {
	assert := assert.New(t)

	page := make([]byte, 512)
	assert.True(ValidATAWordSum(page), "all-zero page sums to zero")

	PutLE16(page[0:], 0x1234)
	assert.False(ValidATAWordSum(page))

	FixATAWordSum(page)
	assert.True(ValidATAWordSum(page))
	assert.Equal(uint16(0x1234), LE16(page[0:]), "body untouched by checksum fix")

	// Fixing twice is stable.
	csum := LE16(page[510:])
	FixATAWordSum(page)
	assert.Equal(csum, LE16(page[510:]))
}

func TestATAByteSum(t *testing.T) {
	assert := assert.New(t)

	sector := make([]byte, 512)
	assert.True(ValidATAByteSum(sector))

	sector[0] = 0x7f
	assert.False(ValidATAByteSum(sector))

	sector[511] = uint8(0 - ATAByteSum(sector[:511]))
	assert.True(ValidATAByteSum(sector))
}

func TestCRC32UEFI(t *testing.T) {
	// The UEFI CRC32 is the reflected 04C11DB7 polynomial, identical to IEEE 802.3; the check
	// value for "123456789" is a published constant.
	assert.Equal(t, uint32(0xcbf43926), CRC32UEFI([]byte("123456789")))
}

func TestEndianHelpers(t *testing.T) {
	assert := assert.New(t)

	b := make([]byte, 8)
	PutLE48(b, 0x123456789abc)
	assert.Equal(uint64(0x123456789abc), LE48(b))

	PutBE64(b, 0x0102030405060708)
	assert.Equal(uint64(0x0102030405060708), BE64(b))
	assert.Equal(uint16(0x0102), BE16(b))
}

func TestGUIDBytesToRFC4122(t *testing.T) {
	// On-disk EFI System GUID c12a7328-f81f-11d2-ba4b-00a0c93ec93b: first three fields
	// little-endian, last two verbatim.
	disk := []byte{
		0x28, 0x73, 0x2a, 0xc1,
		0x1f, 0xf8,
		0xd2, 0x11,
		0xba, 0x4b,
		0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}

	rfc := GUIDBytesToRFC4122(disk)
	expected := [16]byte{
		0xc1, 0x2a, 0x73, 0x28,
		0xf8, 0x1f,
		0x11, 0xd2,
		0xba, 0x4b,
		0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}
	assert.Equal(t, expected, rfc)
}

func TestBitsAndNibbles(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(0x5), Bits(0x50, 6, 4))
	assert.Equal(byte(0xa), Nibble0(0xba))
	assert.Equal(byte(0xb), Nibble1(0xba))
}
