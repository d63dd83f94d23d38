// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package parttable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dswarbrick/blockops/utils"
)

func classicSector() []byte {
	s := make([]byte, 512)
	// non-zero bootstrap so the UEFI heuristic does not trip
	s[0] = 0xeb
	s[1] = 0x63
	s[218] = 0x01

	e := s[446:]
	e[0] = 0x80 // active
	e[4] = 0x83 // Linux
	utils.PutLE32(e[8:], 2048)
	utils.PutLE32(e[12:], 409600)

	s[510], s[511] = 0x55, 0xaa
	return s
}

func TestClassicMBR(t *testing.T) {
	m := ParseMBR(classicSector())

	assert.Equal(t, MBRClassic, m.Variant)
	assert.Len(t, m.Entries, 4)
	assert.Equal(t, uint8(0x83), m.Entries[0].TypeCode)
	assert.Equal(t, uint32(2048), m.Entries[0].FirstLBA)
	assert.Equal(t, uint32(409600), m.Entries[0].Sectors)
	assert.True(t, m.Entries[1].Empty())
}

func TestModernMBR(t *testing.T) {
	s := classicSector()
	s[218], s[219] = 0, 0
	utils.PutLE32(s[440:], 0xcafebabe)
	s[444], s[445] = 0, 0

	m := ParseMBR(s)
	assert.Equal(t, MBRModern, m.Variant)
	assert.Equal(t, uint32(0xcafebabe), m.DiskSignature)
}

func TestUEFIMBR(t *testing.T) {
	s := make([]byte, 512)
	e := s[446:]
	e[0] = 0x00
	e[4] = 0xee
	utils.PutLE32(e[8:], 1)
	utils.PutLE32(e[12:], 0xffffffff)
	s[510], s[511] = 0x55, 0xaa

	m := ParseMBR(s)
	assert.Equal(t, MBRUEFI, m.Variant)
	assert.True(t, m.Protective())
}

func TestAAPMBR(t *testing.T) {
	s := classicSector()
	s[428], s[429] = 0x78, 0x56
	s[430] = 0x80 // physical drive number
	s[434] = 0x07 // AAP entry type
	utils.PutLE32(s[438:], 63)

	m := ParseMBR(s)
	assert.Equal(t, MBRAAP, m.Variant)
	assert.Len(t, m.Entries, 5)
	assert.Equal(t, uint8(0x07), m.Entries[4].TypeCode)
	assert.Equal(t, uint32(63), m.Entries[4].FirstLBA)
}

func TestNEWLDRMBR(t *testing.T) {
	s := classicSector()
	copy(s[2:8], []byte("NEWLDR"))
	s[428], s[429] = 0x78, 0x56
	s[434] = 0x05

	m := ParseMBR(s)
	assert.Equal(t, MBRNEWLDR, m.Variant, "NEWLDR outranks the embedded AAP record")
	assert.Len(t, m.Entries, 5)
}

func TestASTMBR(t *testing.T) {
	s := classicSector()
	utils.PutLE16(s[380:382], 0x5aa5)

	// distinct types in the classic slots to observe the reversal
	for i := 0; i < 4; i++ {
		s[446+i*16+4] = byte(0x10 + i)
	}
	// entry 5 lives at offset 430
	s[430+4] = 0x77

	m := ParseMBR(s)
	assert.Equal(t, MBRAST, m.Variant)
	assert.Len(t, m.Entries, 8)
	assert.Equal(t, uint8(0x13), m.Entries[0].TypeCode, "classic entries stored reversed")
	assert.Equal(t, uint8(0x10), m.Entries[3].TypeCode)
	assert.Equal(t, uint8(0x77), m.Entries[4].TypeCode)
}

func TestOntrackMBR(t *testing.T) {
	s := classicSector()
	utils.PutLE16(s[252:254], 0xaa55)
	s[254+4] = 0x63 // entry 5 type

	m := ParseMBR(s)
	assert.Equal(t, MBROntrack, m.Variant)
	assert.Len(t, m.Entries, 16)
	assert.Equal(t, uint8(0x63), m.Entries[4].TypeCode)
}
