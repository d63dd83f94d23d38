// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package parttable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/device/devicetest"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

const (
	testBlockSize = 512
	testMaxLBA    = 199 // 200-sector disk
	entryCount    = 128
	entrySize     = 128
)

// diskImage is an in-memory disk served over the fake handle's SCSI interface.
type diskImage struct {
	data []byte
}

func newDiskImage() *diskImage {
	return &diskImage{data: make([]byte, (testMaxLBA+1)*testBlockSize)}
}

func (d *diskImage) sector(lba uint64) []byte {
	return d.data[lba*testBlockSize : (lba+1)*testBlockSize]
}

func (d *diskImage) scsi(cmd *device.SCSICmd) error {
	if cmd.CDB[0] != scsi.SCSI_READ_16 {
		return nil
	}

	lba := utils.BE64(cmd.CDB[2:10])
	blocks := utils.BE32(cmd.CDB[10:14])
	copy(cmd.Data, d.data[lba*testBlockSize:(lba+uint64(blocks))*testBlockSize])

	return nil
}

func (d *diskImage) handle() *devicetest.Fake {
	return &devicetest.Fake{
		DeviceClass: device.ClassSCSI,
		Block:       testBlockSize,
		Max:         testMaxLBA,
		SCSIFunc:    d.scsi,
	}
}

// linuxFSGUID is "Linux filesystem data" in on-disk byte order.
var linuxFSGUID = []byte{
	0xaf, 0x3d, 0xc6, 0x0f, 0x83, 0x84, 0x72, 0x47,
	0x8e, 0x79, 0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4,
}

// buildEntryArray creates an entry array with two used slots.
func buildEntryArray() []byte {
	array := make([]byte, entryCount*entrySize)

	e0 := array[0:]
	copy(e0[0:16], linuxFSGUID)
	e0[16] = 0x01 // unique GUID, arbitrary non-zero
	utils.PutLE64(e0[32:], 64)
	utils.PutLE64(e0[40:], 99)
	utils.PutLE64(e0[48:], uint64(AttrPlatformRequired))
	copy(e0[56:], []byte{'r', 0, 'o', 0, 'o', 0, 't', 0})

	e1 := array[entrySize:]
	copy(e1[0:16], linuxFSGUID)
	e1[16] = 0x02
	utils.PutLE64(e1[32:], 100)
	utils.PutLE64(e1[40:], 159)

	return array
}

// buildHeader serializes a GPT header with valid CRCs.
func buildHeader(current, backup, entriesLBA uint64, array []byte) []byte {
	h := make([]byte, testBlockSize)

	utils.PutLE64(h[0:], gptSignature)
	utils.PutLE32(h[8:], 0x00010000)
	utils.PutLE32(h[12:], 92)
	utils.PutLE64(h[24:], current)
	utils.PutLE64(h[32:], backup)
	utils.PutLE64(h[40:], 34)          // first usable
	utils.PutLE64(h[48:], testMaxLBA-33) // last usable
	copy(h[56:72], linuxFSGUID)        // disk GUID, any valid mixed-endian GUID
	utils.PutLE64(h[72:], entriesLBA)
	utils.PutLE32(h[80:], entryCount)
	utils.PutLE32(h[84:], entrySize)
	utils.PutLE32(h[88:], utils.CRC32UEFI(array))

	utils.PutLE32(h[16:], 0)
	utils.PutLE32(h[16:], utils.CRC32UEFI(h[:92]))

	return h
}

// buildGPTDisk writes a complete GPT disk: protective MBR, primary header + array, backup array
// + header.
func buildGPTDisk() *diskImage {
	d := newDiskImage()
	array := buildEntryArray()

	// protective MBR
	mbr := d.sector(0)
	mbr[446+4] = 0xee
	utils.PutLE32(mbr[446+8:], 1)
	utils.PutLE32(mbr[446+12:], testMaxLBA)
	mbr[510], mbr[511] = 0x55, 0xaa

	copy(d.sector(1), buildHeader(1, testMaxLBA, 2, array))
	copy(d.data[2*testBlockSize:], array)

	backupEntriesLBA := uint64(testMaxLBA - 32)
	copy(d.data[backupEntriesLBA*testBlockSize:], array)
	copy(d.sector(testMaxLBA), buildHeader(testMaxLBA, 1, backupEntriesLBA, array))

	return d
}

func TestReadGPT(t *testing.T) {
	assert := assert.New(t)

	table, err := Read(buildGPTDisk().handle())
	require.NoError(t, err)

	require.Equal(t, TypeGPT, table.Type)
	g := table.GPT
	require.NotNil(t, g)

	assert.True(g.MBRValid)
	assert.False(g.FromBackup)
	assert.Equal(uint64(1), g.CurrentLBA)
	assert.Equal(uint64(testMaxLBA), g.BackupLBA)
	assert.Equal(uint32(entryCount), g.EntriesCount)

	require.Len(t, g.Entries, entryCount)
	used := 0
	for _, e := range g.Entries {
		if !e.Empty() {
			used++
		}
	}
	assert.Equal(2, used)

	e0 := g.Entries[0]
	assert.Equal("0fc63daf-8483-4772-8e79-3d69d8477de4", e0.TypeGUID.String())
	assert.Equal("Linux filesystem data", e0.TypeName)
	assert.Equal(uint64(64), e0.FirstLBA)
	assert.Equal(uint64(99), e0.LastLBA)
	assert.Equal("root", e0.Name)
	assert.NotZero(e0.Attributes&AttrPlatformRequired)
}

func TestReadGPTBackupFallback(t *testing.T) {
	assert := assert.New(t)

	d := buildGPTDisk()
	// Destroy the front of the disk: no MBR signature, no primary header.
	for i := range d.data[:2*testBlockSize] {
		d.data[i] = 0
	}

	table, err := Read(d.handle())
	require.NoError(t, err)

	require.Equal(t, TypeGPT, table.Type)
	g := table.GPT
	assert.False(g.MBRValid)
	assert.True(g.FromBackup)
	assert.Equal(uint64(testMaxLBA), g.CurrentLBA, "backup header reports itself as current")
	require.Len(t, g.Entries, entryCount)
	assert.Equal("Linux filesystem data", g.Entries[0].TypeName)
}

func TestReadGPTCorruptHeaderFallsBack(t *testing.T) {
	d := buildGPTDisk()
	// Flip a bit inside the primary header body: signature intact, CRC now wrong.
	d.sector(1)[40] ^= 0x01

	table, err := Read(d.handle())
	require.NoError(t, err)
	require.Equal(t, TypeGPT, table.Type)
	assert.True(t, table.GPT.FromBackup)
}

func TestReadGPTCorruptEntriesFallsBack(t *testing.T) {
	d := buildGPTDisk()
	// Corrupt the primary entry array only.
	d.data[2*testBlockSize] ^= 0xff

	table, err := Read(d.handle())
	require.NoError(t, err)
	require.Equal(t, TypeGPT, table.Type)
	assert.True(t, table.GPT.FromBackup)
}

func TestHeaderCRCValidation(t *testing.T) {
	array := buildEntryArray()
	h := buildHeader(1, testMaxLBA, 2, array)

	g, err := ParseGPTHeader(h)
	require.NoError(t, err)
	assert.Equal(t, utils.LE32(h[16:20]), g.HeaderCRC32)

	h[24] ^= 0x01
	_, err = ParseGPTHeader(h)
	assert.ErrorIs(t, err, device.ErrInvalidChecksum)
}

func TestProtectiveMBRAlone(t *testing.T) {
	d := newDiskImage()
	mbr := d.sector(0)
	mbr[446+4] = 0xee
	mbr[510], mbr[511] = 0x55, 0xaa

	// No GPT anywhere: parses as a bare MBR.
	table, err := Read(d.handle())
	require.NoError(t, err)
	assert.Equal(t, TypeMBR, table.Type)
	assert.True(t, table.MBR.Protective())
}
