// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package dco

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/device/devicetest"
	"github.com/dswarbrick/blockops/utils"
)

// buildDCOPage makes a plausible factory DCO identify page with a valid checksum.
func buildDCOPage(maxLBA uint64) []byte {
	page := make([]byte, 512)

	utils.PutLE16(page[0:], 0x0002)   // revision
	utils.PutLE16(page[2:], 0x0007)   // MWDMA 0..2
	utils.PutLE16(page[4:], 0x007f)   // UDMA 0..6
	utils.PutLE64(page[6:], maxLBA)
	utils.PutLE16(page[14:], 0x7fff)  // feature set one, everything allowed
	utils.PutLE16(page[16:], 0x001f)  // SATA features
	utils.PutLE16(page[42:], 0xfe00)  // feature set two
	utils.FixATAWordSum(page)

	return page
}

// dcoIdentifyData builds identify data advertising DCO support.
func dcoIdentifyData() []byte {
	id := make([]byte, 512)
	utils.PutLE16(id[83*2:], 0x4000|1<<11) // DCO supported, signature valid
	utils.PutLE16(id[84*2:], 0x4000)
	utils.PutLE16(id[87*2:], 0x4000)
	return id
}

type fakeDCODrive struct {
	page    []byte
	frozen  bool
	lastSet []byte
}

func (d *fakeDCODrive) ata(cmd *device.ATACmd) error {
	if cmd.Command != ata.ATA_DCO {
		return nil
	}

	if d.frozen {
		cmd.RStatus = device.ATAStatusErr
		cmd.RError = device.ATAErrorAbort
		return nil
	}

	switch uint8(cmd.Feature) {
	case ata.DCO_IDENTIFY, ata.DCO_IDENTIFY_DMA:
		copy(cmd.Data, d.page)
	case ata.DCO_SET, ata.DCO_SET_DMA:
		// The device verifies the checksum before accepting the page.
		if !utils.ValidATAWordSum(cmd.Data) {
			cmd.RStatus = device.ATAStatusErr
			cmd.RError = device.ATAErrorAbort
			return nil
		}
		d.lastSet = append([]byte(nil), cmd.Data...)
		d.page = append([]byte(nil), cmd.Data...)
	case ata.DCO_RESTORE, ata.DCO_FREEZE_LOCK:
	}

	return nil
}

func newDCOHandle(d *fakeDCODrive) *devicetest.Fake {
	return &devicetest.Fake{
		DeviceClass:  device.ClassATA,
		Max:          1953525167,
		IdentifyData: dcoIdentifyData(),
		ATAFunc:      d.ata,
	}
}

func TestIdentifyParsesPage(t *testing.T) {
	assert := assert.New(t)

	drive := &fakeDCODrive{page: buildDCOPage(1953525167)}
	data, err := Identify(newDCOHandle(drive))
	require.NoError(t, err)

	assert.True(data.ValidChecksum)
	assert.Equal(uint16(0x0002), data.Revision)
	assert.Equal(uint64(1953525167), data.MaxLBA)
	assert.True(data.MWDMA2)
	assert.True(data.UDMA6)
	assert.True(data.SMARTFeature)
	assert.True(data.HostProtectedArea)
	assert.True(data.NCQ)
	assert.True(data.NVCache)
	assert.True(data.ExtendedPowerConditions)
}

func TestIdentifyInvalidChecksumStillParses(t *testing.T) {
	page := buildDCOPage(1000)
	page[510] ^= 0xff

	drive := &fakeDCODrive{page: page}
	data, err := Identify(newDCOHandle(drive))
	require.NoError(t, err)

	assert.False(t, data.ValidChecksum)
	assert.Equal(t, uint64(1000), data.MaxLBA)
}

func TestSetRoundTrip(t *testing.T) {
	assert := assert.New(t)

	drive := &fakeDCODrive{page: buildDCOPage(1953525167)}
	h := newDCOHandle(drive)

	data, err := Identify(h)
	require.NoError(t, err)

	// Change the max LBA, leave every capability as reported.
	data.MaxLBA = 1000000000
	require.NoError(t, Set(h, data))

	require.NotNil(t, drive.lastSet)
	assert.True(utils.ValidATAWordSum(drive.lastSet), "set page carries a recomputed checksum")

	reread, err := Identify(h)
	require.NoError(t, err)
	assert.Equal(uint64(1000000000), reread.MaxLBA)
	assert.True(reread.ValidChecksum)

	// No-change round trip: all other fields survive.
	assert.Equal(data.Revision, reread.Revision)
	assert.True(reread.NCQ)
	assert.True(reread.SMARTFeature)
}

func TestSetClearsDisallowedBits(t *testing.T) {
	drive := &fakeDCODrive{page: buildDCOPage(500)}
	h := newDCOHandle(drive)

	data, err := Identify(h)
	require.NoError(t, err)

	data.NCQ = false
	data.SMARTFeature = false
	require.NoError(t, Set(h, data))

	reread, err := Identify(h)
	require.NoError(t, err)
	assert.False(t, reread.NCQ)
	assert.False(t, reread.SMARTFeature)
	assert.True(t, reread.SMARTSelfTest, "unrelated bits preserved")
}

func TestFrozenMapping(t *testing.T) {
	drive := &fakeDCODrive{page: buildDCOPage(500), frozen: true}
	h := newDCOHandle(drive)

	_, err := Identify(h)
	assert.True(t, errors.Is(err, device.ErrFrozen))

	err = FreezeLock(h)
	assert.True(t, errors.Is(err, device.ErrFrozen), "freeze lock abort means already frozen")
}
