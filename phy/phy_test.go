// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package phy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/device/devicetest"
	"github.com/dswarbrick/blockops/utils"
)

// buildCounterPage builds a PHY event counter page with counters of every width.
func buildCounterPage() []byte {
	page := make([]byte, 512)
	off := 4

	put := func(id uint16, widthCode uint16, value uint64, bytes int) {
		utils.PutLE16(page[off:], id|widthCode<<12)
		off += 2
		for i := 0; i < bytes; i++ {
			page[off+i] = byte(value >> (8 * uint(i)))
		}
		off += bytes
	}

	put(0x001, 1, 0x1234, 2)              // 16-bit ICRC errors
	put(0x009, 2, 0xdeadbeef, 4)          // 32-bit PhyRdy transitions
	put(0x00b, 3, 0x0000cafef00d, 6)      // 48-bit CRC errors
	put(0x8123, 4, 0x1122334455667788, 8) // vendor unique 64-bit

	// checksum byte makes the whole sector sum to zero
	page[511] = uint8(0 - utils.ATAByteSum(page[:511]))

	return page
}

func TestParseSATACounters(t *testing.T) {
	assert := assert.New(t)

	counters := ParseSATACounters(buildCounterPage())
	assert.True(counters.ValidChecksum)
	require.Len(t, counters.Counters, 4)

	c := counters.Counters[0]
	assert.False(c.VendorUnique)
	assert.Equal(uint16(0x001), c.EventID)
	assert.Equal(uint8(16), c.Bits)
	assert.Equal(uint64(0xffff), c.Max)
	assert.Equal(uint64(0x1234), c.Value)
	assert.Contains(c.Name(), "ICRC")

	assert.Equal(uint64(0xdeadbeef), counters.Counters[1].Value)
	assert.Equal(uint8(32), counters.Counters[1].Bits)

	assert.Equal(uint64(0x0000cafef00d), counters.Counters[2].Value)
	assert.Equal(uint8(48), counters.Counters[2].Bits)

	v := counters.Counters[3]
	assert.True(v.VendorUnique)
	assert.Equal(uint16(0x123), v.EventID)
	assert.Equal(uint8(64), v.Bits)
	assert.Equal(^uint64(0), v.Max)
	assert.Equal(uint64(0x1122334455667788), v.Value)
}

func TestParseSATACountersStopsAtZeroID(t *testing.T) {
	page := buildCounterPage()

	// Zero the second identifier: the walk must stop after the first counter.
	utils.PutLE16(page[4+2+2:], 0)

	counters := ParseSATACounters(page)
	assert.Len(t, counters.Counters, 1)
}

func TestParseSATACountersInvalidChecksum(t *testing.T) {
	page := buildCounterPage()
	page[511] ^= 0xff

	counters := ParseSATACounters(page)
	assert.False(t, counters.ValidChecksum)
	assert.Len(t, counters.Counters, 4, "counters still decoded from a bad-checksum page")
}

func TestReadSATACountersResetFeature(t *testing.T) {
	var gotFeature uint16

	h := &devicetest.Fake{
		DeviceClass: device.ClassATA,
		ATAFunc: func(cmd *device.ATACmd) error {
			if cmd.Command == ata.ATA_READ_LOG_EXT && uint8(cmd.LBA) == ata.LOG_SATA_PHY_EVENT_COUNTERS {
				gotFeature = cmd.Feature
				copy(cmd.Data, buildCounterPage())
			}
			return nil
		},
	}

	_, err := ReadSATACounters(h, true)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), gotFeature, "feature 1 clears counters atomically with the read")
}

func TestSASDiagPageLayout(t *testing.T) {
	assert := assert.New(t)

	p := &SASTestPattern{
		PhyIdentifier: 3,
		Pattern:       0x02, // CJTPAT
		LinkRate:      SASLinkRate12,
		SSC:           1,
		SATA:          true,
		DwordControl:  0x08,
		PatternDwords: 0x1122334455667788,
	}

	page := p.buildPage(SASTestFunctionStart)
	require.Len(t, page, 32)

	assert.Equal(uint8(0x3f), page[0])
	assert.Equal(uint8(0x06), page[1], "SAS protocol identifier")
	assert.Equal(uint16(0x001c), utils.BE16(page[2:4]))
	assert.Equal(uint8(3), page[4])
	assert.Equal(uint8(SASTestFunctionStart), page[5])
	assert.Equal(uint8(0x02), page[6])
	assert.Equal(uint8(SASLinkRate12)|1<<4|1<<6, page[7])
	assert.Equal(uint8(0x08), page[11])
	assert.Equal(uint64(0x1122334455667788), utils.BE64(page[12:20]))

	stop := p.buildPage(SASTestFunctionStop)
	assert.Equal(uint8(SASTestFunctionStop), stop[5])
	stop[5] = page[5]
	assert.Equal(page, stop, "stop reuses the same envelope")
}
