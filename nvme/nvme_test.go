// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dswarbrick/blockops/utils"
)

func TestParseReservationReport(t *testing.T) {
	assert := assert.New(t)

	buf := make([]byte, 24+2*24)
	utils.PutLE32(buf[0:], 7)  // generation
	buf[4] = RTYPE_WRITE_EXCLUSIVE_REG_ONLY
	utils.PutLE16(buf[5:7], 2) // two controllers
	buf[9] = 1                 // PTPL active

	c0 := buf[24:]
	utils.PutLE16(c0[0:], 0x41)
	c0[2] = 0x01 // holder
	copy(c0[8:16], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	utils.PutLE64(c0[16:], 0xaabb)

	c1 := buf[48:]
	utils.PutLE16(c1[0:], 0x42)
	utils.PutLE64(c1[16:], 0xccdd)

	rpt := ParseReservationReport(buf)
	assert.Equal(uint32(7), rpt.Generation)
	assert.Equal(uint8(RTYPE_WRITE_EXCLUSIVE_REG_ONLY), rpt.Type)
	assert.True(rpt.PTPLState)
	assert.Len(rpt.Controllers, 2)

	assert.Equal(uint16(0x41), rpt.Controllers[0].ControllerID)
	assert.True(rpt.Controllers[0].Holder)
	assert.Equal(uint64(0xaabb), rpt.Controllers[0].Key)
	assert.Equal([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, rpt.Controllers[0].HostID)

	assert.False(rpt.Controllers[1].Holder)
	assert.Equal(uint64(0xccdd), rpt.Controllers[1].Key)
}

func TestParseReservationReportTruncated(t *testing.T) {
	buf := make([]byte, 24+24)
	utils.PutLE16(buf[5:7], 5) // claims five controllers, data holds one

	rpt := ParseReservationReport(buf)
	assert.Len(t, rpt.Controllers, 1, "walk must stop at the end of the buffer")
}

func TestIdentOffsets(t *testing.T) {
	ctrl := make([]byte, 4096)
	utils.PutLE16(ctrl[520:], ONCSReservations|0x3)
	assert.NotZero(t, ONCS(ctrl)&ONCSReservations)

	ns := make([]byte, 4096)
	ns[31] = RescapPTPL | RescapWE
	assert.Equal(t, uint8(RescapPTPL|RescapWE), Rescap(ns))
}
