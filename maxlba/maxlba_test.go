// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package maxlba

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/device/devicetest"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

// fakeCapacityDrive models the stacked HPA and DCO capacity limits. HPA/AMAC set commands only
// work once per "power cycle"; the DCO restore aborts until that cycle happened.
type fakeCapacityDrive struct {
	current   uint64
	hpaNative uint64
	dcoMax    uint64

	hpaChangedThisCycle bool
	hpaSecurity         bool

	scsiMax uint64
}

func (d *fakeCapacityDrive) identify() []byte {
	id := make([]byte, 512)

	utils.PutLE64(id[100*2:], d.current+1)
	utils.PutLE16(id[82*2:], 1<<10)          // HPA supported
	w83 := uint16(0x4000 | 1<<10)            // 48-bit
	if d.hpaSecurity {
		w83 |= 1 << 8
	}
	utils.PutLE16(id[83*2:], w83|1<<11) // DCO supported
	utils.PutLE16(id[87*2:], 0x4000)

	return id
}

func (d *fakeCapacityDrive) ata(cmd *device.ATACmd) error {
	abort := func() {
		cmd.RStatus = device.ATAStatusErr
		cmd.RError = device.ATAErrorAbort
	}

	switch cmd.Command {
	case ata.ATA_READ_NATIVE_MAX_ADDRESS_EXT:
		cmd.RLBA = d.hpaNative

	case ata.ATA_SET_MAX_ADDRESS_EXT:
		if d.hpaSecurity || d.hpaChangedThisCycle {
			abort()
			return nil
		}
		d.current = cmd.LBA
		d.hpaChangedThisCycle = true

	case ata.ATA_DCO:
		switch uint8(cmd.Feature) {
		case ata.DCO_IDENTIFY:
			page := make([]byte, 512)
			utils.PutLE64(page[6:], d.dcoMax)
			utils.FixATAWordSum(page)
			copy(cmd.Data, page)
		case ata.DCO_RESTORE:
			if d.hpaChangedThisCycle {
				abort()
				return nil
			}
			d.current = d.dcoMax
			d.hpaNative = d.dcoMax
		}
	}

	return nil
}

func (d *fakeCapacityDrive) powerCycle() {
	d.hpaChangedThisCycle = false
}

func (d *fakeCapacityDrive) handle() *devicetest.Fake {
	return &devicetest.Fake{
		DeviceClass:  device.ClassATA,
		Max:          d.current,
		IdentifyFunc: d.identify,
		ATAFunc:      d.ata,
		SCSIFunc: func(cmd *device.SCSICmd) error {
			switch cmd.CDB[0] {
			case scsi.SCSI_READ_CAPACITY_10:
				utils.PutBE32(cmd.Data[0:], uint32(d.scsiMax))
				utils.PutBE32(cmd.Data[4:], 512)
			case scsi.SCSI_SERVICE_ACTION_IN_16:
				utils.PutBE64(cmd.Data[0:], d.scsiMax)
				utils.PutBE32(cmd.Data[8:], 512)
			}
			return nil
		},
	}
}

func TestRestoreSequencing(t *testing.T) {
	// HPA native above current, DCO max above HPA native: the first invocation restores the
	// HPA layer and demands a power cycle; the second finishes with DCO.
	drive := &fakeCapacityDrive{current: 1000, hpaNative: 2000, dcoMax: 3000}
	h := drive.handle()

	err := Restore(h)
	assert.True(t, errors.Is(err, device.ErrPowerCycleRequired))
	assert.Equal(t, uint64(2000), drive.current, "HPA layer restored first")

	drive.powerCycle()
	h.InvalidateIdentify()

	require.NoError(t, Restore(h))
	assert.Equal(t, uint64(3000), drive.current, "DCO restore after the power cycle")
}

func TestRestoreDCOAbortsBeforePowerCycle(t *testing.T) {
	// Simulate calling restore twice without the interposing power cycle: the DCO step must
	// surface PowerCycleRequired, not silently fail.
	drive := &fakeCapacityDrive{current: 1000, hpaNative: 2000, dcoMax: 3000}
	h := drive.handle()

	err := Restore(h)
	assert.True(t, errors.Is(err, device.ErrPowerCycleRequired))

	h.InvalidateIdentify()
	err = Restore(h)
	assert.True(t, errors.Is(err, device.ErrPowerCycleRequired))
	assert.Equal(t, uint64(2000), drive.current)
}

func TestRestoreAccessDenied(t *testing.T) {
	drive := &fakeCapacityDrive{current: 1000, hpaNative: 2000, dcoMax: 2000, hpaSecurity: true}

	err := Restore(drive.handle())
	assert.True(t, errors.Is(err, device.ErrAccessDenied))
	assert.Equal(t, uint64(1000), drive.current)
}

func TestRestoreNothingToDo(t *testing.T) {
	drive := &fakeCapacityDrive{current: 3000, hpaNative: 3000, dcoMax: 3000}
	assert.NoError(t, Restore(drive.handle()))
}

func TestTranslatorSync(t *testing.T) {
	drive := &fakeCapacityDrive{current: 2000, hpaNative: 2000, dcoMax: 2000, scsiMax: 1999}
	h := drive.handle()
	h.DeviceHints = device.Hints{SATLayer: true}

	st, err := CheckTranslatorSync(h, false)
	require.NoError(t, err)
	assert.True(t, st.InSync, "one block difference is the legal SAT reservation")

	drive.scsiMax = 1000
	h.InvalidateIdentify()
	st, err = CheckTranslatorSync(h, false)
	assert.True(t, errors.Is(err, device.ErrOutOfSync))
	assert.False(t, st.InSync)

	// With reset allowed, the translator comes back in sync after the reset.
	h2 := drive.handle()
	h2.DeviceHints = device.Hints{SATLayer: true}
	drive.scsiMax = 1000
	h2.SCSIFunc = func(cmd *device.SCSICmd) error {
		max := drive.scsiMax
		if h2.ResetCount > 0 {
			max = drive.current
		}
		switch cmd.CDB[0] {
		case scsi.SCSI_READ_CAPACITY_10:
			utils.PutBE32(cmd.Data[0:], uint32(max))
			utils.PutBE32(cmd.Data[4:], 512)
		}
		return nil
	}

	st, err = CheckTranslatorSync(h2, true)
	require.NoError(t, err)
	assert.True(t, st.InSync)
	assert.Equal(t, 1, h2.ResetCount)
}

func TestRestoreSkipsHPAWhenAlreadyNative(t *testing.T) {
	// Current equals HPA native but DCO hides more: the DCO step runs on the first call.
	drive := &fakeCapacityDrive{current: 2000, hpaNative: 2000, dcoMax: 3000}

	require.NoError(t, Restore(drive.handle()))
	assert.Equal(t, uint64(3000), drive.current)
}
