// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package resv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/device/devicetest"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

func TestNVMeTypeMapping(t *testing.T) {
	assert := assert.New(t)

	for _, tt := range []Type{
		TypeWriteExclusive, TypeExclusiveAccess,
		TypeWriteExclusiveRegistrantsOnly, TypeExclusiveAccessRegistrantsOnly,
		TypeWriteExclusiveAllRegistrants, TypeExclusiveAccessAllRegistrants,
	} {
		code, err := tt.nvmeCode()
		require.NoError(t, err)
		assert.Equal(tt, typeFromNVMe(code), "mapping must round-trip")
	}

	for _, tt := range []Type{TypeReadShared, TypeReadExclusive, TypeSharedAccess} {
		_, err := tt.nvmeCode()
		assert.True(errors.Is(err, device.ErrBadParameter), "obsolete type %v must be rejected", tt)
	}
}

func TestObsoleteTypeRejectedOnNVMe(t *testing.T) {
	h := &devicetest.Fake{
		DeviceClass: device.ClassNVMe,
		NVMeFunc: func(cmd *device.NVMeCmd) error {
			t.Fatal("no command may be issued for an unmappable type")
			return nil
		},
	}

	err := Acquire(h, 0xa, TypeSharedAccess)
	assert.True(t, errors.Is(err, device.ErrBadParameter))
}

// scriptedSCSI serves canned parameter data per PERSISTENT RESERVE IN service action.
type scriptedSCSI struct {
	data       map[uint8][]byte
	fullStatusErr bool
	outCDBs    [][]byte
	outParams  [][]byte
}

func (s *scriptedSCSI) scsi(cmd *device.SCSICmd) error {
	switch cmd.CDB[0] {
	case scsi.SCSI_PERSISTENT_RESERVE_IN:
		sa := cmd.CDB[1] & 0x1f
		if sa == scsi.PRIN_READ_FULL_STATUS && s.fullStatusErr {
			cmd.Status = device.SCSIStatusCheckCondition
			// descriptor sense: illegal request, invalid field in CDB
			cmd.Sense[0] = 0x72
			cmd.Sense[1] = 0x05
			cmd.Sense[2] = 0x24
			cmd.SenseLen = 8
			return nil
		}
		copy(cmd.Data, s.data[sa])
	case scsi.SCSI_PERSISTENT_RESERVE_OUT:
		s.outCDBs = append(s.outCDBs, append([]byte(nil), cmd.CDB...))
		s.outParams = append(s.outParams, append([]byte(nil), cmd.Data...))
	}
	return nil
}

// buildKeyList builds READ KEYS parameter data.
func buildKeyList(gen uint32, keys ...uint64) []byte {
	buf := make([]byte, 8+8*len(keys))
	utils.PutBE32(buf[0:], gen)
	utils.PutBE32(buf[4:], uint32(8*len(keys)))
	for i, k := range keys {
		utils.PutBE64(buf[8+i*8:], k)
	}
	return buf
}

// buildReservation builds READ RESERVATION parameter data with one holder.
func buildReservation(gen uint32, key uint64, prType Type) []byte {
	buf := make([]byte, 8+16)
	utils.PutBE32(buf[0:], gen)
	utils.PutBE32(buf[4:], 16)
	utils.PutBE64(buf[8:], key)
	buf[8+13] = uint8(prType) & 0x0f
	return buf
}

func TestFullStatusSynthesis(t *testing.T) {
	assert := assert.New(t)

	script := &scriptedSCSI{
		fullStatusErr: true,
		data: map[uint8][]byte{
			scsi.PRIN_READ_KEYS:        buildKeyList(7, 0xa, 0xb, 0xc),
			scsi.PRIN_READ_RESERVATION: buildReservation(7, 0xb, TypeWriteExclusiveRegistrantsOnly),
		},
	}
	h := &devicetest.Fake{DeviceClass: device.ClassSCSI, SCSIFunc: script.scsi}

	fs, err := ReadFullStatus(h)
	require.NoError(t, err)

	assert.True(fs.Synthesized)
	require.Len(t, fs.Entries, 3)

	for _, e := range fs.Entries {
		if e.Key == 0xb {
			assert.True(e.Holder)
			assert.Equal(ScopeLogicalUnit, e.Scope)
			assert.Equal(TypeWriteExclusiveRegistrantsOnly, e.Type)
		} else {
			assert.False(e.Holder, "key %x must not hold", e.Key)
			assert.Equal(TypeNone, e.Type)
		}
		assert.Zero(e.RelativeTargetPort)
		assert.Zero(e.TransportIDLength)
	}
}

func TestSynthesisKeySetInvariant(t *testing.T) {
	regs := &Registrations{Generation: 3, Keys: []uint64{1, 2, 3, 4}}
	res := &Reservations{Generation: 3, Entries: []Reservation{
		{Key: 2, Scope: ScopeLogicalUnit, Type: TypeExclusiveAccess},
	}}

	fs := SynthesizeFullStatus(regs, res)
	require.Len(t, fs.Entries, len(regs.Keys))

	holders := 0
	for i, e := range fs.Entries {
		assert.Equal(t, regs.Keys[i], e.Key)
		if e.Holder {
			holders++
			assert.Equal(t, uint64(2), e.Key)
		}
	}
	assert.Equal(t, 1, holders)
}

func TestParseFullStatusWalk(t *testing.T) {
	assert := assert.New(t)

	// Two descriptors: first with a 24-byte transport ID, second with none.
	data := make([]byte, 8+24+24+24)
	utils.PutBE32(data[0:], 42)
	utils.PutBE32(data[4:], uint32(len(data)-8))

	d1 := data[8:]
	utils.PutBE64(d1[0:], 0x1111)
	d1[12] = 0x03 // all target ports + holder
	d1[13] = uint8(TypeWriteExclusive)
	utils.PutBE16(d1[18:], 0x0007)
	utils.PutBE32(d1[20:], 24)
	for i := 0; i < 24; i++ {
		d1[24+i] = byte(i)
	}

	d2 := data[8+24+24:]
	utils.PutBE64(d2[0:], 0x2222)
	utils.PutBE32(d2[20:], 0)

	fs := parseFullStatus(data)
	require.Len(t, fs.Entries, 2)
	assert.Equal(uint32(42), fs.Generation)

	assert.Equal(uint64(0x1111), fs.Entries[0].Key)
	assert.True(fs.Entries[0].Holder)
	assert.True(fs.Entries[0].AllTargetPorts)
	assert.Equal(uint16(7), fs.Entries[0].RelativeTargetPort)
	assert.Equal(uint32(24), fs.Entries[0].TransportIDLength)
	assert.Equal(byte(23), fs.Entries[0].TransportID[23])
	assert.Equal(TypeWriteExclusive, fs.Entries[0].Type)

	assert.Equal(uint64(0x2222), fs.Entries[1].Key)
	assert.False(fs.Entries[1].Holder)
	assert.Equal(TypeNone, fs.Entries[1].Type, "type zero without a holder is no reservation")
}

func TestReadCapabilitiesSCSI(t *testing.T) {
	assert := assert.New(t)

	caps := make([]byte, 8)
	utils.PutBE16(caps[0:], 8)
	caps[2] = 1<<0 | 1<<2 | 1<<4 | 1<<7       // PTPL_C, ATP_C, CRH, RLR_C
	caps[3] = 1<<0 | 0x02<<4 | 1<<7           // PTPL_A, allowed commands 2, TMV
	caps[4] = 1<<1 | 1<<3 | 1<<5 | 1<<6       // WR_EX, EX_AC, WR_EX_RO, EX_AC_RO

	script := &scriptedSCSI{data: map[uint8][]byte{scsi.PRIN_REPORT_CAPABILITIES: caps}}
	h := &devicetest.Fake{DeviceClass: device.ClassSCSI, SCSIFunc: script.scsi}

	c, err := ReadCapabilities(h)
	require.NoError(t, err)

	assert.True(c.PersistThroughPowerLossCapable)
	assert.True(c.PersistThroughPowerLossActivated)
	assert.True(c.AllTargetPortsCapable)
	assert.False(c.SpecifyInitiatorPortsCapable)
	assert.True(c.CompatibleReservationHandling)
	assert.True(c.ReplaceLostCapable)
	assert.Equal(uint8(2), c.AllowedCommands)
	assert.True(c.TypeMaskValid)
	assert.True(c.Supports(TypeWriteExclusive))
	assert.True(c.Supports(TypeExclusiveAccess))
	assert.False(c.Supports(TypeReadShared))
	assert.False(c.Supports(TypeWriteExclusiveAllRegistrants))
}

func TestRegisterParamBlock(t *testing.T) {
	assert := assert.New(t)

	script := &scriptedSCSI{data: map[uint8][]byte{}}
	h := &devicetest.Fake{DeviceClass: device.ClassSCSI, SCSIFunc: script.scsi}

	require.NoError(t, Register(h, 0xdeadbeef, RegisterOptions{
		AllTargetPorts:          true,
		PersistThroughPowerLoss: true,
	}))

	require.Len(t, script.outParams, 1)
	param := script.outParams[0]
	require.Len(t, param, 24)

	assert.Equal(uint64(0), utils.BE64(param[0:8]), "current key is the zero sentinel")
	assert.Equal(uint64(0xdeadbeef), utils.BE64(param[8:16]))
	assert.Equal(byte(1<<2|1<<0), param[20], "ALL_TG_PT and APTPL flags")
	assert.Equal(byte(scsi.PROUT_REGISTER), script.outCDBs[0][1]&0x1f)
}

func TestRegisterRejectsZeroKey(t *testing.T) {
	h := &devicetest.Fake{DeviceClass: device.ClassSCSI}
	err := Register(h, 0, RegisterOptions{})
	assert.True(t, errors.Is(err, device.ErrBadParameter))
}

func TestPreemptCDB(t *testing.T) {
	assert := assert.New(t)

	script := &scriptedSCSI{data: map[uint8][]byte{}}
	h := &devicetest.Fake{DeviceClass: device.ClassSCSI, SCSIFunc: script.scsi}

	require.NoError(t, Preempt(h, 0x1, 0x2, TypeExclusiveAccess, true))

	cdb := script.outCDBs[0]
	assert.Equal(byte(scsi.PROUT_PREEMPT_AND_ABORT), cdb[1]&0x1f)
	assert.Equal(byte(TypeExclusiveAccess), cdb[2]&0x0f)

	param := script.outParams[0]
	assert.Equal(uint64(0x1), utils.BE64(param[0:8]))
	assert.Equal(uint64(0x2), utils.BE64(param[8:16]))
}

func TestNVMeRegisterCDWs(t *testing.T) {
	assert := assert.New(t)

	var got *device.NVMeCmd
	h := &devicetest.Fake{
		DeviceClass: device.ClassNVMe,
		NVMeFunc: func(cmd *device.NVMeCmd) error {
			c := *cmd
			got = &c
			return nil
		},
	}

	require.NoError(t, Register(h, 0xaa, RegisterOptions{PersistThroughPowerLoss: true}))
	require.NotNil(t, got)

	assert.Equal(uint8(0x0d), got.Opcode)
	assert.Equal(uint32(0), got.CDW10&0x7)
	assert.Equal(uint32(3), got.CDW10>>30, "CPTPL set")
	assert.Equal(uint64(0xaa), utils.LE64(got.Data[8:16]), "new key little-endian")
}
