// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI dialect: T2A and T2B control mode page subpages, big-endian times with a per-descriptor
// unit code.

package cdl

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

const (
	modeHeader10Len    = 8
	t2DescriptorOffset = 8
	t2PageLen          = 8 + descriptorCount*descriptorLength
	modeAllocLen       = modeHeader10Len + 16 + t2PageLen // header + worst-case block descriptor
)

// readT2Page reads one of the T2A/T2B subpages with MODE SENSE (10) and returns the parameter
// data plus the offset of the page itself past the header and any block descriptors.
func readT2Page(h device.Handle, subpage uint8) ([]byte, int, error) {
	buf, sense, err := scsi.ModeSense10(h, scsi.CONTROL_MODE_PAGE, subpage, scsi.MPAGE_CONTROL_CURRENT, modeAllocLen)
	if err != nil {
		return nil, 0, err
	}
	if !sense.OK() {
		if sense.IllegalRequest() {
			return nil, 0, fmt.Errorf("mode page 0Ah/%02Xh: %w", subpage, device.ErrNotSupported)
		}
		return nil, 0, fmt.Errorf("mode sense 0Ah/%02Xh: %v: %w", subpage, sense, device.ErrFailure)
	}

	blockDescLen := int(utils.BE16(buf[6:8]))
	offset := modeHeader10Len + blockDescLen
	if offset+t2PageLen > len(buf) {
		return nil, 0, fmt.Errorf("mode page 0Ah/%02Xh truncated: %w", subpage, device.ErrFailure)
	}

	return buf, offset, nil
}

func parseT2Descriptor(buf []byte) Descriptor {
	return Descriptor{
		TimeUnit:                       utils.Nibble0(buf[0]),
		InactiveTime:                   uint32(utils.BE16(buf[2:4])),
		ActiveTime:                     uint32(utils.BE16(buf[4:6])),
		InactiveTimePolicy:             utils.Nibble1(buf[6]),
		ActiveTimePolicy:               utils.Nibble0(buf[6]),
		CommandDurationGuideline:       uint32(utils.BE16(buf[10:12])),
		CommandDurationGuidelinePolicy: utils.Nibble0(buf[14]),
	}
}

func storeT2Descriptor(buf []byte, d *Descriptor) {
	buf[0] = buf[0]&0xf0 | utils.Nibble0(d.TimeUnit)
	utils.PutBE16(buf[2:4], uint16(d.InactiveTime))
	utils.PutBE16(buf[4:6], uint16(d.ActiveTime))
	buf[6] = d.InactiveTimePolicy<<4 | utils.Nibble0(d.ActiveTimePolicy)
	utils.PutBE16(buf[10:12], uint16(d.CommandDurationGuideline))
	buf[14] = buf[14]&0xf0 | utils.Nibble0(d.CommandDurationGuidelinePolicy)
}

func getSCSI(h device.Handle) (*Settings, error) {
	t2a, offA, err := readT2Page(h, scsi.CDL_T2A_SUBPAGE)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Dialect:   DialectSCSI,
		Supported: true,
		// Without an enable control the limits are live whenever a command selects a
		// descriptor.
		Enabled: true,

		PerformanceVsCommandCompletion: utils.Nibble1(t2a[offA+7]),

		InactiveTimePolicySupported:             scsiInactivePolicyMask,
		ActiveTimePolicySupported:               scsiActivePolicyMask,
		CommandDurationGuidelinePolicySupported: scsiCDGPolicyMask,
	}

	for i := 0; i < descriptorCount; i++ {
		s.ReadDescriptors[i] = parseT2Descriptor(t2a[offA+t2DescriptorOffset+i*descriptorLength:])
	}

	t2b, offB, err := readT2Page(h, scsi.CDL_T2B_SUBPAGE)
	if err != nil {
		return nil, err
	}
	for i := 0; i < descriptorCount; i++ {
		s.WriteDescriptors[i] = parseT2Descriptor(t2b[offB+t2DescriptorOffset+i*descriptorLength:])
	}

	return s, nil
}

// writeT2Page performs the read-modify-write of one subpage: the current parameter data is
// re-fetched, descriptor fields replaced in place, and sent back with MODE SELECT (10) with the
// page format and saved pages bits set. The mode data length field must be zeroed for MODE
// SELECT per SPC.
func writeT2Page(h device.Handle, subpage uint8, descriptors *[descriptorCount]Descriptor, perf *uint8) error {
	buf, off, err := readT2Page(h, subpage)
	if err != nil {
		return err
	}

	if perf != nil {
		buf[off+7] = utils.Nibble0(*perf)<<4 | utils.Nibble0(buf[off+7])
	}

	for i := 0; i < descriptorCount; i++ {
		storeT2Descriptor(buf[off+t2DescriptorOffset+i*descriptorLength:], &descriptors[i])
	}

	paramLen := off + t2PageLen
	param := buf[:paramLen]
	utils.PutBE16(param[0:2], 0) // mode data length is reserved for MODE SELECT

	sense, err := scsi.ModeSelect10(h, param, true)
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("mode select 0Ah/%02Xh: %v: %w", subpage, sense, device.ErrFailure)
	}

	return nil
}

func setSCSI(h device.Handle, s *Settings) error {
	perf := s.PerformanceVsCommandCompletion
	if err := writeT2Page(h, scsi.CDL_T2A_SUBPAGE, &s.ReadDescriptors, &perf); err != nil {
		return err
	}

	if err := writeT2Page(h, scsi.CDL_T2B_SUBPAGE, &s.WriteDescriptors, nil); err != nil {
		return err
	}

	log.Debug("T2A/T2B mode pages updated")

	return nil
}
