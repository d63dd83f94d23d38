// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ATA dialect: descriptors live in the Command Duration Limits log (18h), discovery data in the
// Identify Device Data log (30h).

package cdl

import (
	"fmt"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

const (
	readDescriptorOffset  = 64
	writeDescriptorOffset = 288
	descriptorLength      = 32

	// Identify Device Data log, supported capabilities page (03h) qword byte offsets
	offSupportedCapabilities = 168
	offMinimumTimeLimit      = 176
	offMaximumTimeLimit      = 184
	offPolicySupport         = 208

	// Identify Device Data log, current settings page (04h)
	offCurrentSettings = 8
	bitCDLEnabled      = 21
)

// Enable turns the ATA CDL feature on or off via SET FEATURES. SCSI drives have no
// enable/disable control; the limits apply whenever a command carries a duration limit index.
func Enable(h device.Handle, enable bool) error {
	if h.Class() != device.ClassATA {
		return fmt.Errorf("cdl enable: %w", device.ErrNotSupported)
	}

	var count uint16
	if enable {
		count = 1
	}

	cmd := device.ATACmd{
		Command:  ata.ATA_SET_FEATURES,
		Feature:  ata.SF_CDL_FEATURE,
		Count:    count,
		Protocol: device.ATAProtocolNoData,
	}

	if err := h.ATA(&cmd); err != nil {
		return err
	}
	if cmd.Aborted() {
		return fmt.Errorf("cdl enable: %w", device.ErrNotSupported)
	}
	if cmd.Failed() {
		return fmt.Errorf("cdl enable: %w", device.ErrFailure)
	}

	return nil
}

func parseATADescriptor(buf []byte) Descriptor {
	return Descriptor{
		TimeUnit:           UnitMicroseconds,
		TotalTimePolicy:    utils.Nibble0(buf[0]),
		ActiveTimePolicy:   utils.Nibble1(buf[0]),
		InactiveTimePolicy: utils.Nibble0(buf[1]),
		ActiveTime:         utils.LE32(buf[4:]),
		InactiveTime:       utils.LE32(buf[8:]),
		TotalTime:          utils.LE32(buf[16:]),
	}
}

func storeATADescriptor(buf []byte, d *Descriptor) {
	buf[0] = d.ActiveTimePolicy<<4 | utils.Nibble0(d.TotalTimePolicy)
	buf[1] = buf[1]&0xf0 | utils.Nibble0(d.InactiveTimePolicy)
	utils.PutLE32(buf[4:], d.ActiveTime)
	utils.PutLE32(buf[8:], d.InactiveTime)
	utils.PutLE32(buf[16:], d.TotalTime)
}

func getATA(h device.Handle) (*Settings, error) {
	size, err := ata.LogSize(h, ata.LOG_COMMAND_DURATION_LIMITS)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("command duration limits log: %w", device.ErrNotSupported)
	}

	logBuf := make([]byte, 512)
	if err := ata.ReadLogExt(h, ata.LOG_COMMAND_DURATION_LIMITS, 0, 0, logBuf); err != nil {
		return nil, err
	}

	s := &Settings{
		Dialect:                        DialectATA,
		PerformanceVsCommandCompletion: utils.Nibble0(logBuf[0]),
	}

	for i := 0; i < descriptorCount; i++ {
		s.ReadDescriptors[i] = parseATADescriptor(logBuf[readDescriptorOffset+i*descriptorLength:])
		s.WriteDescriptors[i] = parseATADescriptor(logBuf[writeDescriptorOffset+i*descriptorLength:])
	}

	// Discovery data: supported capabilities page.
	page := make([]byte, 512)
	if err := ata.ReadLogExt(h, ata.LOG_IDENTIFY_DEVICE_DATA, ata.IDD_PAGE_SUPPORTED_CAPABILITIES, 0, page); err != nil {
		return nil, err
	}

	if q, valid := ata.IDDataQword(page, offSupportedCapabilities); valid {
		s.Supported = q&(1<<0) != 0
		s.CommandDurationGuidelineSupported = q&(1<<1) != 0
	}
	if q, valid := ata.IDDataQword(page, offMinimumTimeLimit); valid {
		s.MinimumTimeLimitMicroseconds = uint32(q)
	}
	if q, valid := ata.IDDataQword(page, offMaximumTimeLimit); valid {
		s.MaximumTimeLimitMicroseconds = uint32(q)
	}
	if q, valid := ata.IDDataQword(page, offPolicySupport); valid {
		s.TotalTimePolicySupported = uint16(q)
		s.ActiveTimePolicySupported = uint16(q >> 16)
		s.InactiveTimePolicySupported = uint16(q >> 32)
	}

	// Current settings page carries the feature-enabled bit.
	if err := ata.ReadLogExt(h, ata.LOG_IDENTIFY_DEVICE_DATA, ata.IDD_PAGE_CURRENT_SETTINGS, 0, page); err == nil {
		if q, valid := ata.IDDataQword(page, offCurrentSettings); valid {
			s.Enabled = q&(1<<bitCDLEnabled) != 0
		}
	}

	return s, nil
}

func setATA(h device.Handle, s *Settings) error {
	logBuf := make([]byte, 512)
	if err := ata.ReadLogExt(h, ata.LOG_COMMAND_DURATION_LIMITS, 0, 0, logBuf); err != nil {
		return err
	}

	logBuf[0] = logBuf[0]&0xf0 | utils.Nibble0(s.PerformanceVsCommandCompletion)

	for i := 0; i < descriptorCount; i++ {
		storeATADescriptor(logBuf[readDescriptorOffset+i*descriptorLength:], &s.ReadDescriptors[i])
		storeATADescriptor(logBuf[writeDescriptorOffset+i*descriptorLength:], &s.WriteDescriptors[i])
	}

	if err := ata.WriteLogExt(h, ata.LOG_COMMAND_DURATION_LIMITS, 0, logBuf); err != nil {
		return err
	}

	log.Debug("command duration limits log updated")

	return nil
}
