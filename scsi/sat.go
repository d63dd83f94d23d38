// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI / ATA Translation functions. A SATL that implements the ATA device server password
// security protocol (EFh) lets the translator supervise ATA security commands itself, which is
// the only safe way to run a security erase through a translating bridge.

package scsi

import (
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

// Security protocol EFh protocol-specific field values (SAT-4).
const (
	SAT_SECURITY_READ_INFO        = 0x0001 // SECURITY PROTOCOL IN
	SAT_SECURITY_SET_PASSWORD     = 0x0001 // SECURITY PROTOCOL OUT
	SAT_SECURITY_UNLOCK           = 0x0002
	SAT_SECURITY_ERASE_PREPARE    = 0x0003
	SAT_SECURITY_ERASE_UNIT       = 0x0004
	SAT_SECURITY_FREEZE_LOCK      = 0x0005
	SAT_SECURITY_DISABLE_PASSWORD = 0x0006

	// Length of the EFh security information page
	SATSecurityInfoLen = 16
)

// SATSecurityProtocolSupported probes whether the translator implements the ATA device server
// password security protocol. The supported-protocol list is read first; translators have shipped
// with the protocol listed but unimplemented, so the information page is also read and its length
// byte verified before trusting the listing.
func SATSecurityProtocolSupported(h device.Handle) bool {
	buf := make([]byte, 512)

	sense, err := SecurityProtocolIn(h, SECURITY_PROTOCOL_INFORMATION, 0, false, buf)
	if err != nil || !sense.OK() {
		return false
	}

	listLen := int(utils.BE16(buf[6:8]))
	for i := 8; i < 8+listLen && i < len(buf); i++ {
		if buf[i] != SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD {
			continue
		}

		info := make([]byte, SATSecurityInfoLen)
		sense, err := SecurityProtocolIn(h, SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD,
			SAT_SECURITY_READ_INFO, false, info)
		if err != nil || !sense.OK() {
			return false
		}

		return info[1] == 0x0e
	}

	return false
}

// SATSecurityInfo is the decoded EFh security information page.
type SATSecurityInfo struct {
	EraseTimeMinutes         uint32
	EnhancedEraseTimeMinutes uint32
	MasterPasswordIdentifier uint16
	MasterPasswordCapability bool // false = high, true = maximum
	Supported                bool
	Enabled                  bool
	Locked                   bool
	Frozen                   bool
	CountExpired             bool
	EnhancedEraseSupported   bool
}

// ParseSATSecurityInfo decodes the EFh security information page. Erase times are in the
// extended (15-bit) format, already in two-minute units on the wire.
func ParseSATSecurityInfo(page []byte) SATSecurityInfo {
	var info SATSecurityInfo

	if len(page) < SATSecurityInfoLen {
		return info
	}

	info.EraseTimeMinutes = satEraseTime(utils.BE16(page[2:4]))
	info.EnhancedEraseTimeMinutes = satEraseTime(utils.BE16(page[4:6]))
	info.MasterPasswordIdentifier = utils.BE16(page[6:8])
	info.MasterPasswordCapability = page[8]&0x01 != 0
	info.Supported = page[9]&0x01 != 0
	info.Enabled = page[9]&0x02 != 0
	info.Locked = page[9]&0x04 != 0
	info.Frozen = page[9]&0x08 != 0
	info.CountExpired = page[9]&0x10 != 0
	info.EnhancedEraseSupported = page[9]&0x20 != 0

	return info
}

func satEraseTime(w uint16) uint32 {
	minutes := uint32(w) * 2
	if minutes == 32766*2 {
		minutes = 0xffff
	}
	return minutes
}
