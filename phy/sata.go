// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package phy covers link-level diagnostics: the SATA PHY event counter log and the SAS
// protocol-specific Send Diagnostic test patterns.

package phy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "phy")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// maxCountersPerPage bounds the walk; a 512-byte page cannot hold more than ~32 counters even
// at the narrowest width.
const maxCountersPerPage = 32

// SATACounter is one decoded PHY event counter.
type SATACounter struct {
	VendorUnique bool
	// EventID identifies the counted event (bits 11..0 of the raw identifier).
	EventID uint16
	// RawID is the undecoded identifier word.
	RawID uint16
	// Bits is the counter width: 16, 32, 48 or 64.
	Bits uint8
	// Max is the saturation value for the counter's width.
	Max uint64
	Value uint64
}

// Name returns the standard name of a counter event ID, per the SATA specification's PHY event
// counter table.
func (c SATACounter) Name() string {
	if c.VendorUnique {
		return fmt.Sprintf("vendor unique event %#03x", c.EventID)
	}

	switch c.EventID {
	case 0x001:
		return "command failed: ICRC error"
	case 0x002:
		return "R_ERR response for data FIS"
	case 0x003:
		return "R_ERR response for device-to-host data FIS"
	case 0x004:
		return "R_ERR response for host-to-device data FIS"
	case 0x005:
		return "R_ERR response for non-data FIS"
	case 0x006:
		return "R_ERR response for device-to-host non-data FIS"
	case 0x007:
		return "R_ERR response for host-to-device non-data FIS"
	case 0x008:
		return "device-to-host non-data FIS retries"
	case 0x009:
		return "transition from drive PhyRdy to drive PhyNRdy"
	case 0x00a:
		return "signature device-to-host register FISes due to COMRESET"
	case 0x00b:
		return "CRC errors within host-to-device FIS"
	case 0x00d:
		return "non-CRC errors within host-to-device FIS"
	case 0x00f:
		return "R_ERR response for host-to-device data FIS, CRC"
	case 0x010:
		return "R_ERR response for host-to-device data FIS, non-CRC"
	case 0x012:
		return "R_ERR response for host-to-device non-data FIS, CRC"
	case 0x013:
		return "R_ERR response for host-to-device non-data FIS, non-CRC"
	}

	return fmt.Sprintf("event %#03x", c.EventID)
}

// SATACounters is the decoded PHY event counter page.
type SATACounters struct {
	Counters []SATACounter
	// ValidChecksum is false when the page failed the ATA byte-sum check; the counters are
	// decoded from the page as returned.
	ValidChecksum bool
}

// counterWidth decodes bits 14..12 of the raw identifier into a byte length. Zero means the
// identifier is malformed.
func counterWidth(rawID uint16) int {
	switch (rawID >> 12) & 0x7 {
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 6
	case 4:
		return 8
	}
	return 0
}

// ParseSATACounters decodes a 512-byte PHY event counter log page. The walk starts at offset 4
// and ends at the first zero identifier.
func ParseSATACounters(page []byte) *SATACounters {
	out := &SATACounters{ValidChecksum: utils.ValidATAByteSum(page)}

	off := 4
	for len(out.Counters) < maxCountersPerPage && off+2 <= len(page) {
		rawID := utils.LE16(page[off:])
		if rawID == 0 {
			break
		}
		off += 2

		width := counterWidth(rawID)
		if width == 0 || off+width > len(page) {
			break
		}

		var value uint64
		for i := width - 1; i >= 0; i-- {
			value = value<<8 | uint64(page[off+i])
		}

		max := ^uint64(0)
		if width < 8 {
			max = 1<<(uint(width)*8) - 1
		}

		out.Counters = append(out.Counters, SATACounter{
			VendorUnique: rawID&(1<<15) != 0,
			EventID:      rawID & 0x0fff,
			RawID:        rawID,
			Bits:         uint8(width * 8),
			Max:          max,
			Value:        value,
		})

		off += width
	}

	return out
}

// ReadSATACounters reads the PHY event counter log. With reset set, feature 01h clears the
// counters on the device atomically with the read, so no events are lost between the read and
// the clear.
func ReadSATACounters(h device.Handle, reset bool) (*SATACounters, error) {
	if h.Class() != device.ClassATA {
		return nil, fmt.Errorf("SATA PHY counters: %w", device.ErrNotSupported)
	}

	var feature uint16
	if reset {
		feature = 1
	}

	page := make([]byte, 512)
	if err := ata.ReadLogExt(h, ata.LOG_SATA_PHY_EVENT_COUNTERS, 0, feature, page); err != nil {
		return nil, err
	}

	counters := ParseSATACounters(page)
	if !counters.ValidChecksum {
		log.Warn("PHY event counter page checksum is invalid")
	}

	return counters, nil
}
