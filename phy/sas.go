// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SAS PHY test patterns via the protocol-specific Send Diagnostic page (3Fh).

package phy

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

// SAS test function codes (page 3Fh byte 5).
const (
	SASTestFunctionStop  = 0x00
	SASTestFunctionStart = 0x01
)

// Physical link rate codes for the pattern transmission.
const (
	SASLinkRate1_5 = 0x8
	SASLinkRate3_0 = 0x9
	SASLinkRate6_0 = 0xa
	SASLinkRate12  = 0xb
	SASLinkRate22_5 = 0xc
)

// SASTestPattern describes one PHY test pattern transmission.
type SASTestPattern struct {
	PhyIdentifier uint8
	// Pattern is the test pattern code (e.g. 01h JTPAT, 02h CJTPAT, 40h TRAIN, 41h TRAIN_DONE).
	Pattern uint8
	// LinkRate is the physical link rate code the pattern is transmitted at.
	LinkRate uint8
	// SSC selects spread-spectrum clocking: 0 no SSC, 1 center-spreading, 2 down-spreading.
	SSC uint8
	// SATA transmits the pattern with SATA signalling instead of SAS.
	SATA bool
	// DwordControl and PatternDwords select the repeating payload for the two
	// pattern-with-dwords test functions.
	DwordControl  uint8
	PatternDwords uint64
}

const sasDiagPageLen = 32

// buildPage serializes the protocol-specific diagnostic page with the given test function.
func (p *SASTestPattern) buildPage(testFunction uint8) []byte {
	page := make([]byte, sasDiagPageLen)

	page[0] = 0x3f
	page[1] = 0x06 // protocol identifier: SAS
	utils.PutBE16(page[2:4], sasDiagPageLen-4)
	page[4] = p.PhyIdentifier
	page[5] = testFunction
	page[6] = p.Pattern
	page[7] = p.LinkRate & 0x0f
	page[7] |= (p.SSC & 0x03) << 4
	if p.SATA {
		page[7] |= 1 << 6
	}
	page[11] = p.DwordControl
	utils.PutBE64(page[12:20], p.PatternDwords)

	return page
}

// StartSASTestPattern places one PHY into test-pattern transmission. The PHY stops carrying
// normal traffic until the pattern is stopped or the device reset.
func StartSASTestPattern(h device.Handle, p *SASTestPattern) error {
	if p == nil {
		return fmt.Errorf("SAS test pattern: %w", device.ErrBadParameter)
	}

	sense, err := scsi.SendDiagnostic(h, p.buildPage(SASTestFunctionStart))
	if err != nil {
		return err
	}
	if !sense.OK() {
		if sense.IllegalRequest() {
			return fmt.Errorf("SAS test pattern: %w", device.ErrNotSupported)
		}
		return fmt.Errorf("SAS test pattern: %v: %w", sense, device.ErrFailure)
	}

	log.WithFields(map[string]interface{}{
		"phy":     p.PhyIdentifier,
		"pattern": p.Pattern,
	}).Debug("PHY test pattern started")

	return nil
}

// StopSASTestPattern ends a pattern transmission, reusing the same page envelope with the stop
// function code.
func StopSASTestPattern(h device.Handle, p *SASTestPattern) error {
	if p == nil {
		return fmt.Errorf("SAS test pattern: %w", device.ErrBadParameter)
	}

	sense, err := scsi.SendDiagnostic(h, p.buildPage(SASTestFunctionStop))
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("SAS test pattern stop: %v: %w", sense, device.ErrFailure)
	}

	return nil
}
