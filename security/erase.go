// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Supervised ATA security erase. The erase holds the bus for its whole duration, potentially
// hours; the command is issued with an unbounded timeout where the OS supports one. If the erase
// fails or a host reset cut it short, the password set for the erase is cleaned up where the
// drive's state still permits.

package security

import (
	"fmt"
	"time"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
)

// maxEraseTimeout is the largest finite timeout the SG_IO millisecond field can express, used
// when the OS has no notion of an infinite timeout.
const maxEraseTimeout = 4294966

// EraseResult reports how a supervised erase went.
type EraseResult struct {
	Elapsed time.Duration
	// ResetDetected is set when a host or bus reset was observed during the erase (sense
	// 06h/29h/00h, or taskfile status 50h with error 01h). The drive may have been left with
	// the erase password set.
	ResetDetected bool
	// PasswordCleared is set when the cleanup path removed the password this erase set.
	PasswordCleared bool
	FinalState      State
}

// eraseUnit issues ERASE PREPARE followed by ERASE UNIT and reports reset detection.
func eraseUnit(h device.Handle, pw *Password, t EraseType, useSAT bool, timeout uint32) (bool, error) {
	page := make([]byte, 512)
	fillPasswordBlock(page, pw, false, true, useSAT)
	fillEraseType(page, t, useSAT)
	defer zeroPage(page)

	if err := sendNonDataCmd(h, ata.ATA_SECURITY_ERASE_PREPARE, scsi.SAT_SECURITY_ERASE_PREPARE, useSAT); err != nil {
		return false, err
	}

	if useSAT {
		sense, err := scsi.SecurityProtocolOut(h, scsi.SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD,
			scsi.SAT_SECURITY_ERASE_UNIT, false, page, timeout)
		if err != nil {
			return false, err
		}
		if sense.ResetDetected() {
			return true, fmt.Errorf("host reset during erase: %w", device.ErrFailure)
		}
		if !sense.OK() {
			return false, fmt.Errorf("erase unit: %v: %w", sense, device.ErrFailure)
		}
		return false, nil
	}

	cmd := device.ATACmd{
		Command:  ata.ATA_SECURITY_ERASE_UNIT,
		Protocol: device.ATAProtocolPIOOut,
		Data:     page,
		Timeout:  timeout,
	}

	if err := h.ATA(&cmd); err != nil {
		return false, err
	}

	// After a reset the drive reports the post-reset taskfile, not the command result: status
	// 50h with error 01h is the signature a firmware reset leaves behind.
	if cmd.RStatus == 0x50 && cmd.RError == 0x01 {
		return true, fmt.Errorf("host reset during erase: %w", device.ErrFailure)
	}
	if cmd.Failed() {
		return false, fmt.Errorf("erase unit: %w", device.ErrFailure)
	}

	return false, nil
}

// RunEraseWithRecovery performs a full supervised security erase: set a password if security is
// not already enabled, erase, verify the resulting state, and clean up the password on failure.
// Success requires the drive to come back with security disabled and unlocked, which is how a
// completed erase always leaves it.
func RunEraseWithRecovery(h device.Handle, pw Password, t EraseType, mode SATMode) (*EraseResult, error) {
	defer pw.Zero()

	useSAT, err := dispatch(h, mode)
	if err != nil {
		return nil, err
	}

	info, err := ReadInfo(h, useSAT)
	if err != nil {
		return nil, err
	}

	switch {
	case !info.Supported:
		return nil, fmt.Errorf("security erase: %w", device.ErrNotSupported)
	case t == EraseEnhanced && !info.EnhancedEraseSupported:
		return nil, fmt.Errorf("enhanced security erase: %w", device.ErrNotSupported)
	case info.Frozen:
		return nil, fmt.Errorf("security erase: %w", device.ErrFrozen)
	case info.CountExpired:
		return nil, fmt.Errorf("security erase: attempt counter expired, power cycle required: %w",
			device.ErrAccessDenied)
	}

	wasEnabled := info.Enabled
	if !wasEnabled {
		if err := setPassword(h, &pw, useSAT); err != nil {
			return nil, fmt.Errorf("set erase password: %w", device.ErrFailure)
		}
	}

	estimate := info.EraseTimeMinutes
	if t == EraseEnhanced {
		estimate = info.EnhancedEraseTimeMinutes
	}

	timeout := uint32(maxEraseTimeout)
	if h.Hints().InfiniteTimeout {
		timeout = device.TimeoutInfinite
	}

	log.WithFields(map[string]interface{}{
		"enhanced":         t == EraseEnhanced,
		"estimate_minutes": estimate,
	}).Debug("starting security erase")

	start := time.Now()
	resetDetected, eraseErr := eraseUnit(h, &pw, t, useSAT, timeout)

	result := &EraseResult{
		Elapsed:       time.Since(start),
		ResetDetected: resetDetected,
	}

	// The SATL caches identify data; reading the ATA Information VPD page forces it to re-issue
	// an identify before the state bits are checked.
	if h.Hints().SATLayer {
		scsi.VPDPage(h, scsi.VPD_ATA_INFORMATION, 512)
	}
	h.InvalidateIdentify()

	final, err := ReadInfo(h, useSAT)
	if err != nil {
		return result, err
	}
	result.FinalState = final.State

	if eraseErr == nil && !final.Enabled && !final.Locked {
		return result, nil
	}

	// Cleanup: only when this erase set the password. A drive that was already secured before
	// the erase keeps whatever state it is in.
	if !wasEnabled {
		if final.Locked {
			if err := unlock(h, &pw, useSAT); err == nil {
				h.InvalidateIdentify()
				final, _ = ReadInfo(h, useSAT)
				result.FinalState = final.State
			}
		}
		if final != nil && final.Enabled && !final.Locked {
			if err := disablePassword(h, &pw, useSAT); err == nil {
				result.PasswordCleared = true
				log.Debug("erase password cleared after failed erase")
			} else {
				log.Warn("unable to remove the security password set for the erase")
			}
		} else if final != nil && final.Locked {
			log.Warn("drive is locked with the erase password; power cycle the drive and retry")
		}
	}

	if eraseErr != nil {
		return result, eraseErr
	}

	return result, fmt.Errorf("security state after erase: %v: %w", result.FinalState, device.ErrFailure)
}
