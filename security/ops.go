// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Guard-and-act operations of the ATA Security state machine.

package security

import (
	"fmt"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
)

// sendPasswordCmd issues one of the data-bearing security commands, either as a raw taskfile or
// wrapped in SECURITY PROTOCOL OUT EFh. The page is scrubbed before return on every path.
func sendPasswordCmd(h device.Handle, ataCmd uint8, satSpecific uint16, page []byte, useSAT bool, timeout uint32) error {
	defer zeroPage(page)

	if useSAT {
		sense, err := scsi.SecurityProtocolOut(h, scsi.SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD,
			satSpecific, false, page, timeout)
		if err != nil {
			return err
		}
		if !sense.OK() {
			return fmt.Errorf("security protocol out %#04x: %v: %w", satSpecific, sense, device.ErrFailure)
		}
		return nil
	}

	cmd := device.ATACmd{
		Command:  ataCmd,
		Protocol: device.ATAProtocolPIOOut,
		Data:     page,
		Timeout:  timeout,
	}

	if err := h.ATA(&cmd); err != nil {
		return err
	}
	if cmd.Failed() {
		return fmt.Errorf("security command %#02x: %w", ataCmd, device.ErrFailure)
	}

	return nil
}

// sendNonDataCmd issues ERASE PREPARE or FREEZE LOCK.
func sendNonDataCmd(h device.Handle, ataCmd uint8, satSpecific uint16, useSAT bool) error {
	if useSAT {
		sense, err := scsi.SecurityProtocolOut(h, scsi.SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD,
			satSpecific, false, nil, 0)
		if err != nil {
			return err
		}
		if !sense.OK() {
			return fmt.Errorf("security protocol out %#04x: %v: %w", satSpecific, sense, device.ErrFailure)
		}
		return nil
	}

	cmd := device.ATACmd{Command: ataCmd, Protocol: device.ATAProtocolNoData}

	if err := h.ATA(&cmd); err != nil {
		return err
	}
	if cmd.Failed() {
		return fmt.Errorf("security command %#02x: %w", ataCmd, device.ErrFailure)
	}

	return nil
}

// setPassword issues SET PASSWORD without guards; callers check state first.
func setPassword(h device.Handle, pw *Password, useSAT bool) error {
	page := make([]byte, 512)
	fillPasswordBlock(page, pw, true, false, useSAT)
	return sendPasswordCmd(h, ata.ATA_SECURITY_SET_PASSWORD, scsi.SAT_SECURITY_SET_PASSWORD, page, useSAT, 0)
}

// disablePassword issues DISABLE PASSWORD without guards.
func disablePassword(h device.Handle, pw *Password, useSAT bool) error {
	page := make([]byte, 512)
	fillPasswordBlock(page, pw, false, false, useSAT)
	return sendPasswordCmd(h, ata.ATA_SECURITY_DISABLE_PASSWORD, scsi.SAT_SECURITY_DISABLE_PASSWORD, page, useSAT, 0)
}

// unlock issues UNLOCK without guards.
func unlock(h device.Handle, pw *Password, useSAT bool) error {
	page := make([]byte, 512)
	fillPasswordBlock(page, pw, false, false, useSAT)
	return sendPasswordCmd(h, ata.ATA_SECURITY_UNLOCK, scsi.SAT_SECURITY_UNLOCK, page, useSAT, 0)
}

// SetPassword sets the user or master password. Frozen drives reject all password changes; a
// locked drive must be unlocked or erased first.
func SetPassword(h device.Handle, pw Password, mode SATMode) error {
	defer pw.Zero()

	useSAT, err := dispatch(h, mode)
	if err != nil {
		return err
	}

	info, err := ReadInfo(h, useSAT)
	if err != nil {
		return err
	}

	switch {
	case !info.Supported:
		return fmt.Errorf("set password: %w", device.ErrNotSupported)
	case info.Frozen:
		return fmt.Errorf("set password: %w", device.ErrFrozen)
	case info.Locked:
		return fmt.Errorf("set password while locked: %w", device.ErrAccessDenied)
	}

	return setPassword(h, &pw, useSAT)
}

// DisablePassword removes the user password, unlocking with the same password first if needed.
func DisablePassword(h device.Handle, pw Password, mode SATMode) error {
	defer pw.Zero()

	useSAT, err := dispatch(h, mode)
	if err != nil {
		return err
	}

	info, err := ReadInfo(h, useSAT)
	if err != nil {
		return err
	}

	switch {
	case !info.Supported:
		return fmt.Errorf("disable password: %w", device.ErrNotSupported)
	case !info.Enabled:
		return nil
	case info.Frozen:
		return fmt.Errorf("disable password: %w", device.ErrFrozen)
	}

	if info.Locked {
		if info.CountExpired {
			return fmt.Errorf("disable password: attempt counter expired, power cycle required: %w",
				device.ErrAccessDenied)
		}
		if err := unlock(h, &pw, useSAT); err != nil {
			log.WithError(err).Warn("unlock before disable failed")
			return fmt.Errorf("disable password while locked: %w", device.ErrAccessDenied)
		}
	}

	return disablePassword(h, &pw, useSAT)
}

// Unlock unlocks a locked drive. Unlocking an unlocked drive is a no-op.
func Unlock(h device.Handle, pw Password, mode SATMode) error {
	defer pw.Zero()

	useSAT, err := dispatch(h, mode)
	if err != nil {
		return err
	}

	info, err := ReadInfo(h, useSAT)
	if err != nil {
		return err
	}

	switch {
	case !info.Supported:
		return fmt.Errorf("unlock: %w", device.ErrNotSupported)
	case !info.Enabled:
		return nil
	case info.Frozen:
		return fmt.Errorf("unlock: %w", device.ErrFrozen)
	case !info.Locked:
		return nil
	case info.CountExpired:
		return fmt.Errorf("unlock: attempt counter expired, power cycle required: %w", device.ErrAccessDenied)
	}

	return unlock(h, &pw, useSAT)
}

// FreezeLock freezes the security feature set until the next power cycle, preventing password
// and erase commands from being accepted. Always attempted when security is supported.
func FreezeLock(h device.Handle, mode SATMode) error {
	useSAT, err := dispatch(h, mode)
	if err != nil {
		return err
	}

	info, err := ReadInfo(h, useSAT)
	if err != nil {
		return err
	}
	if !info.Supported {
		return fmt.Errorf("freeze lock: %w", device.ErrNotSupported)
	}

	return sendNonDataCmd(h, ata.ATA_SECURITY_FREEZE_LOCK, scsi.SAT_SECURITY_FREEZE_LOCK, useSAT)
}
