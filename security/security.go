// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package security drives the ATA Security feature set: password management, freeze lock, and
// supervised security erase. Commands are issued either as raw taskfiles or through a SATL's ATA
// device server password security protocol (EFh), chosen per device at call time.

package security

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "security")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// WindowsPEPassword is the password historically set by Windows PE environments when starting an
// ATA security erase. Using it makes a drive recoverable with widely documented tooling if power
// is lost mid-erase.
const WindowsPEPassword = "AutoATAWindowsString12345678901"

// PasswordMaxLength is the size of the password field in the security parameter page.
const PasswordMaxLength = 32

// Master password identifier bounds. The vendor-default sentinel means the master password may
// still be the manufacturer's default.
const (
	MasterIDMin           = 0x0001
	MasterIDMax           = 0xfffe
	MasterIDVendorDefault = 0xfffe
)

// State is one of the seven ATA security states.
type State int

const (
	SEC0 State = iota // not supported
	SEC1              // supported, disabled
	SEC2              // disabled, frozen
	SEC3              // enabled, powered up locked (implicit, never derived from identify data)
	SEC4              // enabled, locked
	SEC5              // enabled, unlocked
	SEC6              // enabled, unlocked, frozen
)

func (s State) String() string {
	switch s {
	case SEC0:
		return "SEC0 (not supported)"
	case SEC1:
		return "SEC1 (disabled)"
	case SEC2:
		return "SEC2 (disabled, frozen)"
	case SEC3:
		return "SEC3 (enabled, locked at power-up)"
	case SEC4:
		return "SEC4 (enabled, locked)"
	case SEC5:
		return "SEC5 (enabled, unlocked)"
	case SEC6:
		return "SEC6 (enabled, unlocked, frozen)"
	}
	return "unknown"
}

// DeriveState maps the (enabled, locked, frozen) status bits to the security state. The mapping
// is total over the states a drive can actually report; combinations outside it (locked while
// frozen, locked while disabled) have no defined state and return SEC0.
func DeriveState(supported, enabled, locked, frozen bool) State {
	if !supported {
		return SEC0
	}

	switch {
	case !enabled && !locked && !frozen:
		return SEC1
	case !enabled && !locked && frozen:
		return SEC2
	case enabled && locked && !frozen:
		return SEC4
	case enabled && !locked && !frozen:
		return SEC5
	case enabled && !locked && frozen:
		return SEC6
	}

	return SEC0
}

// PasswordType selects the user or master password slot.
type PasswordType int

const (
	PasswordUser PasswordType = iota
	PasswordMaster
)

// EraseType selects between the standard and enhanced security erase modes.
type EraseType int

const (
	// EraseStandard writes zeroes or ones to all user-addressable LBAs.
	EraseStandard EraseType = iota
	// EraseEnhanced writes a vendor pattern to every LBA user data may ever have occupied,
	// including reallocated and currently inaccessible sectors.
	EraseEnhanced
)

// Password carries a password and the flags that accompany it in the parameter page. Some fields
// only apply when setting a password (identifier, maximum security), others only during erase
// (ZAC option).
type Password struct {
	Type PasswordType
	// MaximumSecurity puts the drive in maximum security mode on set: the master password can
	// then only erase, not unlock.
	MaximumSecurity bool
	// EraseFullZones requests that a ZAC drive reset all zones during erase.
	EraseFullZones bool
	// MasterIdentifier is stored by the drive when the master password is set, as a lookup hint
	// for administrators. Valid range 1..FFFEh; FFFEh means vendor default.
	MasterIdentifier uint16
	Password         [PasswordMaxLength]byte
	Length           uint8
}

// NewPassword builds a Password from a byte string, truncating at PasswordMaxLength.
func NewPassword(pw []byte, t PasswordType) Password {
	p := Password{Type: t}
	p.Length = uint8(copy(p.Password[:], pw))
	return p
}

// Zero clears the password bytes. Callers should defer this so passwords do not linger on the
// heap after use.
func (p *Password) Zero() {
	for i := range p.Password {
		p.Password[i] = 0
	}
}

// IncrementMasterIdentifier returns the next master password identifier, wrapping FFFDh to 1. It
// never returns 0 or the FFFEh vendor-default sentinel, so an incremented identifier is always
// distinguishable from a factory drive.
func IncrementMasterIdentifier(id uint16) uint16 {
	id++
	if id >= MasterIDVendorDefault {
		id = MasterIDMin
	}
	return id
}

// SATMode controls how commands are dispatched.
type SATMode int

const (
	// SATAuto issues raw taskfiles on a direct ATA path and probes for the SATL security
	// protocol otherwise.
	SATAuto SATMode = iota
	// SATForce always uses the SATL security protocol.
	SATForce
	// SATNever always issues raw taskfiles, even through a translator.
	SATNever
)

// dispatch resolves the SATMode against the device, returning whether to use the SATL security
// protocol. ErrNotSupported is returned when neither path is available.
func dispatch(h device.Handle, mode SATMode) (bool, error) {
	switch mode {
	case SATForce:
		return true, nil
	case SATNever:
		return false, nil
	}

	if h.Class() == device.ClassATA && !h.Hints().SATLayer {
		return false, nil
	}

	if scsi.SATSecurityProtocolSupported(h) {
		return true, nil
	}

	// A translated ATA drive without the EFh protocol still accepts raw taskfiles through
	// passthrough; only non-ATA devices are out of options.
	if h.Class() == device.ClassATA {
		return false, nil
	}

	return false, fmt.Errorf("ATA security: %w", device.ErrNotSupported)
}

// Info is the decoded ATA security status of a device.
type Info struct {
	Supported              bool
	Enabled                bool
	Locked                 bool
	Frozen                 bool
	CountExpired           bool
	EnhancedEraseSupported bool
	// MaximumSecurity reports the master password capability bit: false = high (master can
	// unlock), true = maximum (master can only erase).
	MaximumSecurity bool
	MasterIdentifier uint16
	// Erase time estimates in minutes; EraseTimeMax means longer than the format can report.
	EraseTimeMinutes         uint32
	EnhancedEraseTimeMinutes uint32
	ExtendedTimeFormat       bool
	// EncryptAll is set when the device encrypts all user data at rest.
	EncryptAll bool
	// RestrictedSanitizeOverridesSecurity is set when a restricted sanitize can wipe the drive
	// and clear the user password despite ATA security being enabled.
	RestrictedSanitizeOverridesSecurity bool

	State State
}

// EraseTimeMax mirrors ata.EraseTimeMax for callers that only import this package.
const EraseTimeMax = ata.EraseTimeMax

// ReadInfo reads the security status, either from the SATL's security protocol information page
// or from raw identify data. The SATL page cannot report the encrypt-all and
// restricted-sanitize bits; they are left false there.
func ReadInfo(h device.Handle, useSAT bool) (*Info, error) {
	info := &Info{}

	if useSAT {
		page := make([]byte, scsi.SATSecurityInfoLen)
		sense, err := scsi.SecurityProtocolIn(h, scsi.SECURITY_PROTOCOL_ATA_DEVICE_SERVER_PASSWORD,
			scsi.SAT_SECURITY_READ_INFO, false, page)
		if err != nil {
			return nil, err
		}
		if !sense.OK() {
			return nil, fmt.Errorf("SAT security info: %v: %w", sense, device.ErrFailure)
		}

		sat := scsi.ParseSATSecurityInfo(page)
		info.Supported = sat.Supported
		info.Enabled = sat.Enabled
		info.Locked = sat.Locked
		info.Frozen = sat.Frozen
		info.CountExpired = sat.CountExpired
		info.EnhancedEraseSupported = sat.EnhancedEraseSupported
		info.MaximumSecurity = sat.MasterPasswordCapability
		info.MasterIdentifier = sat.MasterPasswordIdentifier
		info.EraseTimeMinutes = sat.EraseTimeMinutes
		info.EnhancedEraseTimeMinutes = sat.EnhancedEraseTimeMinutes
		info.ExtendedTimeFormat = true
	} else {
		raw, err := h.Identify()
		if err != nil {
			return nil, err
		}
		id := ata.Identify(raw)

		w128 := id.Word(ata.WordSecurityStatus)
		if ata.WordValid(w128) && w128&ata.SecSupported != 0 {
			info.Supported = true
			info.Enabled = w128&ata.SecEnabled != 0
			info.Locked = w128&ata.SecLocked != 0
			info.Frozen = w128&ata.SecFrozen != 0
			info.CountExpired = w128&ata.SecCountExpired != 0
			info.EnhancedEraseSupported = w128&ata.SecEnhancedErase != 0
			info.MaximumSecurity = w128&ata.SecMasterCapMax != 0

			var ext bool
			info.EraseTimeMinutes, ext = ata.EraseTime(id.Word(ata.WordSecurityEraseTime))
			info.ExtendedTimeFormat = info.ExtendedTimeFormat || ext
			info.EnhancedEraseTimeMinutes, ext = ata.EraseTime(id.Word(ata.WordEnhancedEraseTime))
			info.ExtendedTimeFormat = info.ExtendedTimeFormat || ext

			if w92 := id.Word(ata.WordMasterPasswordID); ata.WordValid(w92) {
				info.MasterIdentifier = w92
			}
		}

		w53 := id.Word(ata.WordCapabilitiesValid)
		w69 := id.Word(ata.WordAdditionalSupport)
		if ata.WordValid(w53) && w53&(1<<1) != 0 && ata.WordValid(w69) && w69&(1<<12) != 0 {
			info.EncryptAll = w69&(1<<4) != 0
		}

		readSecurityCapabilitiesLog(h, id, info)
	}

	info.State = DeriveState(info.Supported, info.Enabled, info.Locked, info.Frozen)

	return info, nil
}

// readSecurityCapabilitiesLog supplements Info with bits only present in the Identify Device
// Data log's security page (06h): restricted-sanitize-overrides-security and encrypt-all.
func readSecurityCapabilitiesLog(h device.Handle, id ata.Identify, info *Info) {
	if !id.GPLSupported() {
		return
	}

	size, err := ata.LogSize(h, ata.LOG_IDENTIFY_DEVICE_DATA)
	if err != nil || size == 0 {
		return
	}

	page := make([]byte, 512)
	if err := ata.ReadLogExt(h, ata.LOG_IDENTIFY_DEVICE_DATA, 0x06, 0, page); err != nil {
		return
	}

	header, valid := ata.IDDataQword(page, 0)
	if !valid || uint8(header>>16) != 0x06 {
		return
	}

	caps, valid := ata.IDDataQword(page, 48)
	if !valid {
		return
	}

	info.RestrictedSanitizeOverridesSecurity = caps&(1<<7) != 0
	info.EncryptAll = caps&(1<<0) != 0
}
