// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package resv manages persistent reservations across SCSI and NVMe. The nine logical
// reservation types are SCSI's; NVMe implements six of them, and the obsolete SCSI-only types
// are rejected when targeting an NVMe namespace rather than silently remapped.

package resv

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/nvme"
	"github.com/dswarbrick/blockops/scsi"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "resv")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// Type is a logical reservation type. The numeric values are the SCSI type codes.
type Type int

const (
	TypeNone                           Type = -1
	TypeReadShared                     Type = 0 // obsolete, SCSI only
	TypeWriteExclusive                 Type = 1
	TypeReadExclusive                  Type = 2 // obsolete, SCSI only
	TypeExclusiveAccess                Type = 3
	TypeSharedAccess                   Type = 4 // obsolete, SCSI only
	TypeWriteExclusiveRegistrantsOnly  Type = 5
	TypeExclusiveAccessRegistrantsOnly Type = 6
	TypeWriteExclusiveAllRegistrants   Type = 7
	TypeExclusiveAccessAllRegistrants  Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeReadShared:
		return "read shared (obsolete)"
	case TypeWriteExclusive:
		return "write exclusive"
	case TypeReadExclusive:
		return "read exclusive (obsolete)"
	case TypeExclusiveAccess:
		return "exclusive access"
	case TypeSharedAccess:
		return "shared access (obsolete)"
	case TypeWriteExclusiveRegistrantsOnly:
		return "write exclusive, registrants only"
	case TypeExclusiveAccessRegistrantsOnly:
		return "exclusive access, registrants only"
	case TypeWriteExclusiveAllRegistrants:
		return "write exclusive, all registrants"
	case TypeExclusiveAccessAllRegistrants:
		return "exclusive access, all registrants"
	}
	return fmt.Sprintf("unknown (%d)", int(t))
}

// scsiCode returns the SCSI type code.
func (t Type) scsiCode() uint8 {
	return uint8(t)
}

// nvmeCode maps a logical type to an NVMe RTYPE value. The obsolete SCSI-only types have no
// NVMe equivalent.
func (t Type) nvmeCode() (uint8, error) {
	switch t {
	case TypeWriteExclusive:
		return nvme.RTYPE_WRITE_EXCLUSIVE, nil
	case TypeExclusiveAccess:
		return nvme.RTYPE_EXCLUSIVE_ACCESS, nil
	case TypeWriteExclusiveRegistrantsOnly:
		return nvme.RTYPE_WRITE_EXCLUSIVE_REG_ONLY, nil
	case TypeExclusiveAccessRegistrantsOnly:
		return nvme.RTYPE_EXCLUSIVE_ACCESS_REG_ONLY, nil
	case TypeWriteExclusiveAllRegistrants:
		return nvme.RTYPE_WRITE_EXCLUSIVE_ALL_REGISTRANTS, nil
	case TypeExclusiveAccessAllRegistrants:
		return nvme.RTYPE_EXCLUSIVE_ACCESS_ALL_REGISTRANTS, nil
	}
	return 0, fmt.Errorf("reservation type %v has no NVMe mapping: %w", t, device.ErrBadParameter)
}

// typeFromNVMe maps an NVMe RTYPE back to the logical type.
func typeFromNVMe(rtype uint8) Type {
	switch rtype {
	case nvme.RTYPE_WRITE_EXCLUSIVE:
		return TypeWriteExclusive
	case nvme.RTYPE_EXCLUSIVE_ACCESS:
		return TypeExclusiveAccess
	case nvme.RTYPE_WRITE_EXCLUSIVE_REG_ONLY:
		return TypeWriteExclusiveRegistrantsOnly
	case nvme.RTYPE_EXCLUSIVE_ACCESS_REG_ONLY:
		return TypeExclusiveAccessRegistrantsOnly
	case nvme.RTYPE_WRITE_EXCLUSIVE_ALL_REGISTRANTS:
		return TypeWriteExclusiveAllRegistrants
	case nvme.RTYPE_EXCLUSIVE_ACCESS_ALL_REGISTRANTS:
		return TypeExclusiveAccessAllRegistrants
	}
	return TypeNone
}

// Scope of a reservation. Only logical-unit scope exists in modern use; extent and element are
// retained for decoding old devices.
type Scope int

const (
	ScopeLogicalUnit Scope = 0
	ScopeExtent      Scope = 1
	ScopeElement     Scope = 2
	ScopeUnknown     Scope = -1
)

func (s Scope) String() string {
	switch s {
	case ScopeLogicalUnit:
		return "logical unit"
	case ScopeExtent:
		return "extent (obsolete)"
	case ScopeElement:
		return "element (obsolete)"
	}
	return "unknown"
}

// Capabilities is the decoded REPORT CAPABILITIES data, or its NVMe synthesis.
type Capabilities struct {
	ReplaceLostCapable            bool
	CompatibleReservationHandling bool
	SpecifyInitiatorPortsCapable  bool
	AllTargetPortsCapable         bool
	PersistThroughPowerLossCapable   bool
	PersistThroughPowerLossActivated bool

	// AllowedCommands is the raw allowed-commands enumeration (0..5).
	AllowedCommands uint8

	// TypeMaskValid is set when the device reported which reservation types it supports.
	TypeMaskValid bool
	// TypeMask has bit n set when the type with SCSI code n is supported.
	TypeMask uint16
}

// Supports reports whether a reservation type is in the supported-type mask. Devices that do not
// report a mask are assumed to support everything.
func (c *Capabilities) Supports(t Type) bool {
	if !c.TypeMaskValid {
		return true
	}
	return t >= 0 && c.TypeMask&(1<<uint(t)) != 0
}

// Supported reports whether the device supports persistent reservations at all.
func Supported(h device.Handle) (bool, error) {
	switch h.Class() {
	case device.ClassNVMe:
		ctrl, err := nvme.IdentifyController(h)
		if err != nil {
			return false, err
		}
		if nvme.ONCS(ctrl)&nvme.ONCSReservations == 0 {
			return false, nil
		}
		ns, err := nvme.IdentifyNamespace(h, 1)
		if err != nil {
			return false, err
		}
		return nvme.Rescap(ns) != 0, nil
	case device.ClassSCSI:
		_, err := ReadCapabilities(h)
		return err == nil, nil
	}
	return false, nil
}

// ReadCapabilities reads the reservation capabilities. For NVMe the structure is synthesized
// from the controller's ONCS word and the namespace RESCAP byte.
func ReadCapabilities(h device.Handle) (*Capabilities, error) {
	switch h.Class() {
	case device.ClassSCSI:
		return readSCSICapabilities(h)
	case device.ClassNVMe:
		return readNVMeCapabilities(h)
	}
	return nil, fmt.Errorf("persistent reservations: %w", device.ErrNotSupported)
}

func readSCSICapabilities(h device.Handle) (*Capabilities, error) {
	buf := make([]byte, 8)

	sense, err := scsi.PersistentReserveIn(h, scsi.PRIN_REPORT_CAPABILITIES, buf)
	if err != nil {
		return nil, err
	}
	if !sense.OK() {
		return nil, fmt.Errorf("report capabilities: %v: %w", sense, device.ErrNotSupported)
	}

	c := &Capabilities{
		PersistThroughPowerLossCapable:   buf[2]&(1<<0) != 0,
		AllTargetPortsCapable:            buf[2]&(1<<2) != 0,
		SpecifyInitiatorPortsCapable:     buf[2]&(1<<3) != 0,
		CompatibleReservationHandling:    buf[2]&(1<<4) != 0,
		ReplaceLostCapable:               buf[2]&(1<<7) != 0,
		PersistThroughPowerLossActivated: buf[3]&(1<<0) != 0,
		AllowedCommands:                  (buf[3] >> 4) & 0x07,
	}

	if buf[3]&(1<<7) != 0 { // TMV
		c.TypeMaskValid = true
		c.TypeMask = typeMaskFromWire(buf[4], buf[5])
	}

	return c, nil
}

// typeMaskFromWire converts the REPORT CAPABILITIES persistent reservation type mask to the
// by-SCSI-code mask used here. Byte 4 carries one bit per type code 0..7, byte 5 bit 0 carries
// exclusive access, all registrants (code 8).
func typeMaskFromWire(b4, b5 byte) uint16 {
	return uint16(b4) | uint16(b5&0x01)<<8
}

func readNVMeCapabilities(h device.Handle) (*Capabilities, error) {
	ctrl, err := nvme.IdentifyController(h)
	if err != nil {
		return nil, err
	}
	if nvme.ONCS(ctrl)&nvme.ONCSReservations == 0 {
		return nil, fmt.Errorf("reservations not in ONCS: %w", device.ErrNotSupported)
	}

	ns, err := nvme.IdentifyNamespace(h, 1)
	if err != nil {
		return nil, err
	}
	rescap := nvme.Rescap(ns)

	c := &Capabilities{
		// Registrations always apply to all controllers of an NVM subsystem.
		AllTargetPortsCapable:          true,
		PersistThroughPowerLossCapable: rescap&nvme.RescapPTPL != 0,
		TypeMaskValid:                  true,
	}

	if rescap&nvme.RescapWE != 0 {
		c.TypeMask |= 1 << uint(TypeWriteExclusive)
	}
	if rescap&nvme.RescapEA != 0 {
		c.TypeMask |= 1 << uint(TypeExclusiveAccess)
	}
	if rescap&nvme.RescapWERO != 0 {
		c.TypeMask |= 1 << uint(TypeWriteExclusiveRegistrantsOnly)
	}
	if rescap&nvme.RescapEARO != 0 {
		c.TypeMask |= 1 << uint(TypeExclusiveAccessRegistrantsOnly)
	}
	if rescap&nvme.RescapWEAR != 0 {
		c.TypeMask |= 1 << uint(TypeWriteExclusiveAllRegistrants)
	}
	if rescap&nvme.RescapEAAR != 0 {
		c.TypeMask |= 1 << uint(TypeExclusiveAccessAllRegistrants)
	}

	return c, nil
}
