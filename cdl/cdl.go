// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package cdl reads and configures Command Duration Limits. Two dialects exist for the same
// feature: ATA drives keep seven read and seven write descriptors in log address 18h with all
// times in microseconds, while SCSI drives keep seven T2A and seven T2B descriptors in control
// mode page subpages 07h/08h with a per-descriptor time unit. Callers work with one Settings
// struct; the dialect is resolved from the device class.

package cdl

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/device"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "cdl")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// Dialect identifies which wire form a Settings was read from.
type Dialect int

const (
	DialectATA Dialect = iota
	DialectSCSI
)

// Time unit codes used in SCSI CDL descriptors.
const (
	UnitNoValue = 0x00
	Unit500ns   = 0x06
	UnitMicroseconds = 0x08
	Unit10ms    = 0x0a
	Unit500ms   = 0x0e
)

// descriptorCount is the number of descriptors per direction in both dialects.
const descriptorCount = 7

// ToDuration converts a descriptor time value with its unit code to a duration. Unknown unit
// codes are rejected; the zero unit means "no value" and always converts to zero.
func ToDuration(unit uint8, value uint32) (time.Duration, error) {
	switch unit {
	case UnitNoValue:
		return 0, nil
	case Unit500ns:
		return time.Duration(value) * 500 * time.Nanosecond, nil
	case UnitMicroseconds:
		return time.Duration(value) * time.Microsecond, nil
	case Unit10ms:
		return time.Duration(value) * 10 * time.Millisecond, nil
	case Unit500ms:
		return time.Duration(value) * 500 * time.Millisecond, nil
	}
	return 0, fmt.Errorf("time unit code %#02x: %w", unit, device.ErrValidation)
}

// ValidUnit reports whether a unit code is one of the defined values.
func ValidUnit(unit uint8) bool {
	switch unit {
	case UnitNoValue, Unit500ns, UnitMicroseconds, Unit10ms, Unit500ms:
		return true
	}
	return false
}

// Descriptor is one command duration limit descriptor. ATA descriptors carry all times in
// microseconds (TimeUnit is always UnitMicroseconds); SCSI descriptors scale InactiveTime and
// ActiveTime by TimeUnit. TotalTime is ATA-only; CommandDurationGuideline is SCSI-only.
type Descriptor struct {
	TimeUnit     uint8  `yaml:"time_unit"`
	ActiveTime   uint32 `yaml:"active_time"`
	InactiveTime uint32 `yaml:"inactive_time"`
	TotalTime    uint32 `yaml:"total_time,omitempty"`
	CommandDurationGuideline uint32 `yaml:"command_duration_guideline,omitempty"`

	ActiveTimePolicy   uint8 `yaml:"active_time_policy"`
	InactiveTimePolicy uint8 `yaml:"inactive_time_policy"`
	TotalTimePolicy    uint8 `yaml:"total_time_policy,omitempty"`
	CommandDurationGuidelinePolicy uint8 `yaml:"command_duration_guideline_policy,omitempty"`
}

// Settings is the full command duration limit state of a device. For SCSI drives the read
// descriptors are the T2A page and the write descriptors the T2B page.
type Settings struct {
	Dialect   Dialect `yaml:"-"`
	Supported bool    `yaml:"-"`
	Enabled   bool    `yaml:"-"`

	// PerformanceVsCommandCompletion (ATA) / PerformanceVsCommandDurationGuideline (SCSI):
	// how much performance the drive may trade to honor limits. Values 00h..0Ch.
	PerformanceVsCommandCompletion uint8 `yaml:"performance_vs_command_completion"`

	// ATA-only discovery data.
	CommandDurationGuidelineSupported bool   `yaml:"-"`
	MinimumTimeLimitMicroseconds      uint32 `yaml:"-"`
	MaximumTimeLimitMicroseconds      uint32 `yaml:"-"`

	// Supported-policy masks: bit n set means policy value n is accepted. For SCSI drives the
	// masks are fixed by SPC-6 and filled in at read time.
	InactiveTimePolicySupported uint16 `yaml:"-"`
	ActiveTimePolicySupported   uint16 `yaml:"-"`
	TotalTimePolicySupported    uint16 `yaml:"-"`
	CommandDurationGuidelinePolicySupported uint16 `yaml:"-"`

	ReadDescriptors  [descriptorCount]Descriptor `yaml:"read_descriptors"`
	WriteDescriptors [descriptorCount]Descriptor `yaml:"write_descriptors"`
}

// Fixed SPC-6 policy sets for SCSI drives, expressed as the same mask form the ATA log reports.
const (
	scsiInactivePolicyMask = 1<<0x00 | 1<<0x03 | 1<<0x04 | 1<<0x05 | 1<<0x0d | 1<<0x0f
	scsiActivePolicyMask   = 1<<0x00 | 1<<0x03 | 1<<0x04 | 1<<0x05 | 1<<0x0d | 1<<0x0e | 1<<0x0f
	scsiCDGPolicyMask      = 1<<0x00 | 1<<0x01 | 1<<0x02 | 1<<0x03 | 1<<0x04 | 1<<0x05 | 1<<0x0d | 1<<0x0f
)

// maxPerformanceField is the largest defined value of the performance-vs-X fields.
const maxPerformanceField = 0x0c

func policyAllowed(mask uint16, policy uint8) bool {
	return policy < 16 && mask&(1<<policy) != 0
}

// Validate checks every caller-settable policy and unit field against the device's supported
// sets before anything is sent. A single invalid field fails the whole settings block.
func Validate(s *Settings) error {
	if s == nil {
		return fmt.Errorf("cdl validate: %w", device.ErrBadParameter)
	}

	if s.PerformanceVsCommandCompletion > maxPerformanceField {
		return fmt.Errorf("performance field %#02x out of range: %w",
			s.PerformanceVsCommandCompletion, device.ErrValidation)
	}

	for i := range s.ReadDescriptors {
		if err := validateDescriptor(s, &s.ReadDescriptors[i], fmt.Sprintf("R%d", i+1)); err != nil {
			return err
		}
	}
	for i := range s.WriteDescriptors {
		if err := validateDescriptor(s, &s.WriteDescriptors[i], fmt.Sprintf("W%d", i+1)); err != nil {
			return err
		}
	}

	return nil
}

func validateDescriptor(s *Settings, d *Descriptor, name string) error {
	if !policyAllowed(s.ActiveTimePolicySupported, d.ActiveTimePolicy) {
		return fmt.Errorf("descriptor %s: active time policy %#02x not in supported mask %#04x: %w",
			name, d.ActiveTimePolicy, s.ActiveTimePolicySupported, device.ErrValidation)
	}
	if !policyAllowed(s.InactiveTimePolicySupported, d.InactiveTimePolicy) {
		return fmt.Errorf("descriptor %s: inactive time policy %#02x not in supported mask %#04x: %w",
			name, d.InactiveTimePolicy, s.InactiveTimePolicySupported, device.ErrValidation)
	}

	switch s.Dialect {
	case DialectATA:
		if !policyAllowed(s.TotalTimePolicySupported, d.TotalTimePolicy) {
			return fmt.Errorf("descriptor %s: total time policy %#02x not in supported mask %#04x: %w",
				name, d.TotalTimePolicy, s.TotalTimePolicySupported, device.ErrValidation)
		}
	case DialectSCSI:
		if !ValidUnit(d.TimeUnit) {
			return fmt.Errorf("descriptor %s: time unit %#02x: %w", name, d.TimeUnit, device.ErrValidation)
		}
		if !policyAllowed(s.CommandDurationGuidelinePolicySupported, d.CommandDurationGuidelinePolicy) {
			return fmt.Errorf("descriptor %s: duration guideline policy %#02x not in supported mask %#04x: %w",
				name, d.CommandDurationGuidelinePolicy, s.CommandDurationGuidelinePolicySupported,
				device.ErrValidation)
		}
	}

	return nil
}

// Get reads the full CDL state of a device.
func Get(h device.Handle) (*Settings, error) {
	switch h.Class() {
	case device.ClassATA:
		return getATA(h)
	case device.ClassSCSI:
		return getSCSI(h)
	}
	return nil, fmt.Errorf("command duration limits: %w", device.ErrNotSupported)
}

// Set validates and writes the caller's settings with read-modify-write semantics: only the
// fields a descriptor carries are replaced, reserved bits in the underlying pages survive. No
// device command is issued when validation fails.
func Set(h device.Handle, s *Settings) error {
	if err := Validate(s); err != nil {
		return err
	}

	switch h.Class() {
	case device.ClassATA:
		return setATA(h, s)
	case device.ClassSCSI:
		return setSCSI(h, s)
	}
	return fmt.Errorf("command duration limits: %w", device.ErrNotSupported)
}
