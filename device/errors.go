// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package device

import "errors"

// The closed set of error kinds surfaced by feature packages. Protocol-level command failures are
// translated into these at the call site; raw status and sense bytes never propagate further.
// Wrapped errors are matched with errors.Is.
var (
	// ErrNotSupported means the feature is not advertised by the device, or the transport lacks a
	// required sub-protocol.
	ErrNotSupported = errors.New("not supported by device or transport")

	// ErrBadParameter means caller-provided input is outside the accepted range or missing.
	ErrBadParameter = errors.New("bad parameter")

	// ErrValidation means a caller-provided CDL policy or time-unit value is outside the device's
	// supported-policy mask.
	ErrValidation = errors.New("validation failure")

	// ErrFrozen means the relevant feature set is frozen; a power cycle is required before any
	// state-changing command will be accepted.
	ErrFrozen = errors.New("feature set frozen")

	// ErrAccessDenied means HPA security, an expired ATA security attempt counter, or a locked
	// drive blocks the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrPowerCycleRequired means the command completed but a mandatory power cycle must occur
	// before further progress.
	ErrPowerCycleRequired = errors.New("power cycle required")

	// ErrOutOfSync means the SAT layer's cached capacity disagrees with the device.
	ErrOutOfSync = errors.New("translator out of sync with device")

	// ErrInvalidChecksum means a page returned by the device failed its integrity check.
	ErrInvalidChecksum = errors.New("invalid checksum")

	// ErrFailure covers any other device-reported failure.
	ErrFailure = errors.New("command failure")
)
