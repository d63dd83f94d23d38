// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Reservation-changing operations. Registration key zero is the "no current key" sentinel on
// Register; on every other operation a zero key is legal and simply empty.

package resv

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/nvme"
	"github.com/dswarbrick/blockops/scsi"
	"github.com/dswarbrick/blockops/utils"
)

// RegisterOptions carries the optional flags of a registration.
type RegisterOptions struct {
	// AllTargetPorts applies the registration to all target ports (ALL_TG_PT). Ignored on NVMe
	// where registrations are subsystem-wide anyway.
	AllTargetPorts bool
	// PersistThroughPowerLoss activates persistence of registrations and reservations across
	// power loss (APTPL / CPTPL).
	PersistThroughPowerLoss bool
	// IgnoreExisting replaces whatever registration exists without knowing its key.
	IgnoreExisting bool
}

// scsiProutParam builds the 24-byte PERSISTENT RESERVE OUT basic parameter list.
func scsiProutParam(key, saKey uint64, allTgPt, aptpl bool) []byte {
	param := make([]byte, 24)

	utils.PutBE64(param[0:8], key)
	utils.PutBE64(param[8:16], saKey)
	if allTgPt {
		param[20] |= 1 << 2
	}
	if aptpl {
		param[20] |= 1 << 0
	}

	return param
}

func scsiProut(h device.Handle, serviceAction, scope, prType uint8, param []byte) error {
	sense, err := scsi.PersistentReserveOut(h, serviceAction, scope, prType, param)
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("persistent reserve out %#02x: %v: %w", serviceAction, sense, device.ErrFailure)
	}
	return nil
}

// nvmeResvData packs up to two little-endian keys as the reservation command's data buffer.
func nvmeResvData(keys ...uint64) []byte {
	buf := make([]byte, 8*len(keys))
	for i, k := range keys {
		utils.PutLE64(buf[i*8:], k)
	}
	return buf
}

func nvmeResvCmd(h device.Handle, opcode uint8, cdw10 uint32, data []byte) error {
	cmd := device.NVMeCmd{
		Opcode: opcode,
		NSID:   1,
		CDW10:  cdw10,
		Data:   data,
	}

	if err := h.NVMe(&cmd); err != nil {
		return err
	}
	if cmd.Status != 0 {
		return fmt.Errorf("reservation command %#02x status %#x: %w", opcode, cmd.Status, device.ErrFailure)
	}

	return nil
}

// Register registers a new reservation key. The current key is the zero sentinel: the command
// fails with a reservation conflict if a different registration already exists, unless
// IgnoreExisting is set.
func Register(h device.Handle, key uint64, opts RegisterOptions) error {
	if key == 0 {
		return fmt.Errorf("register: key zero is the no-key sentinel: %w", device.ErrBadParameter)
	}

	switch h.Class() {
	case device.ClassSCSI:
		sa := uint8(scsi.PROUT_REGISTER)
		if opts.IgnoreExisting {
			sa = scsi.PROUT_REGISTER_AND_IGNORE
		}
		return scsiProut(h, sa, 0, 0,
			scsiProutParam(0, key, opts.AllTargetPorts, opts.PersistThroughPowerLoss))

	case device.ClassNVMe:
		cdw10 := uint32(nvme.RREGA_REGISTER)
		if opts.IgnoreExisting {
			cdw10 |= 1 << 3 // IEKEY
		}
		cptpl := uint32(nvme.CPTPL_CLEAR)
		if opts.PersistThroughPowerLoss {
			cptpl = nvme.CPTPL_SET
		}
		cdw10 |= cptpl << 30
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_REGISTER, cdw10, nvmeResvData(0, key))
	}

	return fmt.Errorf("register: %w", device.ErrNotSupported)
}

// Unregister removes the caller's registration.
func Unregister(h device.Handle, currentKey uint64) error {
	switch h.Class() {
	case device.ClassSCSI:
		return scsiProut(h, scsi.PROUT_REGISTER, 0, 0, scsiProutParam(currentKey, 0, false, false))

	case device.ClassNVMe:
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_REGISTER, nvme.RREGA_UNREGISTER, nvmeResvData(currentKey))
	}

	return fmt.Errorf("unregister: %w", device.ErrNotSupported)
}

// Acquire places a reservation of the given type using an already-registered key.
func Acquire(h device.Handle, key uint64, t Type) error {
	switch h.Class() {
	case device.ClassSCSI:
		return scsiProut(h, scsi.PROUT_RESERVE, 0, t.scsiCode(), scsiProutParam(key, 0, false, false))

	case device.ClassNVMe:
		rtype, err := t.nvmeCode()
		if err != nil {
			return err
		}
		cdw10 := uint32(nvme.RACQA_ACQUIRE) | uint32(rtype)<<8
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_ACQUIRE, cdw10, nvmeResvData(key))
	}

	return fmt.Errorf("acquire: %w", device.ErrNotSupported)
}

// Release gives up a held reservation. The type must match what was acquired.
func Release(h device.Handle, key uint64, t Type) error {
	switch h.Class() {
	case device.ClassSCSI:
		return scsiProut(h, scsi.PROUT_RELEASE, 0, t.scsiCode(), scsiProutParam(key, 0, false, false))

	case device.ClassNVMe:
		rtype, err := t.nvmeCode()
		if err != nil {
			return err
		}
		cdw10 := uint32(nvme.RRELA_RELEASE) | uint32(rtype)<<8
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_RELEASE, cdw10, nvmeResvData(key))
	}

	return fmt.Errorf("release: %w", device.ErrNotSupported)
}

// Clear removes all registrations and any reservation in one action.
func Clear(h device.Handle, key uint64) error {
	switch h.Class() {
	case device.ClassSCSI:
		return scsiProut(h, scsi.PROUT_CLEAR, 0, 0, scsiProutParam(key, 0, false, false))

	case device.ClassNVMe:
		cdw10 := uint32(nvme.RRELA_CLEAR)
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_RELEASE, cdw10, nvmeResvData(key))
	}

	return fmt.Errorf("clear: %w", device.ErrNotSupported)
}

// Preempt removes another registrant's registration (and reservation, if held), optionally
// aborting its outstanding commands.
func Preempt(h device.Handle, key, preemptKey uint64, t Type, abort bool) error {
	switch h.Class() {
	case device.ClassSCSI:
		sa := uint8(scsi.PROUT_PREEMPT)
		if abort {
			sa = scsi.PROUT_PREEMPT_AND_ABORT
		}
		return scsiProut(h, sa, 0, t.scsiCode(), scsiProutParam(key, preemptKey, false, false))

	case device.ClassNVMe:
		rtype, err := t.nvmeCode()
		if err != nil {
			return err
		}
		racqa := uint32(nvme.RACQA_PREEMPT)
		if abort {
			racqa = nvme.RACQA_PREEMPT_AND_ABORT
		}
		cdw10 := racqa | uint32(rtype)<<8
		return nvmeResvCmd(h, nvme.NVME_CMD_RESV_ACQUIRE, cdw10, nvmeResvData(key, preemptKey))
	}

	return fmt.Errorf("preempt: %w", device.ErrNotSupported)
}
