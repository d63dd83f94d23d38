// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI primary/block command helpers issued through a device handle. Every helper returns the
// decoded sense data alongside the transport error; a non-nil error means the command never
// reached the device.

package scsi

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

// Exec issues a CDB and decodes any autosense returned with the completion.
func Exec(h device.Handle, cdb []byte, dir device.SCSIDirection, data []byte, timeout uint32) (SenseData, error) {
	cmd := device.SCSICmd{CDB: cdb, Direction: dir, Data: data, Timeout: timeout}

	if err := h.SCSI(&cmd); err != nil {
		return SenseData{}, err
	}

	if cmd.Status == device.SCSIStatusCheckCondition || cmd.SenseLen > 0 {
		return ParseSense(cmd.Sense[:cmd.SenseLen]), nil
	}
	if cmd.Status != device.SCSIStatusGood {
		return SenseData{}, fmt.Errorf("SCSI status %#02x: %w", cmd.Status, device.ErrFailure)
	}

	return SenseData{}, nil
}

// Inquiry sends a standard INQUIRY and returns the response bytes.
func Inquiry(h device.Handle, allocLen int) ([]byte, error) {
	buf := make([]byte, allocLen)

	cdb := CDB6{SCSI_INQUIRY}
	utils.PutBE16(cdb[3:5], uint16(allocLen))

	sense, err := Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
	if err != nil {
		return nil, err
	}
	if !sense.OK() {
		return nil, fmt.Errorf("INQUIRY: %v: %w", sense, device.ErrFailure)
	}

	return buf, nil
}

// VPDPage reads a Vital Product Data page. Reading the ATA Information page (89h) forces a SATL
// to refresh its cached identify data, which several features rely on after state changes.
func VPDPage(h device.Handle, page uint8, allocLen int) ([]byte, error) {
	buf := make([]byte, allocLen)

	cdb := CDB6{SCSI_INQUIRY}
	cdb[1] = 0x01 // EVPD
	cdb[2] = page
	utils.PutBE16(cdb[3:5], uint16(allocLen))

	sense, err := Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
	if err != nil {
		return nil, err
	}
	if !sense.OK() {
		return nil, fmt.Errorf("INQUIRY VPD %#02x: %v: %w", page, sense, device.ErrNotSupported)
	}

	return buf, nil
}

// ReadCapacity10 returns the max addressable LBA and logical block size.
func ReadCapacity10(h device.Handle) (uint64, uint32, error) {
	buf := make([]byte, 8)
	cdb := CDB10{SCSI_READ_CAPACITY_10}

	sense, err := Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
	if err != nil {
		return 0, 0, err
	}
	if !sense.OK() {
		return 0, 0, fmt.Errorf("READ CAPACITY (10): %v: %w", sense, device.ErrFailure)
	}

	return uint64(utils.BE32(buf[0:])), utils.BE32(buf[4:]), nil
}

// ReadCapacity16 returns the max addressable LBA and logical block size, required for devices
// larger than READ CAPACITY (10) can report (last LBA of FFFFFFFFh).
func ReadCapacity16(h device.Handle) (uint64, uint32, error) {
	buf := make([]byte, 32)

	cdb := CDB16{SCSI_SERVICE_ACTION_IN_16, SAI_READ_CAPACITY_16}
	utils.PutBE32(cdb[10:14], uint32(len(buf)))

	sense, err := Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
	if err != nil {
		return 0, 0, err
	}
	if !sense.OK() {
		return 0, 0, fmt.Errorf("READ CAPACITY (16): %v: %w", sense, device.ErrFailure)
	}

	return utils.BE64(buf[0:]), utils.BE32(buf[8:]), nil
}

// ModeSense10 reads a mode page (optionally a subpage) with the requested page control. The
// returned buffer includes the 8-byte mode parameter header and any block descriptors.
func ModeSense10(h device.Handle, page, subpage, control uint8, allocLen int) ([]byte, SenseData, error) {
	buf := make([]byte, allocLen)

	cdb := CDB10{SCSI_MODE_SENSE_10}
	cdb[1] = 0x10 // LLBAA
	cdb[2] = (control << 6) | (page & 0x3f)
	cdb[3] = subpage
	utils.PutBE16(cdb[7:9], uint16(allocLen))

	sense, err := Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
	return buf, sense, err
}

// ModeSelect10 writes back mode parameter data read with ModeSense10. Page format and saved
// pages are always requested, matching how the settings were fetched.
func ModeSelect10(h device.Handle, paramData []byte, savePages bool) (SenseData, error) {
	cdb := CDB10{SCSI_MODE_SELECT_10}
	cdb[1] = 0x10 // PF
	if savePages {
		cdb[1] |= 0x01 // SP
	}
	utils.PutBE16(cdb[7:9], uint16(len(paramData)))

	return Exec(h, cdb[:], device.SCSIDataOut, paramData, 0)
}

// SecurityProtocolIn issues SECURITY PROTOCOL IN for the given protocol and protocol-specific
// field. inc512 selects the 512-byte-increment allocation length unit.
func SecurityProtocolIn(h device.Handle, protocol uint8, specific uint16, inc512 bool, buf []byte) (SenseData, error) {
	cdb := CDB12{SCSI_SECURITY_PROTOCOL_IN}
	cdb[1] = protocol
	utils.PutBE16(cdb[2:4], specific)

	allocLen := uint32(len(buf))
	if inc512 {
		cdb[4] = 0x80
		allocLen /= 512
	}
	utils.PutBE32(cdb[6:10], allocLen)

	return Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
}

// SecurityProtocolOut issues SECURITY PROTOCOL OUT. The timeout is passed through since an ATA
// security erase delivered via protocol EFh holds the device for the whole erase.
func SecurityProtocolOut(h device.Handle, protocol uint8, specific uint16, inc512 bool, data []byte, timeout uint32) (SenseData, error) {
	cdb := CDB12{SCSI_SECURITY_PROTOCOL_OUT}
	cdb[1] = protocol
	utils.PutBE16(cdb[2:4], specific)

	xferLen := uint32(len(data))
	if inc512 {
		cdb[4] = 0x80
		xferLen /= 512
	}
	utils.PutBE32(cdb[6:10], xferLen)

	return Exec(h, cdb[:], device.SCSIDataOut, data, timeout)
}

// SendDiagnostic issues SEND DIAGNOSTIC with a page of parameter data (PF=1).
func SendDiagnostic(h device.Handle, page []byte) (SenseData, error) {
	cdb := CDB6{SCSI_SEND_DIAGNOSTIC}
	cdb[1] = 0x10 // PF
	utils.PutBE16(cdb[3:5], uint16(len(page)))

	return Exec(h, cdb[:], device.SCSIDataOut, page, 0)
}

// PersistentReserveIn issues the given service action and fills buf.
func PersistentReserveIn(h device.Handle, serviceAction uint8, buf []byte) (SenseData, error) {
	cdb := CDB10{SCSI_PERSISTENT_RESERVE_IN}
	cdb[1] = serviceAction & 0x1f
	utils.PutBE16(cdb[7:9], uint16(len(buf)))

	return Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
}

// PersistentReserveOut issues the given service action with scope/type and a parameter list.
func PersistentReserveOut(h device.Handle, serviceAction, scope, prType uint8, param []byte) (SenseData, error) {
	cdb := CDB10{SCSI_PERSISTENT_RESERVE_OUT}
	cdb[1] = serviceAction & 0x1f
	cdb[2] = (scope << 4) | (prType & 0x0f)
	utils.PutBE32(cdb[5:9], uint32(len(param)))

	return Exec(h, cdb[:], device.SCSIDataOut, param, 0)
}

// Read16 reads blocks starting at lba.
func Read16(h device.Handle, lba uint64, blocks uint32, buf []byte) (SenseData, error) {
	cdb := CDB16{SCSI_READ_16}
	utils.PutBE64(cdb[2:10], lba)
	utils.PutBE32(cdb[10:14], blocks)

	return Exec(h, cdb[:], device.SCSIDataIn, buf, 0)
}

// Write16 writes blocks starting at lba.
func Write16(h device.Handle, lba uint64, blocks uint32, data []byte) (SenseData, error) {
	cdb := CDB16{SCSI_WRITE_16}
	utils.PutBE64(cdb[2:10], lba)
	utils.PutBE32(cdb[10:14], blocks)

	return Exec(h, cdb[:], device.SCSIDataOut, data, 0)
}

// SynchronizeCache16 flushes the device write cache.
func SynchronizeCache16(h device.Handle) (SenseData, error) {
	cdb := CDB16{SCSI_SYNCHRONIZE_CACHE_16}
	return Exec(h, cdb[:], device.SCSINoData, nil, 0)
}
