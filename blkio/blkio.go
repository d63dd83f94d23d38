// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package blkio issues plain block reads, writes and cache flushes through whichever command
// set a device handle speaks. Features that move user data (host erase, partition-table
// acquisition) share these instead of caring about the protocol.

package blkio

import (
	"fmt"

	"github.com/dswarbrick/blockops/ata"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/scsi"
)

// NVMe IO opcodes.
const (
	nvmeCmdFlush = 0x00
	nvmeCmdWrite = 0x01
	nvmeCmdRead  = 0x02
)

// ReadBlocks reads blocks starting at lba into buf.
func ReadBlocks(h device.Handle, lba uint64, blocks uint32, buf []byte) error {
	switch h.Class() {
	case device.ClassATA:
		cmd := device.ATACmd{
			Command:  ata.ATA_READ_DMA_EXT,
			Count:    uint16(blocks),
			LBA:      lba,
			Device:   0x40, // LBA mode
			Protocol: device.ATAProtocolDMAIn,
			Data:     buf,
		}
		if err := h.ATA(&cmd); err != nil {
			return err
		}
		if cmd.Failed() {
			return fmt.Errorf("read LBA %d: %w", lba, device.ErrFailure)
		}
		return nil

	case device.ClassNVMe:
		cmd := device.NVMeCmd{
			Opcode: nvmeCmdRead,
			NSID:   1,
			CDW10:  uint32(lba),
			CDW11:  uint32(lba >> 32),
			CDW12:  blocks - 1, // zero-based count
			Data:   buf,
		}
		if err := h.NVMe(&cmd); err != nil {
			return err
		}
		if cmd.Status != 0 {
			return fmt.Errorf("read LBA %d: %w", lba, device.ErrFailure)
		}
		return nil
	}

	sense, err := scsi.Read16(h, lba, blocks, buf)
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("read LBA %d: %v: %w", lba, sense, device.ErrFailure)
	}
	return nil
}

// WriteBlocks writes blocks starting at lba from buf.
func WriteBlocks(h device.Handle, lba uint64, blocks uint32, buf []byte) error {
	switch h.Class() {
	case device.ClassATA:
		cmd := device.ATACmd{
			Command:  ata.ATA_WRITE_DMA_EXT,
			Count:    uint16(blocks),
			LBA:      lba,
			Device:   0x40,
			Protocol: device.ATAProtocolDMAOut,
			Data:     buf,
		}
		if err := h.ATA(&cmd); err != nil {
			return err
		}
		if cmd.Failed() {
			return fmt.Errorf("write LBA %d: %w", lba, device.ErrFailure)
		}
		return nil

	case device.ClassNVMe:
		cmd := device.NVMeCmd{
			Opcode: nvmeCmdWrite,
			NSID:   1,
			CDW10:  uint32(lba),
			CDW11:  uint32(lba >> 32),
			CDW12:  blocks - 1,
			Data:   buf,
		}
		if err := h.NVMe(&cmd); err != nil {
			return err
		}
		if cmd.Status != 0 {
			return fmt.Errorf("write LBA %d: %w", lba, device.ErrFailure)
		}
		return nil
	}

	sense, err := scsi.Write16(h, lba, blocks, buf)
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("write LBA %d: %v: %w", lba, sense, device.ErrFailure)
	}
	return nil
}

// Flush forces the device write cache to media.
func Flush(h device.Handle) error {
	switch h.Class() {
	case device.ClassATA:
		cmd := device.ATACmd{Command: ata.ATA_FLUSH_CACHE_EXT, Protocol: device.ATAProtocolNoData}
		if err := h.ATA(&cmd); err != nil {
			return err
		}
		if cmd.Failed() {
			return fmt.Errorf("flush cache: %w", device.ErrFailure)
		}
		return nil

	case device.ClassNVMe:
		cmd := device.NVMeCmd{Opcode: nvmeCmdFlush, NSID: 0xffffffff}
		if err := h.NVMe(&cmd); err != nil {
			return err
		}
		if cmd.Status != 0 {
			return fmt.Errorf("flush cache: %w", device.ErrFailure)
		}
		return nil
	}

	sense, err := scsi.SynchronizeCache16(h)
	if err != nil {
		return err
	}
	if !sense.OK() {
		return fmt.Errorf("synchronize cache: %v: %w", sense, device.ErrFailure)
	}
	return nil
}
