// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// General purpose log access. The generic chunked log-pull plumbing lives in the transport; this
// file only issues single bounded READ LOG EXT transfers and interprets the directory.

package ata

import (
	"fmt"

	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

// ReadLogExt reads count 512-byte pages of the specified log address, starting at pageNumber,
// into buf. The feature register is passed through for logs which define one (e.g. the SATA PHY
// event counter log uses feature=1 to clear counters atomically with the read).
func ReadLogExt(h device.Handle, logAddr uint8, pageNumber uint16, feature uint16, buf []byte) error {
	if len(buf) == 0 || len(buf)%512 != 0 {
		return fmt.Errorf("log buffer must be a multiple of 512 bytes: %w", device.ErrBadParameter)
	}

	cmd := device.ATACmd{
		Command:  ATA_READ_LOG_EXT,
		Feature:  feature,
		Count:    uint16(len(buf) / 512),
		LBA:      uint64(logAddr) | uint64(pageNumber&0xff)<<8 | uint64(pageNumber>>8)<<32,
		Protocol: device.ATAProtocolPIOIn,
		Data:     buf,
	}

	if h.Hints().DMAMode {
		cmd.Command = ATA_READ_LOG_DMA
		cmd.Protocol = device.ATAProtocolDMAIn
	}

	if err := h.ATA(&cmd); err != nil {
		return err
	}
	if cmd.Aborted() {
		return fmt.Errorf("read log %#02x: %w", logAddr, device.ErrNotSupported)
	}
	if cmd.Failed() {
		return fmt.Errorf("read log %#02x: %w", logAddr, device.ErrFailure)
	}

	return nil
}

// WriteLogExt writes count 512-byte pages back to the specified log address. Used by features
// whose settings live in writable logs (command duration limits).
func WriteLogExt(h device.Handle, logAddr uint8, pageNumber uint16, buf []byte) error {
	if len(buf) == 0 || len(buf)%512 != 0 {
		return fmt.Errorf("log buffer must be a multiple of 512 bytes: %w", device.ErrBadParameter)
	}

	cmd := device.ATACmd{
		Command:  ATA_WRITE_LOG_EXT,
		Count:    uint16(len(buf) / 512),
		LBA:      uint64(logAddr) | uint64(pageNumber&0xff)<<8 | uint64(pageNumber>>8)<<32,
		Protocol: device.ATAProtocolPIOOut,
		Data:     buf,
	}

	if h.Hints().DMAMode {
		cmd.Command = ATA_WRITE_LOG_DMA
		cmd.Protocol = device.ATAProtocolDMAOut
	}

	if err := h.ATA(&cmd); err != nil {
		return err
	}
	if cmd.Aborted() {
		return fmt.Errorf("write log %#02x: %w", logAddr, device.ErrNotSupported)
	}
	if cmd.Failed() {
		return fmt.Errorf("write log %#02x: %w", logAddr, device.ErrFailure)
	}

	return nil
}

// LogSize reads the general purpose log directory (address 0) and returns the size in bytes of
// the given log, or zero when the log is not present.
func LogSize(h device.Handle, logAddr uint8) (uint32, error) {
	dir := make([]byte, 512)

	if err := ReadLogExt(h, 0, 0, 0, dir); err != nil {
		return 0, err
	}

	pages := utils.LE16(dir[int(logAddr)*2:])
	return uint32(pages) * 512, nil
}

// IDDataQword returns the 8-byte value at the given byte offset of an Identify Device Data log
// page, plus whether its qword-valid bit (bit 63) is set.
func IDDataQword(page []byte, offset int) (uint64, bool) {
	q := utils.LE64(page[offset:])
	return q & 0x7fffffffffffffff, q&(1<<63) != 0
}
