// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package erase overwrites LBA ranges from the host side with a caller-supplied pattern. Writes
// are issued in transport-preferred transfer units; a range that starts or ends inside a
// transfer unit is handled with a read-modify-write so neighbouring data survives. This is the
// portable fallback when a drive offers no sanitize or security erase, and the tool of choice
// for wiping partition metadata.

package erase

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/blkio"
	"github.com/dswarbrick/blockops/device"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "erase")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// Hooks are the OS-level helpers the erase path calls around boot-sector writes. Writing LBA 0
// on a mounted or recently-mounted disk trips permission and caching quirks on several
// platforms; the OS layer knows how to deal with them, this package only knows when to ask.
type Hooks struct {
	// EraseBootSectors is called before a range erase that includes LBA 0. May be nil.
	EraseBootSectors func(h device.Handle) error
	// UpdateFSCache tells the OS to drop cached filesystem state for the device after its
	// metadata was destroyed. May be nil.
	UpdateFSCache func(h device.Handle)
}

// OSHooks is the package-wide hook set, wired by the platform layer.
var OSHooks Hooks

// transferBlocks returns the preferred transfer size in blocks.
func transferBlocks(h device.Handle) uint32 {
	if tb := h.Hints().TransferBlocks; tb > 0 {
		return tb
	}
	return 128
}

// fillPattern tiles pattern into buf; a nil or empty pattern zero-fills.
func fillPattern(buf, pattern []byte) {
	if len(pattern) == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return
	}

	for i := range buf {
		buf[i] = pattern[i%len(pattern)]
	}
}

// Range overwrites LBAs [start, end] inclusive with the pattern. The start is aligned down to
// the transfer unit with a read-modify-write of the first transfer; the tail gets the same
// treatment. Callers erasing from LBA 0 must have unmounted the device's filesystems first.
func Range(h device.Handle, start, end uint64, pattern []byte) error {
	if end > h.MaxLBA() || start > end {
		return fmt.Errorf("erase range %d..%d beyond device: %w", start, end, device.ErrBadParameter)
	}

	blockSize := uint64(h.BlockSize())
	tb := uint64(transferBlocks(h))

	if start == 0 && OSHooks.EraseBootSectors != nil {
		// Writing the boot sectors first via the OS helper clears OS-level write protection
		// quirks for the rest of the pass.
		if err := OSHooks.EraseBootSectors(h); err != nil {
			return err
		}
	}

	buf := make([]byte, tb*blockSize)
	patBuf := make([]byte, tb*blockSize)
	fillPattern(patBuf, pattern)

	lba := start
	// Head alignment: read-modify-write the transfer containing start.
	if misalign := start % tb; misalign != 0 {
		head := start - misalign
		count := uint32(tb)
		if head+tb > h.MaxLBA()+1 {
			count = uint32(h.MaxLBA() + 1 - head)
		}

		stop := head + uint64(count)
		if stop > end+1 {
			stop = end + 1
		}

		if err := blkio.ReadBlocks(h, head, count, buf[:uint64(count)*blockSize]); err != nil {
			return err
		}
		copy(buf[misalign*blockSize:(stop-head)*blockSize], patBuf)
		if err := blkio.WriteBlocks(h, head, count, buf[:uint64(count)*blockSize]); err != nil {
			return err
		}

		lba = head + uint64(count)
	}

	for lba <= end {
		remaining := end - lba + 1
		if remaining >= tb {
			if err := blkio.WriteBlocks(h, lba, uint32(tb), patBuf); err != nil {
				return err
			}
			lba += tb
			continue
		}

		// Tail alignment: the last partial transfer keeps the data past end.
		if lba+remaining <= h.MaxLBA() {
			tail := uint32(tb)
			if lba+tb > h.MaxLBA()+1 {
				tail = uint32(h.MaxLBA() + 1 - lba)
			}
			if err := blkio.ReadBlocks(h, lba, tail, buf[:uint64(tail)*blockSize]); err != nil {
				return err
			}
			copy(buf[:remaining*blockSize], patBuf)
			if err := blkio.WriteBlocks(h, lba, tail, buf[:uint64(tail)*blockSize]); err != nil {
				return err
			}
		} else {
			if err := blkio.WriteBlocks(h, lba, uint32(remaining), patBuf[:remaining*blockSize]); err != nil {
				return err
			}
		}
		lba += remaining
	}

	if err := blkio.Flush(h); err != nil {
		return err
	}

	if start == 0 && OSHooks.UpdateFSCache != nil {
		OSHooks.UpdateFSCache(h)
	}

	return nil
}

// Time overwrites sequentially from start until the wall clock says seconds have elapsed,
// wrapping to LBA 0 at the end of the disk.
func Time(h device.Handle, start uint64, seconds uint64, pattern []byte) error {
	if start > h.MaxLBA() {
		return fmt.Errorf("erase start %d beyond device: %w", start, device.ErrBadParameter)
	}

	blockSize := uint64(h.BlockSize())
	tb := uint64(transferBlocks(h))

	patBuf := make([]byte, tb*blockSize)
	fillPattern(patBuf, pattern)

	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	lba := start - start%tb

	for time.Now().Before(deadline) {
		count := tb
		if lba+count > h.MaxLBA()+1 {
			count = h.MaxLBA() + 1 - lba
		}

		if err := blkio.WriteBlocks(h, lba, uint32(count), patBuf[:count*blockSize]); err != nil {
			return err
		}

		lba += count
		if lba > h.MaxLBA() {
			lba = 0
		}
	}

	log.WithField("last_lba", lba).Debug("timed erase finished")

	return blkio.Flush(h)
}

// BootSectors overwrites one transfer unit at LBA 0 and one at the end of the disk, destroying
// the primary and backup partition structures without touching the space between.
func BootSectors(h device.Handle, pattern []byte) error {
	blockSize := uint64(h.BlockSize())
	tb := uint64(transferBlocks(h))

	if OSHooks.EraseBootSectors != nil {
		if err := OSHooks.EraseBootSectors(h); err != nil {
			return err
		}
	}

	patBuf := make([]byte, tb*blockSize)
	fillPattern(patBuf, pattern)

	if err := blkio.WriteBlocks(h, 0, uint32(tb), patBuf); err != nil {
		return err
	}

	tail := h.MaxLBA() + 1 - tb
	if err := blkio.WriteBlocks(h, tail, uint32(tb), patBuf); err != nil {
		return err
	}

	if err := blkio.Flush(h); err != nil {
		return err
	}

	if OSHooks.UpdateFSCache != nil {
		OSHooks.UpdateFSCache(h)
	}

	return nil
}
