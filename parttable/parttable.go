// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package parttable reads partition tables: the MBR family, the Apple Partition Map, and GPT
// with its backup copy. Parsing is strictly read-only; the result is a tagged snapshot the
// caller owns.

package parttable

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/blockops/blkio"
	"github.com/dswarbrick/blockops/device"
)

var log logrus.FieldLogger = logrus.StandardLogger().WithField("subsystem", "parttable")

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) { log = l }

// probeLen is how much is read from each end of the disk when looking for tables.
const probeLen = 32 * 1024

// Type discriminates the table union.
type Type int

const (
	TypeMBR Type = iota
	TypeAPM
	TypeGPT
)

func (t Type) String() string {
	switch t {
	case TypeMBR:
		return "MBR"
	case TypeAPM:
		return "APM"
	case TypeGPT:
		return "GPT"
	}
	return "unknown"
}

// Table is the tagged union of the supported table formats; exactly one of the pointers is
// non-nil, selected by Type.
type Table struct {
	Type Type
	MBR  *MBR
	APM  *APM
	GPT  *GPT
}

// Read acquires and parses the partition table of a device. 32 KiB are read from LBA 0 and
// dispatched on the signatures found; when nothing matches at the front of the disk the
// trailing 32 KiB are searched for a backup GPT.
func Read(h device.Handle) (*Table, error) {
	blockSize := h.BlockSize()
	if blockSize == 0 {
		blockSize = 512
	}

	headBlocks := uint64(probeLen / blockSize)
	if headBlocks > h.MaxLBA()+1 {
		headBlocks = h.MaxLBA() + 1
	}

	head := make([]byte, headBlocks*uint64(blockSize))
	if err := blkio.ReadBlocks(h, 0, uint32(headBlocks), head); err != nil {
		return nil, err
	}
	if len(head) < int(2*blockSize) {
		return nil, fmt.Errorf("device too small for a partition table: %w", device.ErrBadParameter)
	}

	lba1 := head[blockSize : 2*blockSize]

	hasMBRSig := head[510] == 0x55 && head[511] == 0xaa
	hasGPTSig := gptSignatureAt(lba1)
	hasAPMSig := lba1[0] == 'P' && lba1[1] == 'M'

	switch {
	case hasGPTSig:
		gpt, err := readGPT(h, head, blockSize, hasMBRSig)
		if err != nil {
			return nil, err
		}
		return &Table{Type: TypeGPT, GPT: gpt}, nil

	case hasMBRSig:
		mbr := ParseMBR(head[:512])

		// A lone protective MBR with a destroyed primary header still deserves the backup
		// GPT lookup before being reported as a bare MBR.
		if mbr.Protective() {
			if gpt, err := readBackupGPT(h, blockSize, true); err == nil {
				return &Table{Type: TypeGPT, GPT: gpt}, nil
			}
		}

		return &Table{Type: TypeMBR, MBR: mbr}, nil

	case hasAPMSig:
		apm, err := readAPM(h, head, blockSize)
		if err != nil {
			return nil, err
		}
		return &Table{Type: TypeAPM, APM: apm}, nil
	}

	// Nothing at the front; the backup GPT at the trailing end is the last resort.
	if gpt, err := readBackupGPT(h, blockSize, false); err == nil {
		return &Table{Type: TypeGPT, GPT: gpt}, nil
	}

	return nil, fmt.Errorf("no partition table signature found: %w", device.ErrNotSupported)
}
