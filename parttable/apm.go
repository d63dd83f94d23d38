// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Apple Partition Map parsing. APM stores one big-endian partition entry per block starting at
// LBA 1; the first entry describes the map itself and carries the total entry count.

package parttable

import (
	"bytes"
	"fmt"

	"github.com/dswarbrick/blockops/blkio"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/utils"
)

// APMEntry is one Apple partition map entry.
type APMEntry struct {
	Name       string
	TypeName   string
	StartBlock uint32
	BlockCount uint32
	Status     uint32
}

// APM is a parsed Apple Partition Map.
type APM struct {
	Entries []APMEntry
}

// apmMaxEntries caps how many map blocks are read; the map describes itself, but a corrupted
// count should not turn into an unbounded read.
const apmMaxEntries = 64

func parseAPMEntry(b []byte) APMEntry {
	return APMEntry{
		StartBlock: utils.BE32(b[8:12]),
		BlockCount: utils.BE32(b[12:16]),
		Name:       string(bytes.TrimRight(b[16:48], "\x00")),
		TypeName:   string(bytes.TrimRight(b[48:80], "\x00")),
		Status:     utils.BE32(b[88:92]),
	}
}

// readAPM parses the map starting from the already-read head buffer, fetching more blocks when
// the map is longer than the probe.
func readAPM(h device.Handle, head []byte, blockSize uint32) (*APM, error) {
	first := head[blockSize : 2*blockSize]

	count := utils.BE32(first[4:8])
	if count == 0 || count > apmMaxEntries {
		if count == 0 {
			return nil, fmt.Errorf("empty partition map: %w", device.ErrFailure)
		}
		count = apmMaxEntries
	}

	apm := &APM{}
	for i := uint32(0); i < count; i++ {
		lba := uint64(1 + i)
		off := lba * uint64(blockSize)

		var block []byte
		if off+uint64(blockSize) <= uint64(len(head)) {
			block = head[off : off+uint64(blockSize)]
		} else {
			block = make([]byte, blockSize)
			if err := blkio.ReadBlocks(h, lba, 1, block); err != nil {
				return nil, err
			}
		}

		if block[0] != 'P' || block[1] != 'M' {
			break
		}

		apm.Entries = append(apm.Entries, parseAPMEntry(block))
	}

	return apm, nil
}
