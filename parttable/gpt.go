// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// GPT parsing with full CRC32 validation of the header and partition entry array. A primary
// header that fails validation triggers a retry on the backup copy at the last LBA. GUIDs are
// mixed-endian on disk (UEFI spec: first three fields little-endian, last two big-endian) and
// converted to RFC 4122 order before formatting.

package parttable

import (
	"fmt"
	"unicode/utf16"

	uuid "github.com/satori/go.uuid"

	"github.com/dswarbrick/blockops/blkio"
	"github.com/dswarbrick/blockops/device"
	"github.com/dswarbrick/blockops/gptdb"
	"github.com/dswarbrick/blockops/utils"
)

// gptSignature is "EFI PART" as a little-endian 64-bit value.
const gptSignature = 0x5452415020494645

const gptHeaderMinSize = 92

// Universal attribute bits.
const (
	AttrPlatformRequired = 1 << 0
	AttrEFIIgnore        = 1 << 1
	AttrLegacyBootable   = 1 << 2
)

// Microsoft Basic Data type-specific attribute bits (60..63).
const (
	AttrReadOnly      = 1 << 60
	AttrShadowCopy    = 1 << 61
	AttrHidden        = 1 << 62
	AttrNoDriveLetter = 1 << 63
)

// GPTEntry is one partition entry.
type GPTEntry struct {
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	// TypeName is the human name of the type GUID, "Unknown" when not in the database.
	TypeName string
	FirstLBA uint64
	// LastLBA is inclusive.
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// Empty reports whether the entry slot is unused (zero type GUID).
func (e *GPTEntry) Empty() bool {
	return e.TypeGUID == uuid.UUID{}
}

// GPT is a parsed GUID partition table.
type GPT struct {
	// MBRValid is set when a protective MBR was present in front of the table.
	MBRValid bool
	// FromBackup is set when the table was recovered from the backup header because the
	// primary was missing or failed validation.
	FromBackup bool

	Revision      uint32
	HeaderSize    uint32
	HeaderCRC32   uint32
	CurrentLBA    uint64
	BackupLBA     uint64
	FirstUsable   uint64
	LastUsable    uint64
	DiskGUID      uuid.UUID
	EntriesLBA    uint64
	EntriesCount  uint32
	EntrySize     uint32
	EntriesCRC32  uint32

	Entries []GPTEntry
}

func gptSignatureAt(block []byte) bool {
	return len(block) >= 8 && utils.LE64(block[0:8]) == gptSignature
}

func guidAt(b []byte) uuid.UUID {
	rfc := utils.GUIDBytesToRFC4122(b)
	u, _ := uuid.FromBytes(rfc[:])
	return u
}

// ParseGPTHeader validates and decodes one header block. The header CRC32 is computed over the
// declared header size with the CRC field zeroed; a mismatch invalidates the whole header.
func ParseGPTHeader(block []byte) (*GPT, error) {
	if !gptSignatureAt(block) {
		return nil, fmt.Errorf("GPT signature missing: %w", device.ErrNotSupported)
	}

	headerSize := utils.LE32(block[12:16])
	if headerSize < gptHeaderMinSize || uint64(headerSize) > uint64(len(block)) {
		return nil, fmt.Errorf("GPT header size %d: %w", headerSize, device.ErrFailure)
	}

	stored := utils.LE32(block[16:20])

	work := make([]byte, headerSize)
	copy(work, block[:headerSize])
	utils.PutLE32(work[16:20], 0)
	if utils.CRC32UEFI(work) != stored {
		return nil, fmt.Errorf("GPT header CRC mismatch: %w", device.ErrInvalidChecksum)
	}

	g := &GPT{
		Revision:     utils.LE32(block[8:12]),
		HeaderSize:   headerSize,
		HeaderCRC32:  stored,
		CurrentLBA:   utils.LE64(block[24:32]),
		BackupLBA:    utils.LE64(block[32:40]),
		FirstUsable:  utils.LE64(block[40:48]),
		LastUsable:   utils.LE64(block[48:56]),
		DiskGUID:     guidAt(block[56:72]),
		EntriesLBA:   utils.LE64(block[72:80]),
		EntriesCount: utils.LE32(block[80:84]),
		EntrySize:    utils.LE32(block[84:88]),
		EntriesCRC32: utils.LE32(block[88:92]),
	}

	if g.EntrySize < 128 || g.EntriesCount == 0 {
		return nil, fmt.Errorf("GPT entry geometry %dx%d: %w", g.EntriesCount, g.EntrySize, device.ErrFailure)
	}

	return g, nil
}

// decodeName converts the 72-byte UTF-16LE partition name field.
func decodeName(b []byte) string {
	u16 := make([]uint16, 0, 36)
	for i := 0; i+1 < len(b); i += 2 {
		c := utils.LE16(b[i:])
		if c == 0 {
			break
		}
		u16 = append(u16, c)
	}
	return string(utf16.Decode(u16))
}

// ParseGPTEntries validates the entry array CRC and decodes the entries. The array CRC covers
// exactly entries_count * entry_size bytes.
func ParseGPTEntries(g *GPT, array []byte) error {
	need := int(g.EntriesCount) * int(g.EntrySize)
	if need > len(array) {
		return fmt.Errorf("GPT entry array truncated (%d of %d bytes): %w", len(array), need, device.ErrFailure)
	}
	array = array[:need]

	if utils.CRC32UEFI(array) != g.EntriesCRC32 {
		return fmt.Errorf("GPT entry array CRC mismatch: %w", device.ErrInvalidChecksum)
	}

	for i := uint32(0); i < g.EntriesCount; i++ {
		raw := array[i*g.EntrySize : (i+1)*g.EntrySize]

		e := GPTEntry{
			TypeGUID:   guidAt(raw[0:16]),
			UniqueGUID: guidAt(raw[16:32]),
			FirstLBA:   utils.LE64(raw[32:40]),
			LastLBA:    utils.LE64(raw[40:48]),
			Attributes: utils.LE64(raw[48:56]),
			Name:       decodeName(raw[56:128]),
		}
		if !e.Empty() {
			e.TypeName = gptdb.LookupName(e.TypeGUID.String())
		}

		g.Entries = append(g.Entries, e)
	}

	return nil
}

// readGPT parses the primary table from the head probe, reading more of the entry array from
// the device when the probe did not cover it. Validation failure falls back to the backup.
func readGPT(h device.Handle, head []byte, blockSize uint32, mbrValid bool) (*GPT, error) {
	g, err := ParseGPTHeader(head[blockSize : 2*blockSize])
	if err != nil {
		log.WithError(err).Warn("primary GPT header invalid, trying backup")
		return readBackupGPT(h, blockSize, mbrValid)
	}
	g.MBRValid = mbrValid

	array, err := readEntryArray(h, head, blockSize, g)
	if err != nil {
		return nil, err
	}

	if err := ParseGPTEntries(g, array); err != nil {
		log.WithError(err).Warn("primary GPT entry array invalid, trying backup")
		return readBackupGPT(h, blockSize, mbrValid)
	}

	return g, nil
}

// readBackupGPT parses the backup header at the last LBA of the device.
func readBackupGPT(h device.Handle, blockSize uint32, mbrValid bool) (*GPT, error) {
	tailBlocks := uint64(probeLen / blockSize)
	if tailBlocks > h.MaxLBA()+1 {
		tailBlocks = h.MaxLBA() + 1
	}
	tailStart := h.MaxLBA() + 1 - tailBlocks

	tail := make([]byte, probeLen)
	if err := blkio.ReadBlocks(h, tailStart, uint32(tailBlocks), tail); err != nil {
		return nil, err
	}

	last := tail[len(tail)-int(blockSize):]
	g, err := ParseGPTHeader(last)
	if err != nil {
		return nil, err
	}
	g.MBRValid = mbrValid
	g.FromBackup = true

	// The backup entry array sits between the first usable boundary and the backup header;
	// its location is in the backup header's entries LBA field.
	need := int(g.EntriesCount) * int(g.EntrySize)
	array := make([]byte, (uint64(need)+uint64(blockSize)-1)/uint64(blockSize)*uint64(blockSize))
	if g.EntriesLBA >= tailStart {
		off := (g.EntriesLBA - tailStart) * uint64(blockSize)
		if off+uint64(need) <= uint64(len(tail)) {
			copy(array, tail[off:])
		} else if err := blkio.ReadBlocks(h, g.EntriesLBA, uint32(len(array)/int(blockSize)), array); err != nil {
			return nil, err
		}
	} else if err := blkio.ReadBlocks(h, g.EntriesLBA, uint32(len(array)/int(blockSize)), array); err != nil {
		return nil, err
	}

	if err := ParseGPTEntries(g, array); err != nil {
		return nil, err
	}

	return g, nil
}

// readEntryArray returns the primary entry array, served from the head probe when it fits.
func readEntryArray(h device.Handle, head []byte, blockSize uint32, g *GPT) ([]byte, error) {
	need := int(g.EntriesCount) * int(g.EntrySize)

	off := g.EntriesLBA * uint64(blockSize)
	if off+uint64(need) <= uint64(len(head)) {
		return head[off : off+uint64(need)], nil
	}

	blocks := (uint64(need) + uint64(blockSize) - 1) / uint64(blockSize)
	array := make([]byte, blocks*uint64(blockSize))
	if err := blkio.ReadBlocks(h, g.EntriesLBA, uint32(blocks), array); err != nil {
		return nil, err
	}

	return array, nil
}
