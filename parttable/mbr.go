// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// MBR parsing, including the vendor variants that stash extra partition entries around the
// classic table at bytes 446..509.

package parttable

import (
	"bytes"

	"github.com/dswarbrick/blockops/utils"
)

// MBRVariant identifies which MBR flavour was detected.
type MBRVariant int

const (
	MBRClassic MBRVariant = iota
	MBRModern
	MBRUEFI
	MBRAAP     // Advanced Active Partitions
	MBRNEWLDR  // NEWLDR boot loader record
	MBRAST     // AST Research / NEC / SpeedStor, up to 8 entries
	MBROntrack // Ontrack Disk Manager, up to 16 entries
)

func (v MBRVariant) String() string {
	switch v {
	case MBRClassic:
		return "classic"
	case MBRModern:
		return "modern"
	case MBRUEFI:
		return "UEFI (protective)"
	case MBRAAP:
		return "AAP"
	case MBRNEWLDR:
		return "NEWLDR"
	case MBRAST:
		return "AST/NEC/SpeedStor"
	case MBROntrack:
		return "Ontrack Disk Manager"
	}
	return "unknown"
}

// MBREntry is one 16-byte partition record. An entry with TypeCode zero is empty.
type MBREntry struct {
	Status   uint8
	StartCHS [3]byte
	TypeCode uint8
	EndCHS   [3]byte
	FirstLBA uint32
	Sectors  uint32
}

// Empty reports whether the entry slot is unused.
func (e *MBREntry) Empty() bool {
	return e.TypeCode == 0
}

// MBR is a parsed master boot record with however many entries its variant defines.
type MBR struct {
	Variant       MBRVariant
	DiskSignature uint32
	Entries       []MBREntry
}

// Protective reports whether the table is a GPT protective MBR (a single EEh entry).
func (m *MBR) Protective() bool {
	active := 0
	protective := false
	for _, e := range m.Entries {
		if e.Empty() {
			continue
		}
		active++
		if e.TypeCode == 0xee {
			protective = true
		}
	}
	return protective && active == 1
}

func parseMBREntry(b []byte) MBREntry {
	e := MBREntry{
		Status:   b[0],
		TypeCode: b[4],
		FirstLBA: utils.LE32(b[8:12]),
		Sectors:  utils.LE32(b[12:16]),
	}
	copy(e.StartCHS[:], b[1:4])
	copy(e.EndCHS[:], b[5:8])
	return e
}

// detectMBRVariant inspects the structures around the classic partition array. Detection order
// matters: the vendor signatures live inside what classic MBRs treat as bootstrap code, so the
// most specific markers are checked first.
func detectMBRVariant(sector []byte) MBRVariant {
	if bytes.Equal(sector[2:8], []byte("NEWLDR")) {
		return MBRNEWLDR
	}
	if sector[428] == 0x78 && sector[429] == 0x56 && sector[430] >= 0x80 && sector[430] <= 0xfe {
		return MBRAAP
	}
	if utils.LE16(sector[380:382]) == 0x5aa5 {
		return MBRAST
	}
	if utils.LE16(sector[252:254]) == 0xaa55 {
		return MBROntrack
	}

	bootstrapZero := true
	for _, b := range sector[0:218] {
		if b != 0 {
			bootstrapZero = false
			break
		}
	}
	if bootstrapZero && sector[446] <= 0x7f {
		return MBRUEFI
	}

	if sector[218] == 0 && sector[219] == 0 &&
		(utils.LE16(sector[444:446]) == 0 || utils.LE16(sector[444:446]) == 0x5a5a) &&
		sector[446] >= 0x80 {
		return MBRModern
	}

	return MBRClassic
}

// ParseMBR decodes one 512-byte MBR sector. The caller has already verified the 55AAh boot
// signature.
func ParseMBR(sector []byte) *MBR {
	m := &MBR{Variant: detectMBRVariant(sector)}

	if m.Variant == MBRModern || m.Variant == MBRUEFI {
		m.DiskSignature = utils.LE32(sector[440:444])
	}

	classic := make([]MBREntry, 4)
	for i := 0; i < 4; i++ {
		classic[i] = parseMBREntry(sector[446+i*16:])
	}

	switch m.Variant {
	case MBRAST:
		// The four classic entries are stored in reverse order.
		for i, j := 0, 3; i < j; i, j = i+1, j-1 {
			classic[i], classic[j] = classic[j], classic[i]
		}
		m.Entries = classic
		// Entries 5..8 grow downward from offset 430, ending just above the signature.
		for i := 0; i < 4; i++ {
			m.Entries = append(m.Entries, parseMBREntry(sector[430-i*16:]))
		}

	case MBROntrack:
		m.Entries = classic
		// Entries 5..16 sit between the signature at 252 and the classic table.
		for i := 0; i < 12; i++ {
			m.Entries = append(m.Entries, parseMBREntry(sector[254+i*16:]))
		}

	case MBRAAP, MBRNEWLDR:
		m.Entries = classic
		// The AAP record at 428 carries one extra entry whose first byte is the physical
		// drive number instead of a status flag. NEWLDR records carry the same AAP entry
		// when the AAP signature is present.
		if sector[428] == 0x78 && sector[429] == 0x56 {
			m.Entries = append(m.Entries, parseMBREntry(sector[430:]))
		}

	default:
		m.Entries = classic
	}

	return m
}
