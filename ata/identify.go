// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ATA IDENTIFY DEVICE response parsing. ATA8-ACS defines the response as a page of 256 16-bit
// little-endian words; the helpers here give word-level access with the standard validity
// conventions (a word reading 0000h or FFFFh reports nothing).

package ata

import (
	"github.com/dswarbrick/blockops/utils"
)

// Identify words referenced by this package.
const (
	WordCapabilitiesValid  = 53  // bit 1 validates words 64..70, bit 2 validates word 88
	WordTrustedComputing   = 48
	WordAdditionalSupport  = 69  // bit 12: DCO identify/set DMA, bit 4: encrypt-all
	WordFeat82             = 82  // command set supported
	WordFeat83             = 83  // bit 11: DCO, bit 10: HPA, bit 14/15 signature
	WordFeat86             = 86  // command set enabled; bit 11: DCO, bit 15: words 119/120 valid
	WordSecurityEraseTime  = 89
	WordEnhancedEraseTime  = 90
	WordMasterPasswordID   = 92
	WordSecurityStatus     = 128
)

// Identify word 128 security status bits.
const (
	SecSupported     = 1 << 0
	SecEnabled       = 1 << 1
	SecLocked        = 1 << 2
	SecFrozen        = 1 << 3
	SecCountExpired  = 1 << 4
	SecEnhancedErase = 1 << 5
	SecMasterCapMax  = 1 << 8
)

// EraseTimeMax is the saturated erase-time estimate, meaning "longer than the format can report".
const EraseTimeMax = 0xffff

// Identify wraps a raw 512-byte IDENTIFY DEVICE page.
type Identify []byte

// Word returns identify word n as a 16-bit little-endian value.
func (id Identify) Word(n int) uint16 {
	return utils.LE16(id[n*2:])
}

// WordValid reports whether a word's content is usable: per the ACS conventions an unsupported
// field reads as all zeroes or (on faulty translators) all ones.
func WordValid(w uint16) bool {
	return w != 0 && w != 0xffff
}

// SignatureValid reports whether a feature word carrying the 14:15 signature bits (words 83, 84,
// 87) is valid: bit 14 set, bit 15 clear.
func SignatureValid(w uint16) bool {
	return w&0xc000 == 0x4000
}

// MaxLBA returns the accessible max LBA from words 100..103 (48-bit addressing) or words 60..61.
func (id Identify) MaxLBA() uint64 {
	if lba48 := utils.LE64(id[100*2:]) & 0xffffffffffff; lba48 > 0 {
		return lba48 - 1
	}
	if lba28 := uint64(utils.LE32(id[60*2:])); lba28 > 0 {
		return lba28 - 1
	}
	return 0
}

// DCOSupported reports whether the Device Configuration Overlay feature set is advertised in
// word 83 or word 86.
func (id Identify) DCOSupported() bool {
	if SignatureValid(id.Word(83)) && id.Word(83)&(1<<11) != 0 {
		return true
	}
	// Word 86 has no signature bits of its own; require the word 87 signature like the ACS
	// validity note suggests before trusting it.
	return SignatureValid(id.Word(87)) && id.Word(86)&(1<<11) != 0
}

// DCODMASupported reports whether DCO IDENTIFY DMA / SET DMA are advertised (word 69 bit 12,
// gated by the word 53 bit 1 validity indicator).
func (id Identify) DCODMASupported() bool {
	if !WordValid(id.Word(WordCapabilitiesValid)) || id.Word(WordCapabilitiesValid)&(1<<1) == 0 {
		return false
	}
	return WordValid(id.Word(WordAdditionalSupport)) && id.Word(WordAdditionalSupport)&(1<<12) != 0
}

// HPASupported reports whether the Host Protected Area feature set is advertised (word 82 bit 10).
func (id Identify) HPASupported() bool {
	return WordValid(id.Word(WordFeat82)) && id.Word(WordFeat82)&(1<<10) != 0
}

// HPASecuritySupported reports whether the HPA security extension (SET MAX password/lock) is
// advertised (word 83 bit 8).
func (id Identify) HPASecuritySupported() bool {
	return SignatureValid(id.Word(83)) && id.Word(83)&(1<<8) != 0
}

// AMACSupported reports whether the Accessible Max Address Configuration feature set is
// advertised (word 119 bit 8, gated by the word 120/86 validity indicator).
func (id Identify) AMACSupported() bool {
	if id.Word(86)&(1<<15) == 0 { // words 119/120 valid
		return false
	}
	return SignatureValid(id.Word(119)) && id.Word(119)&(1<<8) != 0
}

// GPLSupported reports whether the General Purpose Logging feature set is advertised
// (word 84 bit 5), required for READ LOG EXT.
func (id Identify) GPLSupported() bool {
	return SignatureValid(id.Word(84)) && id.Word(84)&(1<<5) != 0
}

// Word48BitSupported reports whether the 48-bit address feature set is advertised (word 83 bit 10).
func (id Identify) Word48BitSupported() bool {
	return SignatureValid(id.Word(83)) && id.Word(83)&(1<<10) != 0
}

// EraseTime decodes an erase-time estimate word (identify word 89 or 90) into minutes and the
// extended-format indicator. The saturated value of either format is reported as EraseTimeMax.
func EraseTime(w uint16) (minutes uint32, extended bool) {
	if !WordValid(w) {
		return 0, false
	}

	if w&(1<<15) != 0 {
		extended = true
		minutes = uint32(w&0x7fff) * 2
		if minutes == 32766*2 {
			minutes = EraseTimeMax
		}
	} else {
		minutes = uint32(w&0xff) * 2
		if minutes == 255*2 {
			minutes = EraseTimeMax
		}
	}

	return minutes, extended
}
