// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package security

import (
	"github.com/dswarbrick/blockops/utils"
)

// fillPasswordBlock serializes a password and its flags into a zeroed 512-byte parameter page.
// The native ATA and SATL-wrapped layouts differ in two places: the enhanced-erase bit moves
// from byte 0 bit 1 to byte 0 bit 0, and the master password identifier is big-endian. Copying
// one form into the other corrupts those fields, so there is exactly one serializer with a
// format flag and no conversion path.
//
// setPassword and eraseUnit select the command-specific fields: the maximum-security and
// identifier fields only exist on SET PASSWORD, the ZAC zone option only on ERASE UNIT.
func fillPasswordBlock(page []byte, pw *Password, setPassword, eraseUnit, useSAT bool) {
	n := int(pw.Length)
	if n > PasswordMaxLength {
		n = PasswordMaxLength
	}
	copy(page[2:2+PasswordMaxLength], pw.Password[:n])

	if setPassword && pw.MaximumSecurity {
		page[1] |= 0x01 // word 0 bit 8
	}

	// SAT-5 does not describe the ZAC zone option; only set it on the native page.
	if eraseUnit && pw.EraseFullZones && !useSAT {
		page[0] |= 0x04
	}

	if pw.Type == PasswordMaster {
		page[0] |= 0x01

		if setPassword {
			if useSAT {
				utils.PutBE16(page[34:36], pw.MasterIdentifier)
			} else {
				utils.PutLE16(page[34:36], pw.MasterIdentifier)
			}
		}
	}
}

// fillEraseType sets the erase mode bit. The SATL page puts enhanced erase at byte 0 bit 0
// where the native page has it at bit 1; translators have shipped with this wrong, so keep the
// two paths visibly separate.
func fillEraseType(page []byte, t EraseType, useSAT bool) {
	if t != EraseEnhanced {
		return
	}

	if useSAT {
		page[0] |= 0x01
	} else {
		page[0] |= 0x02
	}
}

// zeroPage scrubs a parameter page holding password material before it is released.
func zeroPage(page []byte) {
	for i := range page {
		page[i] = 0
	}
}
