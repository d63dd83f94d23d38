// Copyright 2017-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package device

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestStructSizes(t *testing.T) {
	assert := assert.New(t)

	// Kernel ABI structs must match the C definitions exactly.
	assert.Equal(uintptr(88), unsafe.Sizeof(sgIoHdr{}))
	assert.Equal(uintptr(72), unsafe.Sizeof(nvmePassthruCommand{}))
}

func TestATACmdResultHelpers(t *testing.T) {
	assert := assert.New(t)

	var cmd ATACmd
	assert.False(cmd.Failed())
	assert.False(cmd.Aborted())

	cmd.RStatus = ATAStatusErr
	cmd.RError = ATAErrorAbort
	assert.True(cmd.Failed())
	assert.True(cmd.Aborted())

	cmd.RError = 0x10 // IDNF, not an abort
	assert.True(cmd.Failed())
	assert.False(cmd.Aborted())
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ATA", ClassATA.String())
	assert.Equal(t, "SCSI", ClassSCSI.String())
	assert.Equal(t, "NVMe", ClassNVMe.String())
}
