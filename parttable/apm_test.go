// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package parttable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/blockops/utils"
)

func buildAPMDisk() *diskImage {
	d := newDiskImage()

	write := func(lba uint64, count uint32, name, typeName string, start, blocks uint32) {
		s := d.sector(lba)
		s[0], s[1] = 'P', 'M'
		utils.PutBE32(s[4:], count)
		utils.PutBE32(s[8:], start)
		utils.PutBE32(s[12:], blocks)
		copy(s[16:48], name)
		copy(s[48:80], typeName)
		utils.PutBE32(s[88:], 0x33) // valid + allocated + readable
	}

	write(1, 3, "Apple", "Apple_partition_map", 1, 3)
	write(2, 3, "Macintosh HD", "Apple_HFS", 64, 100)
	write(3, 3, "Swap", "Apple_UNIX_SVR2", 164, 20)

	return d
}

func TestReadAPM(t *testing.T) {
	assert := assert.New(t)

	table, err := Read(buildAPMDisk().handle())
	require.NoError(t, err)

	require.Equal(t, TypeAPM, table.Type)
	require.Len(t, table.APM.Entries, 3)

	e := table.APM.Entries[1]
	assert.Equal("Macintosh HD", e.Name)
	assert.Equal("Apple_HFS", e.TypeName)
	assert.Equal(uint32(64), e.StartBlock)
	assert.Equal(uint32(100), e.BlockCount)
	assert.Equal(uint32(0x33), e.Status)
}
