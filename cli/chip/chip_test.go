//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package chip

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"STM32F401CCUx", "stm32f401ccu6", "STM32F401CC"} {
		c, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, "STM32F401CC", c.Name, name)
	}
	_, err := Lookup("nRF52840_xxAA")
	assert.True(t, errors.IsNotFound(err), "%v", err)
	_, err = Lookup("")
	assert.Error(t, err)
}

func TestSectors(t *testing.T) {
	c, err := Lookup("STM32F401CCUx")
	require.NoError(t, err)
	require.Len(t, c.Sectors, 6)
	assert.Equal(t, Sector{Index: 4, Addr: 0x08010000, Size: 0x10000}, c.Sectors[4])
	assert.Equal(t, Sector{Index: 5, Addr: 0x08020000, Size: 0x20000}, c.Sectors[5])
	assert.Equal(t, c.FlashBase+c.FlashSize, c.Sectors[5].End())

	ss := c.SectorsOverlapping(0x08003ff0, 0x20)
	require.Len(t, ss, 2)
	assert.Equal(t, 0, ss[0].Index)
	assert.Equal(t, 1, ss[1].Index)

	assert.Empty(t, c.SectorsOverlapping(0x08004000, 0))
	assert.Len(t, c.SectorsOverlapping(0x08000000, c.FlashSize), 6)

	s, ok := c.SectorAt(0x0801ffff)
	require.True(t, ok)
	assert.Equal(t, 4, s.Index)
	_, ok = c.SectorAt(0x08040000)
	assert.False(t, ok)

	assert.True(t, c.InFlash(0x0803ffff))
	assert.False(t, c.InFlash(0x08040000))
	assert.True(t, c.InRAM(0x2000fffc))
	assert.False(t, c.InRAM(0x20010000))
}
