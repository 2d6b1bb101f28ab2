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

// Package chip describes memory layout of the supported targets.
package chip

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
)

type Sector struct {
	Index int
	Addr  uint32
	Size  uint32
}

func (s Sector) End() uint32 {
	return s.Addr + s.Size
}

type Chip struct {
	Name string
	Core string

	FlashBase uint32
	FlashSize uint32
	Sectors   []Sector
	// PageSize is the program chunk used by the loader, WriteSize is the
	// minimum programming unit. Chunks are padded to WriteSize with ErasedByte.
	PageSize   uint32
	WriteSize  uint32
	ErasedByte byte

	RAMBase uint32
	RAMSize uint32
}

func (c *Chip) String() string {
	return fmt.Sprintf("%s (%s, %dK flash @ 0x%08x, %dK RAM @ 0x%08x)",
		c.Name, c.Core, c.FlashSize/1024, c.FlashBase, c.RAMSize/1024, c.RAMBase)
}

func (c *Chip) InFlash(addr uint32) bool {
	return addr >= c.FlashBase && addr-c.FlashBase < c.FlashSize
}

func (c *Chip) InRAM(addr uint32) bool {
	return addr >= c.RAMBase && addr-c.RAMBase < c.RAMSize
}

// SectorsOverlapping returns sectors intersecting [addr, addr+size), in address order.
func (c *Chip) SectorsOverlapping(addr, size uint32) []Sector {
	if size == 0 {
		return nil
	}
	end := uint64(addr) + uint64(size)
	var res []Sector
	for _, s := range c.Sectors {
		if uint64(s.Addr) < end && uint64(s.End()) > uint64(addr) {
			res = append(res, s)
		}
	}
	return res
}

// SectorAt returns the sector containing addr.
func (c *Chip) SectorAt(addr uint32) (Sector, bool) {
	i := sort.Search(len(c.Sectors), func(i int) bool { return c.Sectors[i].End() > addr })
	if i < len(c.Sectors) && c.Sectors[i].Addr <= addr {
		return c.Sectors[i], true
	}
	return Sector{}, false
}

// stm32f4Sectors returns the sector map of an STM32F4 single-bank flash:
// 4 x 16K, 1 x 64K, then 128K sectors up to size.
func stm32f4Sectors(base, size uint32) []Sector {
	var ss []Sector
	addr := base
	for i := 0; addr < base+size; i++ {
		sz := uint32(128 * 1024)
		switch {
		case i < 4:
			sz = 16 * 1024
		case i == 4:
			sz = 64 * 1024
		}
		ss = append(ss, Sector{Index: i, Addr: addr, Size: sz})
		addr += sz
	}
	return ss
}

func stm32f4(name string, flashK, ramK uint32) *Chip {
	return &Chip{
		Name:       name,
		Core:       "Cortex-M4F",
		FlashBase:  0x08000000,
		FlashSize:  flashK * 1024,
		Sectors:    stm32f4Sectors(0x08000000, flashK*1024),
		PageSize:   1024,
		WriteSize:  4,
		ErasedByte: 0xff,
		RAMBase:    0x20000000,
		RAMSize:    ramK * 1024,
	}
}

var chips = []*Chip{
	stm32f4("STM32F401CB", 128, 64),
	stm32f4("STM32F401CC", 256, 64),
	stm32f4("STM32F401CD", 384, 96),
	stm32f4("STM32F401CE", 512, 96),
	stm32f4("STM32F401RE", 512, 96),
	stm32f4("STM32F411CE", 512, 128),
	stm32f4("STM32F411RE", 512, 128),
}

// Lookup finds a chip by name. Package and temperature suffixes are ignored,
// so STM32F401CCUx and STM32F401CCU6 both resolve to STM32F401CC.
func Lookup(name string) (*Chip, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return nil, errors.Errorf("chip name is empty")
	}
	for _, c := range chips {
		if strings.HasPrefix(n, c.Name) {
			return c, nil
		}
	}
	return nil, errors.NotFoundf("chip %q", name)
}

// Names returns names of all known chips.
func Names() []string {
	var res []string
	for _, c := range chips {
		res = append(res, c.Name)
	}
	return res
}
