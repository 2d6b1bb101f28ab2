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
package image

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/golang/glog"
	"github.com/samber/lo"
)

const defmtSection = ".defmt"

func parseELF(path string, data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, parseErrorf(path, "invalid ELF: %s", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_ARM {
		return nil, parseErrorf(path, "not a 32-bit ARM executable (%s, %s)", f.Class, f.Machine)
	}
	img := &Image{
		Path:    path,
		Entry:   uint32(f.Entry),
		Symbols: map[string]Symbol{},
	}
	// Segments go where they are loaded, not where they run: .data is
	// stored in flash at its LMA and copied to RAM by the startup code.
	loads := lo.Filter(f.Progs, func(p *elf.Prog, _ int) bool {
		return p.Type == elf.PT_LOAD && p.Filesz > 0
	})
	var segs []Segment
	for _, p := range loads {
		d, err := io.ReadAll(p.Open())
		if err != nil || uint64(len(d)) != p.Filesz {
			return nil, parseErrorf(path, "truncated segment @ 0x%08x", p.Paddr)
		}
		glog.V(1).Infof("segment @ 0x%08x (vaddr 0x%08x): %d bytes", p.Paddr, p.Vaddr, len(d))
		segs = append(segs, Segment{Addr: uint32(p.Paddr), Data: d})
	}
	if err := img.setSegments(segs); err != nil {
		return nil, err
	}
	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, parseErrorf(path, "invalid symbol table: %s", err)
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		sym := Symbol{Name: s.Name, Addr: uint32(s.Value), Size: uint32(s.Size)}
		if int(s.Section) < len(f.Sections) {
			sym.Section = f.Sections[s.Section].Name
		}
		if sym.Section == defmtSection {
			img.Defmt = append(img.Defmt, sym)
			continue
		}
		img.Symbols[s.Name] = sym
	}
	glog.Infof("%s: %d symbols, %d format strings", path, len(img.Symbols), len(img.Defmt))
	return img, nil
}
