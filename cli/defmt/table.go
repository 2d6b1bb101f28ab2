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
package defmt

import (
	"encoding/json"

	"github.com/golang/glog"

	"github.com/mongoose-os/probe-run/cli/image"
)

// Entry is one format string of the firmware.
type Entry struct {
	Tag    string
	Level  Level
	Format string
	File   string
	Line   int
}

// Table maps format indices found in frames to entries.
type Table struct {
	entries map[uint16]Entry
}

func NewTable(entries map[uint16]Entry) *Table {
	t := &Table{entries: map[uint16]Entry{}}
	for i, e := range entries {
		t.entries[i] = e
	}
	return t
}

func (t *Table) Lookup(index uint16) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[index]
	return e, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// symbolName is the JSON stored in the names of .defmt symbols.
// The symbol value is the format index.
type symbolName struct {
	Tag  string `json:"tag"`
	Data string `json:"data"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// TableFromImage builds the format table from the .defmt symbols of img.
// Symbols with names that do not parse are skipped.
func TableFromImage(img *image.Image) *Table {
	t := &Table{entries: map[uint16]Entry{}}
	for _, s := range img.Defmt {
		var sn symbolName
		if err := json.Unmarshal([]byte(s.Name), &sn); err != nil {
			glog.V(1).Infof("skipping .defmt symbol %q: %s", s.Name, err)
			continue
		}
		if s.Addr > 0xffff {
			glog.V(1).Infof("skipping .defmt symbol %q: index %d is out of range", s.Name, s.Addr)
			continue
		}
		t.entries[uint16(s.Addr)] = Entry{
			Tag:    sn.Tag,
			Level:  levelFromTag(sn.Tag),
			Format: sn.Data,
			File:   sn.File,
			Line:   sn.Line,
		}
	}
	glog.V(1).Infof("format table: %d entries", len(t.entries))
	return t
}
