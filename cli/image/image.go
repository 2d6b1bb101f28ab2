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

// Package image loads firmware images: ELF executables and Intel HEX files.
package image

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Segment is a contiguous range of bytes to be placed at Addr.
type Segment struct {
	Addr uint32
	Data []byte
}

func (s Segment) End() uint64 {
	return uint64(s.Addr) + uint64(len(s.Data))
}

type Symbol struct {
	Name    string
	Addr    uint32
	Size    uint32
	Section string
}

// Image is immutable once loaded. Segments are sorted by address and do not overlap.
type Image struct {
	Path     string
	Segments []Segment
	Entry    uint32
	Symbols  map[string]Symbol
	// Symbols of the .defmt section, which carry the log format table.
	Defmt []Symbol
}

// ParseError is the cause of every image parsing failure.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func parseErrorf(path, f string, args ...interface{}) error {
	return errors.Trace(&ParseError{Path: path, Reason: fmt.Sprintf(f, args...)})
}

// IsParseError reports whether err was caused by a malformed image.
func IsParseError(err error) bool {
	_, ok := errors.Cause(err).(*ParseError)
	return ok
}

func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, parseErrorf(path, "%s", err)
	}
	return Parse(path, data)
}

// Parse detects the format of data and parses it.
func Parse(path string, data []byte) (*Image, error) {
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return parseELF(path, data)
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte(":")):
		return parseHex(path, data)
	}
	return nil, parseErrorf(path, "unknown image format")
}

// New builds an image from segments.
func New(path string, entry uint32, segs ...Segment) (*Image, error) {
	img := &Image{
		Path:    path,
		Entry:   entry,
		Symbols: map[string]Symbol{},
	}
	if err := img.setSegments(segs); err != nil {
		return nil, errors.Trace(err)
	}
	return img, nil
}

func (img *Image) setSegments(segs []Segment) error {
	segs = lo.Filter(segs, func(s Segment, _ int) bool { return len(s.Data) > 0 })
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	for i, s := range segs {
		if s.End() > 1<<32 {
			return parseErrorf(img.Path, "segment @ 0x%08x (%d) wraps around", s.Addr, len(s.Data))
		}
		if i > 0 && segs[i-1].End() > uint64(s.Addr) {
			return parseErrorf(img.Path, "segments @ 0x%08x and 0x%08x overlap", segs[i-1].Addr, s.Addr)
		}
	}
	if len(segs) == 0 {
		return parseErrorf(img.Path, "no loadable data")
	}
	img.Segments = segs
	return nil
}

func (img *Image) Symbol(name string) (Symbol, bool) {
	s, ok := img.Symbols[name]
	return s, ok
}

// Size returns the total number of bytes to load.
func (img *Image) Size() int {
	return lo.SumBy(img.Segments, func(s Segment) int { return len(s.Data) })
}

func (img *Image) String() string {
	return fmt.Sprintf("%s (%d segments, %d bytes, entry 0x%08x)", img.Path, len(img.Segments), img.Size(), img.Entry)
}
