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
package memap

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"
)

// ToWords packs data into little-endian words, padding the tail with pad.
func ToWords(data []byte, pad byte) []uint32 {
	n := (len(data) + 3) / 4
	buf := make([]byte, n*4)
	copy(buf, data)
	for i := len(data); i < len(buf); i++ {
		buf[i] = pad
	}
	res := make([]uint32, n)
	for i := range res {
		res[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return res
}

func fromWords(words []uint32) []byte {
	res := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(res[i*4:], w)
	}
	return res
}

// span returns the word-aligned range covering [addr, addr+n).
func span(addr uint32, n int) (uint32, int) {
	start := addr &^ 3
	end := (uint64(addr) + uint64(n) + 3) &^ 3
	return start, int((end - uint64(start)) / 4)
}

// ReadBytes reads an arbitrary byte range using word accesses.
func ReadBytes(ctx context.Context, m WordMemory, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	start, nw := span(addr, n)
	words, err := m.ReadWords(ctx, start, nw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	off := int(addr - start)
	return fromWords(words)[off : off+n], nil
}

// WriteBytes writes an arbitrary byte range. Partially covered words at the
// edges are read first so the bytes outside the range are preserved.
func WriteBytes(ctx context.Context, m WordMemory, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	start, nw := span(addr, len(data))
	off := int(addr - start)
	if off == 0 && len(data)%4 == 0 {
		return errors.Trace(m.WriteWords(ctx, start, ToWords(data, 0)))
	}
	buf := make([]byte, nw*4)
	if off != 0 {
		w, err := m.ReadWord(ctx, start)
		if err != nil {
			return errors.Trace(err)
		}
		binary.LittleEndian.PutUint32(buf, w)
	}
	if tail := start + uint32(nw-1)*4; (off+len(data))%4 != 0 && (tail != start || off == 0) {
		w, err := m.ReadWord(ctx, tail)
		if err != nil {
			return errors.Trace(err)
		}
		binary.LittleEndian.PutUint32(buf[len(buf)-4:], w)
	}
	copy(buf[off:], data)
	return errors.Trace(m.WriteWords(ctx, start, ToWords(buf, 0)))
}
