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
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// parseHex parses Intel HEX. Contiguous data records are merged into
// one segment, any discontinuity starts a new one.
func parseHex(path string, hexData []byte) (*Image, error) {
	img := &Image{Path: path, Symbols: map[string]Symbol{}}
	var segs []Segment
	var cur *Segment
	var base uint32
	eof := false
	scanner := bufio.NewScanner(bytes.NewReader(hexData))
	lineNo := 0
	for !eof && scanner.Scan() {
		lineNo++
		l := bytes.TrimSpace(scanner.Bytes())
		if len(l) == 0 {
			continue
		}
		if l[0] != ':' {
			return nil, parseErrorf(path, "line %d: invalid start of the line", lineNo)
		}
		if len(l) < 11 || len(l)%2 != 1 {
			return nil, parseErrorf(path, "line %d: too short (%d)", lineNo, len(l))
		}
		ld := make([]byte, hex.DecodedLen(len(l)-1))
		if _, err := hex.Decode(ld, l[1:]); err != nil {
			return nil, parseErrorf(path, "line %d: error decoding record body", lineNo)
		}
		recLen := int(ld[0])
		if len(ld) != 4+recLen+1 {
			return nil, parseErrorf(path, "line %d: invalid length %d", lineNo, len(ld))
		}
		cs := uint8(0)
		for _, b := range ld {
			cs += b
		}
		if cs != 0 {
			return nil, parseErrorf(path, "line %d: invalid checksum", lineNo)
		}
		recOffset := binary.BigEndian.Uint16(ld[1:3])
		recType := ld[3]
		rec := ld[4 : 4+recLen]
		switch recType {
		case 0: // Data
			addr := base + uint32(recOffset)
			if cur == nil || uint64(addr) != cur.End() {
				segs = append(segs, Segment{Addr: addr})
				cur = &segs[len(segs)-1]
			}
			cur.Data = append(cur.Data, rec...)
		case 1: // EOF
			eof = true
		case 2: // Extended segment address
			if recLen != 2 {
				return nil, parseErrorf(path, "line %d: invalid extended segment address", lineNo)
			}
			base = uint32(binary.BigEndian.Uint16(rec)) << 4
		case 3: // Start segment address (CS:IP)
			if recLen != 4 {
				return nil, parseErrorf(path, "line %d: invalid start segment address", lineNo)
			}
			img.Entry = uint32(binary.BigEndian.Uint16(rec))<<4 | uint32(binary.BigEndian.Uint16(rec[2:]))
		case 4: // Extended linear address
			if recLen != 2 {
				return nil, parseErrorf(path, "line %d: invalid extended linear address", lineNo)
			}
			base = uint32(binary.BigEndian.Uint16(rec)) << 16
		case 5: // Start linear address
			if recLen != 4 {
				return nil, parseErrorf(path, "line %d: invalid start linear address", lineNo)
			}
			img.Entry = binary.BigEndian.Uint32(rec)
		default:
			return nil, parseErrorf(path, "line %d: unsupported record type (%d)", lineNo, recType)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, parseErrorf(path, "line %d: %s", lineNo, err)
	}
	if !eof {
		return nil, parseErrorf(path, "unexpected end of data")
	}
	if err := img.setSegments(segs); err != nil {
		return nil, err
	}
	return img, nil
}
