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
	"encoding/binary"
	"math"

	"github.com/juju/errors"
)

// Frame layout, little-endian:
//
//	header: 0xDF len_lo len_hi check, check = ^(0xDF ^ len_lo ^ len_hi)
//	body:   index:u16 timestamp:u32 arg*, len(body) = len
//	arg:    tag:u8 payload
const (
	frameMagic     = 0xdf
	headerLen      = 4
	minBodyLen     = 6
	MaxFrameLen    = 4096
	maxVarArgBytes = 0xffff
)

type Tag uint8

const (
	TagU8       Tag = 0x01
	TagU16      Tag = 0x02
	TagU32      Tag = 0x03
	TagU64      Tag = 0x04
	TagI8       Tag = 0x05
	TagI16      Tag = 0x06
	TagI32      Tag = 0x07
	TagI64      Tag = 0x08
	TagF32      Tag = 0x09
	TagF64      Tag = 0x0a
	TagBool     Tag = 0x0b
	TagStr      Tag = 0x0c
	TagBytes    Tag = 0x0d
	TagChar     Tag = 0x0e
	TagInterned Tag = 0x0f
)

// Char is a Unicode scalar value argument.
type Char rune

// Interned is a string argument passed by its format table index.
type Interned uint16

func headerCheck(lo, hi byte) byte {
	return ^(frameMagic ^ lo ^ hi)
}

// plausibleHeader reports whether h starts with a well-formed header and
// returns the body length.
func plausibleHeader(h []byte) (int, bool) {
	if len(h) < headerLen || h[0] != frameMagic || h[3] != headerCheck(h[1], h[2]) {
		return 0, false
	}
	n := int(binary.LittleEndian.Uint16(h[1:3]))
	return n, n >= minBodyLen && n <= MaxFrameLen
}

// AppendFrame encodes a frame and appends it to dst.
func AppendFrame(dst []byte, index uint16, ts uint32, args ...interface{}) ([]byte, error) {
	body := make([]byte, 6, 32)
	binary.LittleEndian.PutUint16(body, index)
	binary.LittleEndian.PutUint32(body[2:], ts)
	for i, a := range args {
		var err error
		if body, err = appendArg(body, a); err != nil {
			return nil, errors.Annotatef(err, "arg %d", i)
		}
	}
	if len(body) > MaxFrameLen {
		return nil, errors.Errorf("frame is too long (%d)", len(body))
	}
	lo, hi := byte(len(body)), byte(len(body)>>8)
	dst = append(dst, frameMagic, lo, hi, headerCheck(lo, hi))
	return append(dst, body...), nil
}

func appendArg(b []byte, a interface{}) ([]byte, error) {
	le := binary.LittleEndian
	switch v := a.(type) {
	case uint8:
		return append(b, byte(TagU8), v), nil
	case uint16:
		return le.AppendUint16(append(b, byte(TagU16)), v), nil
	case uint32:
		return le.AppendUint32(append(b, byte(TagU32)), v), nil
	case uint64:
		return le.AppendUint64(append(b, byte(TagU64)), v), nil
	case int8:
		return append(b, byte(TagI8), byte(v)), nil
	case int16:
		return le.AppendUint16(append(b, byte(TagI16)), uint16(v)), nil
	case int32:
		return le.AppendUint32(append(b, byte(TagI32)), uint32(v)), nil
	case int64:
		return le.AppendUint64(append(b, byte(TagI64)), uint64(v)), nil
	case float32:
		return le.AppendUint32(append(b, byte(TagF32)), math.Float32bits(v)), nil
	case float64:
		return le.AppendUint64(append(b, byte(TagF64)), math.Float64bits(v)), nil
	case bool:
		bv := byte(0)
		if v {
			bv = 1
		}
		return append(b, byte(TagBool), bv), nil
	case string:
		if len(v) > maxVarArgBytes {
			return nil, errors.Errorf("string is too long (%d)", len(v))
		}
		return append(le.AppendUint16(append(b, byte(TagStr)), uint16(len(v))), v...), nil
	case []byte:
		if len(v) > maxVarArgBytes {
			return nil, errors.Errorf("byte slice is too long (%d)", len(v))
		}
		return append(le.AppendUint16(append(b, byte(TagBytes)), uint16(len(v))), v...), nil
	case Char:
		return le.AppendUint32(append(b, byte(TagChar)), uint32(v)), nil
	case Interned:
		return le.AppendUint16(append(b, byte(TagInterned)), uint16(v)), nil
	}
	return nil, errors.Errorf("unsupported argument type %T", a)
}
