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

// Package defmt decodes the binary log frames written by the firmware.
package defmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Decoder turns a byte stream into records. Bytes are fed as they arrive,
// records come out in stream order regardless of how the stream was split.
// A Decoder is bound to one session and is not safe for concurrent use.
type Decoder struct {
	table *Table
	buf   []byte
	// Set while dropping bytes that do not start a frame. The run has
	// already been reported with one MalformedFrame record.
	resyncing bool
}

func NewDecoder(t *Table) *Decoder {
	return &Decoder{table: t}
}

// Feed appends bytes to the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// FeedAll feeds p and returns all records that became complete.
func (d *Decoder) FeedAll(p []byte) []*Record {
	d.Feed(p)
	var res []*Record
	for {
		r, ok := d.Next()
		if !ok {
			return res
		}
		res = append(res, r)
	}
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// Next returns the next record, or false if more bytes are needed.
func (d *Decoder) Next() (*Record, bool) {
	for len(d.buf) > 0 {
		if d.buf[0] != frameMagic {
			skip := bytes.IndexByte(d.buf, frameMagic)
			if skip < 0 {
				skip = len(d.buf)
			}
			d.consume(skip)
			if r := d.startResync(fmt.Sprintf("skipped %d bytes without a frame header", skip)); r != nil {
				return r, true
			}
			continue
		}
		if len(d.buf) < headerLen {
			return nil, false
		}
		n, ok := plausibleHeader(d.buf)
		if !ok {
			d.consume(1)
			if r := d.startResync(fmt.Sprintf("invalid frame header % x", d.buf[:min(3, len(d.buf))])); r != nil {
				return r, true
			}
			continue
		}
		if len(d.buf) < headerLen+n {
			return nil, false
		}
		body := d.buf[headerLen : headerLen+n]
		r, err := d.decodeBody(body)
		if d.resyncing && err != nil {
			// A header-like byte sequence inside garbage, keep scanning.
			// Frames that decode are accepted even with an unknown index.
			d.consume(1)
			continue
		}
		d.consume(headerLen + n)
		d.resyncing = false
		if err != nil {
			glog.V(1).Infof("malformed frame: %s", err)
			return &Record{
				Level:   LevelWarn,
				Message: fmt.Sprintf("malformed frame (%d bytes): %s", headerLen+n, err),
				Anomaly: AnomalyMalformedFrame,
			}, true
		}
		return r, true
	}
	return nil, false
}

func (d *Decoder) startResync(reason string) *Record {
	if d.resyncing {
		return nil
	}
	d.resyncing = true
	glog.V(1).Infof("resynchronizing: %s", reason)
	return &Record{
		Level:   LevelWarn,
		Message: "malformed frame: " + reason,
		Anomaly: AnomalyMalformedFrame,
	}
}

func (d *Decoder) decodeBody(body []byte) (*Record, error) {
	index := binary.LittleEndian.Uint16(body)
	ts := binary.LittleEndian.Uint32(body[2:])
	args, err := d.decodeArgs(body[minBodyLen:])
	if err != nil {
		return nil, errors.Annotatef(err, "format %d", index)
	}
	r := &Record{Index: index, Timestamp: ts}
	e, ok := d.table.Lookup(index)
	if !ok {
		r.Level = LevelWarn
		r.Anomaly = AnomalyUnknownFormatIndex
		r.Message = fmt.Sprintf("<unknown format index %d>", index)
		if len(args) > 0 {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = renderArg(a, "?")
			}
			r.Message += " " + strings.Join(parts, ", ")
		}
		return r, nil
	}
	r.Level = e.Level
	r.Message = Render(e.Format, args)
	r.File = e.File
	r.Line = e.Line
	return r, nil
}

type argReader struct {
	b   []byte
	off int
}

func (ar *argReader) take(n int) ([]byte, error) {
	if len(ar.b)-ar.off < n {
		return nil, errors.Errorf("truncated argument at offset %d", ar.off)
	}
	res := ar.b[ar.off : ar.off+n]
	ar.off += n
	return res, nil
}

func (ar *argReader) takeVar() ([]byte, error) {
	lb, err := ar.take(2)
	if err != nil {
		return nil, err
	}
	return ar.take(int(binary.LittleEndian.Uint16(lb)))
}

func (d *Decoder) decodeArgs(b []byte) ([]interface{}, error) {
	le := binary.LittleEndian
	ar := &argReader{b: b}
	var args []interface{}
	for ar.off < len(b) {
		tagOff := ar.off
		tag := Tag(b[ar.off])
		ar.off++
		var v interface{}
		var p []byte
		var err error
		switch tag {
		case TagU8, TagI8, TagBool:
			p, err = ar.take(1)
		case TagU16, TagI16, TagInterned:
			p, err = ar.take(2)
		case TagU32, TagI32, TagF32, TagChar:
			p, err = ar.take(4)
		case TagU64, TagI64, TagF64:
			p, err = ar.take(8)
		case TagStr, TagBytes:
			p, err = ar.takeVar()
		default:
			return nil, errors.Errorf("invalid tag 0x%02x at offset %d", uint8(tag), tagOff)
		}
		if err != nil {
			return nil, err
		}
		switch tag {
		case TagU8:
			v = p[0]
		case TagU16:
			v = le.Uint16(p)
		case TagU32:
			v = le.Uint32(p)
		case TagU64:
			v = le.Uint64(p)
		case TagI8:
			v = int8(p[0])
		case TagI16:
			v = int16(le.Uint16(p))
		case TagI32:
			v = int32(le.Uint32(p))
		case TagI64:
			v = int64(le.Uint64(p))
		case TagF32:
			v = math.Float32frombits(le.Uint32(p))
		case TagF64:
			v = math.Float64frombits(le.Uint64(p))
		case TagBool:
			if p[0] > 1 {
				return nil, errors.Errorf("invalid bool 0x%02x at offset %d", p[0], tagOff)
			}
			v = p[0] == 1
		case TagStr:
			v = strings.ToValidUTF8(string(p), "�")
		case TagBytes:
			v = append([]byte(nil), p...)
		case TagChar:
			v = Char(le.Uint32(p))
		case TagInterned:
			idx := le.Uint16(p)
			if e, ok := d.table.Lookup(idx); ok {
				v = e.Format
			} else {
				v = fmt.Sprintf("<unknown string %d>", idx)
			}
		}
		args = append(args, v)
	}
	return args, nil
}
