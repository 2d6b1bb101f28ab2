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
package logsource

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/probe"
)

// SEGGER RTT control block layout.
const (
	rttSymbol        = "_SEGGER_RTT"
	rttIDLen         = 16
	rttUpDescOffset  = rttIDLen + 8
	rttDescSize      = 24
	rttDescBufferOff = 4
	rttDescSizeOff   = 8
	rttDescWrOffOff  = 12
	rttDescRdOffOff  = 16

	rttScanChunk = 4096
)

var rttID = []byte("SEGGER RTT\x00")

// RTT reads an up channel of the SEGGER RTT control block through the probe.
// The control block is set up by the firmware after reset, so until it is
// valid Read returns no data and no error.
type RTT struct {
	sess    probe.Session
	img     *image.Image
	channel int
	maxRead int

	cbAddr   uint32
	descAddr uint32
	bufAddr  uint32
	bufSize  uint32
	// Set after the first read with valid offsets. RAM survives a reset, so
	// until then the block may be a stale one from the previous run.
	settled bool
}

func NewRTT(sess probe.Session, img *image.Image, channel, maxRead int) *RTT {
	if maxRead <= 0 {
		maxRead = DefaultMaxRead
	}
	return &RTT{sess: sess, img: img, channel: channel, maxRead: maxRead}
}

// Attached reports whether the control block has been found and validated.
func (r *RTT) Attached() bool {
	return r.bufSize > 0
}

func (r *RTT) ControlBlockAddr() uint32 {
	return r.cbAddr
}

func (r *RTT) findControlBlock(ctx context.Context) (uint32, error) {
	if r.img != nil {
		if s, ok := r.img.Symbol(rttSymbol); ok {
			return s.Addr, nil
		}
	}
	c := r.sess.Chip()
	if c == nil || c.RAMSize == 0 {
		return 0, errors.NotFoundf("%s symbol", rttSymbol)
	}
	glog.V(1).Infof("no %s symbol, scanning RAM @ 0x%08x", rttSymbol, c.RAMBase)
	// Chunks overlap by the id length so an id across a boundary is found.
	for off := uint32(0); off < c.RAMSize; off += rttScanChunk - uint32(len(rttID)) {
		n := rttScanChunk
		if rem := int(c.RAMSize - off); rem < n {
			n = rem
		}
		data, err := r.sess.ReadMemory(ctx, c.RAMBase+off, n)
		if err != nil {
			return 0, errors.Annotatef(err, "failed to scan RAM")
		}
		if i := bytes.Index(data, rttID); i >= 0 && (c.RAMBase+off+uint32(i))%4 == 0 {
			return c.RAMBase + off + uint32(i), nil
		}
		if n < rttScanChunk {
			break
		}
	}
	return 0, nil
}

// attach validates the control block and caches the channel descriptor.
func (r *RTT) attach(ctx context.Context) (bool, error) {
	if r.cbAddr == 0 {
		addr, err := r.findControlBlock(ctx)
		if err != nil || addr == 0 {
			return false, errors.Trace(err)
		}
		r.cbAddr = addr
	}
	hdrLen := rttUpDescOffset + rttDescSize*(r.channel+1)
	hdr, err := r.sess.ReadMemory(ctx, r.cbAddr, hdrLen)
	if err != nil {
		return false, errors.Annotatef(err, "failed to read RTT control block")
	}
	if !bytes.HasPrefix(hdr, rttID) {
		return false, nil
	}
	le := binary.LittleEndian
	maxUp := int(le.Uint32(hdr[rttIDLen:]))
	if r.channel >= maxUp {
		return false, errors.Errorf("RTT up channel %d does not exist (%d channels)", r.channel, maxUp)
	}
	desc := hdr[rttUpDescOffset+rttDescSize*r.channel:]
	bufAddr := le.Uint32(desc[rttDescBufferOff:])
	size := le.Uint32(desc[rttDescSizeOff:])
	if bufAddr == 0 || size == 0 {
		return false, nil
	}
	r.descAddr = r.cbAddr + uint32(rttUpDescOffset+rttDescSize*r.channel)
	r.bufAddr, r.bufSize = bufAddr, size
	glog.Infof("RTT control block @ 0x%08x, up channel %d: %d bytes @ 0x%08x", r.cbAddr, r.channel, size, bufAddr)
	return true, nil
}

func (r *RTT) Read(ctx context.Context) ([]byte, error) {
	if !r.Attached() {
		ok, err := r.attach(ctx)
		if err != nil || !ok {
			return nil, errors.Trace(err)
		}
	}
	offs, err := r.sess.ReadMemory(ctx, r.descAddr+rttDescWrOffOff, 8)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read RTT offsets")
	}
	wr := binary.LittleEndian.Uint32(offs)
	rd := binary.LittleEndian.Uint32(offs[4:])
	if (wr >= r.bufSize || rd >= r.bufSize) && !r.settled {
		glog.V(1).Infof("RTT offsets wr %d rd %d out of %d, waiting for the firmware", wr, rd, r.bufSize)
		r.bufSize = 0
		return nil, nil
	}
	if wr >= r.bufSize || rd >= r.bufSize {
		return nil, errors.Errorf("invalid RTT offsets: wr %d rd %d size %d", wr, rd, r.bufSize)
	}
	r.settled = true
	var res []byte
	for rd != wr && len(res) < r.maxRead {
		end := wr
		if wr < rd {
			end = r.bufSize
		}
		n := int(end - rd)
		if rem := r.maxRead - len(res); n > rem {
			n = rem
		}
		data, err := r.sess.ReadMemory(ctx, r.bufAddr+rd, n)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read RTT buffer")
		}
		res = append(res, data...)
		rd = (rd + uint32(n)) % r.bufSize
	}
	if len(res) == 0 {
		return nil, nil
	}
	rdb := make([]byte, 4)
	binary.LittleEndian.PutUint32(rdb, rd)
	if err := r.sess.WriteMemory(ctx, r.descAddr+rttDescRdOffOff, rdb); err != nil {
		return nil, errors.Annotatef(err, "failed to update RTT read offset")
	}
	glog.V(3).Infof("RTT: %d bytes, rd %d wr %d", len(res), rd, wr)
	return res, nil
}
