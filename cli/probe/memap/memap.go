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

// Package memap accesses target memory through an ADIv5 MEM-AP.
package memap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/probe/dp"
)

type Reg uint8

const (
	CSW  Reg = 0x00
	TAR  Reg = 0x04
	DRW  Reg = 0x0c
	BASE Reg = 0xf8
	IDR  Reg = 0xfc
)

const (
	cswDeviceEn = 0x40
	// Debug SW access, 32-bit size, single address increment.
	cswWordIncr = 0x23000052
	// TAR autoincrement is only guaranteed within a 1K block.
	autoIncrBlock = 0x400
)

// WordMemory is word-granular target memory access.
type WordMemory interface {
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	ReadWords(ctx context.Context, addr uint32, n int) ([]uint32, error)
	WriteWord(ctx context.Context, addr uint32, value uint32) error
	WriteWords(ctx context.Context, addr uint32, data []uint32) error
}

type Client interface {
	WordMemory

	Init(ctx context.Context) error
}

type client struct {
	dpc   dp.Client
	apSel uint8
}

func NewClient(dpc dp.Client, apSel uint8) Client {
	return &client{dpc: dpc, apSel: apSel}
}

func (mapc *client) readReg(ctx context.Context, reg Reg) (uint32, error) {
	value, err := mapc.dpc.ReadAPReg(ctx, mapc.apSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, errors.Trace(err)
}

func (mapc *client) writeReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(mapc.dpc.WriteAPReg(ctx, mapc.apSel, uint8(reg), value))
}

func (mapc *client) Init(ctx context.Context) error {
	idr, err := mapc.readReg(ctx, IDR)
	if err != nil {
		return errors.Annotatef(err, "failed to read AP IDR")
	}
	if idr == 0 {
		return errors.Errorf("no AP at index %d", mapc.apSel)
	}
	csw, err := mapc.readReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return errors.Errorf("MEM-AP is disabled")
	}
	glog.V(1).Infof("AP %d: IDR 0x%08x CSW 0x%08x", mapc.apSel, idr, csw)
	return mapc.writeReg(ctx, CSW, cswWordIncr)
}

func (mapc *client) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if err := mapc.writeReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := mapc.readReg(ctx, DRW)
	glog.V(4).Infof("ReadWord(0x%08x) == 0x%08x", addr, value)
	return value, errors.Trace(err)
}

func (mapc *client) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	glog.V(4).Infof("WriteWord(0x%08x, 0x%08x)", addr, value)
	if err := mapc.writeReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	return mapc.writeReg(ctx, DRW, value)
}

// blockLen is the number of words that can be transferred from addr
// without crossing an autoincrement boundary.
func blockLen(addr uint32, remaining int) int {
	n := int((autoIncrBlock - addr%autoIncrBlock) / 4)
	if n > remaining {
		n = remaining
	}
	return n
}

func (mapc *client) ReadWords(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	glog.V(4).Infof("ReadWords(0x%08x, %d)", addr, n)
	if addr%4 != 0 {
		return nil, errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	res := make([]uint32, 0, n)
	for len(res) < n {
		if err := mapc.writeReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		bl := blockLen(addr, n-len(res))
		values, err := mapc.dpc.ReadAPRegMulti(ctx, mapc.apSel, uint8(DRW), bl)
		if err != nil {
			return nil, errors.Annotatef(err, "read @ 0x%08x", addr)
		}
		res = append(res, values...)
		addr += uint32(bl * 4)
	}
	return res, nil
}

func (mapc *client) WriteWords(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteWords(0x%08x, %d)", addr, len(data))
	if addr%4 != 0 {
		return errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	for len(data) > 0 {
		if err := mapc.writeReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		bl := blockLen(addr, len(data))
		if err := mapc.dpc.WriteAPRegMulti(ctx, mapc.apSel, uint8(DRW), data[:bl]); err != nil {
			return errors.Annotatef(err, "write @ 0x%08x", addr)
		}
		data = data[bl:]
		addr += uint32(bl * 4)
	}
	return nil
}

func (r Reg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
