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

// Package dp accesses the ARM ADIv5 Debug Port over a CMSIS-DAP probe.
package dp

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/probe/dap"
)

type Reg uint8

const (
	// IDR on read, ABORT on write.
	IDR      Reg = 0x00
	ABORT    Reg = 0x00
	CTRLSTAT Reg = 0x04
	SELECT   Reg = 0x08
	RDBUFF   Reg = 0x0c
)

const (
	ctrlCDbgPwrUpReq = 1 << 28
	ctrlCDbgPwrUpAck = 1 << 29
	ctrlCSysPwrUpReq = 1 << 30
	ctrlCSysPwrUpAck = 1 << 31

	// STKCMPCLR | STKERRCLR | WDERRCLR | ORUNERRCLR
	abortClearAll = 0x1e

	maxPowerUpPolls = 100
)

type Client interface {
	Init(ctx context.Context) (IDRValue, error)
	ClearErrors(ctx context.Context) error
	ReadDPReg(ctx context.Context, reg Reg) (uint32, error)
	WriteDPReg(ctx context.Context, reg Reg, value uint32) error
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
}

func NewClient(dapc dap.Client) Client {
	return &client{dapc: dapc}
}

type client struct {
	dapc dap.Client

	// Cached value of SELECT, saves a write per AP access.
	selectValue uint32
}

func (dpc *client) readReg(ctx context.Context, reg uint8, ap bool) (uint32, error) {
	data, err := dpc.dapc.Transfer(ctx, []dap.TransferRequest{
		{Op: dap.OpRead, AP: ap, Reg: reg},
	})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read reg 0x%x (ap %t)", reg, ap)
	}
	if len(data) != 1 {
		return 0, errors.Errorf("expected 1 value, got %d", len(data))
	}
	return data[0], nil
}

func (dpc *client) writeReg(ctx context.Context, reg uint8, ap bool, value uint32) error {
	_, err := dpc.dapc.Transfer(ctx, []dap.TransferRequest{
		{Op: dap.OpWrite, AP: ap, Reg: reg, Data: value},
	})
	return errors.Annotatef(err, "failed to write reg 0x%x (ap %t)", reg, ap)
}

func (dpc *client) ReadDPReg(ctx context.Context, reg Reg) (uint32, error) {
	value, err := dpc.readReg(ctx, uint8(reg), false /* ap */)
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, err
}

func (dpc *client) WriteDPReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(dpc.writeReg(ctx, uint8(reg), false /* ap */, value))
}

// Init reads the DP ID, resets AP selection, clears sticky errors and
// powers up the debug and system domains.
func (dpc *client) Init(ctx context.Context) (IDRValue, error) {
	v, err := dpc.ReadDPReg(ctx, IDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DP ID")
	}
	idr := IDRValue(v)
	glog.V(1).Infof("DPIDR: 0x%08x (%s)", v, idr)
	if err := dpc.ClearErrors(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := dpc.WriteDPReg(ctx, SELECT, 0); err != nil {
		return 0, errors.Trace(err)
	}
	dpc.selectValue = 0
	if err := dpc.powerUp(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	return idr, nil
}

func (dpc *client) ClearErrors(ctx context.Context) error {
	return errors.Annotatef(dpc.WriteDPReg(ctx, ABORT, abortClearAll), "failed to clear errors")
}

func (dpc *client) powerUp(ctx context.Context) error {
	const req = ctrlCDbgPwrUpReq | ctrlCSysPwrUpReq
	const ack = ctrlCDbgPwrUpAck | ctrlCSysPwrUpAck
	if err := dpc.WriteDPReg(ctx, CTRLSTAT, req); err != nil {
		return errors.Annotatef(err, "failed to request power up")
	}
	for i := 0; i < maxPowerUpPolls; i++ {
		st, err := dpc.ReadDPReg(ctx, CTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read CTRL/STAT")
		}
		if st&ack == ack {
			return nil
		}
	}
	return errors.Errorf("debug power up not acknowledged")
}

func (dpc *client) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (dpc.selectValue & 0x00ffff0f) | (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
	if sv == dpc.selectValue {
		return nil
	}
	if err := dpc.WriteDPReg(ctx, SELECT, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	dpc.selectValue = sv
	return nil
}

func (dpc *client) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	return dpc.readReg(ctx, apReg%16, true /* ap */)
}

func (dpc *client) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	return dpc.writeReg(ctx, apReg%16, true /* ap */, value)
}

// ReadAPRegMulti reads the same AP register length times, in chunks that fit a probe packet.
func (dpc *client) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	maxChunk := dpc.dapc.TransferBlockMaxSize()
	res := make([]uint32, 0, length)
	for length > 0 {
		n := length
		if n > maxChunk {
			n = maxChunk
		}
		chunk, err := dpc.dapc.TransferBlockRead(ctx, true /* ap */, apReg%16, n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, chunk...)
		length -= n
	}
	return res, nil
}

func (dpc *client) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	maxChunk := dpc.dapc.TransferBlockMaxSize()
	for len(values) > 0 {
		chunk := values
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := dpc.dapc.TransferBlockWrite(ctx, true /* ap */, apReg%16, chunk); err != nil {
			return errors.Trace(err)
		}
		values = values[len(chunk):]
	}
	return nil
}

type IDRValue uint32

type Designer uint16

func (v IDRValue) Designer() Designer {
	return Designer((v >> 1) & 0x7ff)
}

func (v IDRValue) Version() uint8 {
	return uint8((v >> 12) & 0xf)
}

func (v IDRValue) PartNumber() uint8 {
	return uint8((v >> 20) & 0xff)
}

func (v IDRValue) Revision() uint8 {
	return uint8((v >> 28) & 0xf)
}

func (v IDRValue) String() string {
	return fmt.Sprintf("designer %s, version %d, part 0x%02x, rev %d", v.Designer(), v.Version(), v.PartNumber(), v.Revision())
}

func (d Designer) String() string {
	if d == 0x23b {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(d))
}

func (r Reg) String() string {
	switch r {
	case IDR:
		return "IDR/ABORT"
	case CTRLSTAT:
		return "CTRL/STAT"
	case SELECT:
		return "SELECT"
	case RDBUFF:
		return "RDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
