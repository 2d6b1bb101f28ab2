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
package dap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus     cmd = 0x01
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdTransferBlock     cmd = 0x06
	cmdSWJClock          cmd = 0x11
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
)

const (
	// Until the probe tells us otherwise.
	initialPacketSize = 64
	numWaitRetries    = 5
)

type client struct {
	d             Device
	maxPacketSize int
}

// newClient wraps an opened device and queries its packet size.
func newClient(ctx context.Context, d Device) (*client, error) {
	dapc := &client{d: d, maxPacketSize: initialPacketSize}
	resp, err := dapc.getInfo(ctx, InfoPacketSize)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	if binary.Read(resp, binary.LittleEndian, &rl) != nil || rl != 2 ||
		binary.Read(resp, binary.LittleEndian, &mps) != nil {
		return nil, errors.Errorf("invalid packet size response")
	}
	// The report number byte is not part of the DAP packet.
	dapc.maxPacketSize = int(mps) + 1
	glog.V(2).Infof("max packet size: %d", mps)
	return dapc, nil
}

func newCmd(c cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number (unused)
		uint8(c),
	})
}

func (dapc *client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	req := args.Bytes()
	c := req[1]
	glog.V(4).Infof(" => %s", hex.EncodeToString(req[1:]))
	if len(req) > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, len(req))
	}
	if err := dapc.d.Write(req); err != nil {
		return nil, deviceGone(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP command 0x%02x", c)
	case resp, ok := <-dapc.d.ReadCh():
		if !ok {
			return nil, deviceGone(dapc.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		if len(resp) == 0 || resp[0] != c {
			return nil, errors.Errorf("response to wrong command (want 0x%02x, got %s)", c, hex.EncodeToString(resp))
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func deviceGone(err error, what string) error {
	if err == nil {
		return errors.Annotate(ErrDeviceGone, what)
	}
	return errors.Annotatef(errors.Wrap(err, ErrDeviceGone), "%s: %s", what, err)
}

func (dapc *client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	c := args.Bytes()[1]
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 {
		return errors.Errorf("command 0x%02x: empty response", c)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", c, status)
	}
	return nil
}

func (dapc *client) getInfo(ctx context.Context, id InfoID) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(0x%02x)", id)
	args := newCmd(cmdInfo)
	args.WriteByte(uint8(id))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get info 0x%02x", id)
	}
	return resp, nil
}

func (dapc *client) GetInfoString(ctx context.Context, id InfoID) (string, error) {
	resp, err := dapc.getInfo(ctx, id)
	if err != nil {
		return "", errors.Trace(err)
	}
	sl, err := resp.ReadByte()
	if err != nil {
		return "", errors.Errorf("info 0x%02x: empty response", id)
	}
	s := resp.Next(int(sl))
	// Strings are NUL-terminated, length includes the terminator.
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (dapc *client) GetFirmwareVersion(ctx context.Context) (string, error) {
	return dapc.GetInfoString(ctx, InfoFirmwareVersion)
}

func (dapc *client) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	args.WriteByte(uint8(st))
	v := uint8(0)
	if value {
		v = 1
	}
	args.WriteByte(v)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	args.WriteByte(uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 || resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (dapc *client) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (dapc *client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func transferReq(ap bool, reg uint8, op TransferOp) (uint8, error) {
	if reg&3 != 0 {
		return 0, errors.Errorf("invalid reg 0x%x", reg)
	}
	treq := reg & 0xc
	if ap {
		treq |= 1 << 0
	}
	switch op {
	case OpRead:
		treq |= 1 << 1
	case OpReadMatch:
		treq |= 1<<1 | 1<<4
	case OpWriteMatch:
		treq |= 1 << 5
	}
	return treq, nil
}

func (dapc *client) doTransfer(ctx context.Context, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	args.WriteByte(0) // DAP index, ignored for SWD.
	args.WriteByte(uint8(len(reqs)))
	for i, req := range reqs {
		treq, err := transferReq(req.AP, req.Reg, req.Op)
		if err != nil {
			return 0, nil, errors.Annotatef(err, "request %d", i)
		}
		args.WriteByte(treq)
		if req.Op != OpRead {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return st, nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(reqs), st)
	}
	if int(tc) != len(reqs) {
		return st, nil, errors.Errorf("not all transfers completed (%d/%d)", tc, len(reqs))
	}
	var data []uint32
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

// Transfer performs a sequence of register transfers, retrying on WAIT acks.
func (dapc *client) Transfer(ctx context.Context, reqs []TransferRequest) ([]uint32, error) {
	for i := 0; i < numWaitRetries; i++ {
		st, res, err := dapc.doTransfer(ctx, reqs)
		if err != nil && st.Wait() && ctx.Err() == nil {
			glog.V(3).Infof("WAIT, retrying")
			continue
		}
		return res, err
	}
	return nil, errors.Errorf("target keeps responding WAIT")
}

func (dapc *client) TransferBlockMaxSize() int {
	headerLen := 1 /* report */ + 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (dapc.maxPacketSize - headerLen) / 4
}

func (dapc *client) blockHeader(ap bool, reg uint8, op TransferOp, n int) (*bytes.Buffer, error) {
	treq, err := transferReq(ap, reg, op)
	if err != nil {
		return nil, errors.Trace(err)
	}
	args := newCmd(cmdTransferBlock)
	args.WriteByte(0)
	binary.Write(args, binary.LittleEndian, uint16(n))
	args.WriteByte(treq)
	return args, nil
}

func checkBlockResp(resp *bytes.Buffer, n int) error {
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, n, st)
	}
	if int(tc) != n {
		return errors.Errorf("not all transfers completed (%d/%d)", tc, n)
	}
	return nil
}

func (dapc *client) TransferBlockRead(ctx context.Context, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%t, 0x%x, %d)", ap, reg, length)
	if length > dapc.TransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", dapc.TransferBlockMaxSize(), length)
	}
	args, err := dapc.blockHeader(ap, reg, OpRead, length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := checkBlockResp(resp, length); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, length)
	if binary.Read(resp, binary.LittleEndian, res) != nil {
		return nil, errors.Errorf("response is too short")
	}
	return res, nil
}

func (dapc *client) TransferBlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%t, 0x%x, %d)", ap, reg, len(data))
	if len(data) > dapc.TransferBlockMaxSize() {
		return errors.Errorf("request too big (max %d, got %d)", dapc.TransferBlockMaxSize(), len(data))
	}
	args, err := dapc.blockHeader(ap, reg, OpWrite, len(data))
	if err != nil {
		return errors.Trace(err)
	}
	binary.Write(args, binary.LittleEndian, data)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(checkBlockResp(resp, len(data)))
}

func (dapc *client) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %x)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	if len(data) != (numBits+7)/8 {
		return errors.Errorf("%d bits need %d bytes, got %d", numBits, (numBits+7)/8, len(data))
	}
	args := newCmd(cmdSWJSequence)
	// 256 is encoded as 0.
	args.WriteByte(uint8(numBits))
	args.Write(data)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	args.WriteByte(config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *client) Close(ctx context.Context) error {
	if dapc.d != nil {
		dapc.d.Close()
		dapc.d = nil
	}
	return nil
}
