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
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	written [][]byte
	resps   chan []byte
	readErr error
}

func newFakeDevice(resps ...[]byte) *fakeDevice {
	fd := &fakeDevice{resps: make(chan []byte, len(resps)+1)}
	for _, r := range resps {
		fd.resps <- r
	}
	return fd
}

func (fd *fakeDevice) Write(data []byte) error {
	fd.written = append(fd.written, append([]byte(nil), data...))
	return nil
}

func (fd *fakeDevice) ReadCh() <-chan []byte { return fd.resps }
func (fd *fakeDevice) ReadError() error      { return fd.readErr }
func (fd *fakeDevice) Close()                {}

// Packet size response: 64 byte packets.
var packetSizeResp = []byte{0x00, 0x02, 0x40, 0x00}

func TestNewClient(t *testing.T) {
	fd := newFakeDevice(packetSizeResp, []byte{0x00, 0x04, '1', '.', '0', 0})
	dapc, err := newClient(context.Background(), fd)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xff}, fd.written[0])
	assert.Equal(t, 14, dapc.TransferBlockMaxSize())

	v, err := dapc.GetFirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
}

func TestTransfer(t *testing.T) {
	fd := newFakeDevice(packetSizeResp,
		// WAIT first, then OK with one read value.
		[]byte{0x05, 0x00, 0x02},
		[]byte{0x05, 0x02, 0x01, 0x78, 0x56, 0x34, 0x12},
	)
	dapc, err := newClient(context.Background(), fd)
	require.NoError(t, err)

	data, err := dapc.Transfer(context.Background(), []TransferRequest{
		{Op: OpWrite, AP: true, Reg: 0x4, Data: 0xe000edf0},
		{Op: OpRead, AP: true, Reg: 0xc},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x12345678}, data)
	require.Len(t, fd.written, 3)
	assert.Equal(t, []byte{0x00, 0x05, 0x00, 0x02, 0x05, 0xf0, 0xed, 0x00, 0xe0, 0x0f}, fd.written[2])
}

func TestTransferBlock(t *testing.T) {
	fd := newFakeDevice(packetSizeResp,
		[]byte{0x06, 0x02, 0x00, 0x01},
		[]byte{0x06, 0x02, 0x00, 0x01, 1, 0, 0, 0, 2, 0, 0, 0},
	)
	dapc, err := newClient(context.Background(), fd)
	require.NoError(t, err)

	require.NoError(t, dapc.TransferBlockWrite(context.Background(), true, 0xc, []uint32{1, 2}))
	assert.Equal(t, []byte{0x00, 0x06, 0x00, 0x02, 0x00, 0x0d, 1, 0, 0, 0, 2, 0, 0, 0}, fd.written[1])

	res, err := dapc.TransferBlockRead(context.Background(), true, 0xc, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, res)
	assert.Equal(t, []byte{0x00, 0x06, 0x00, 0x02, 0x00, 0x0f}, fd.written[2])

	_, err = dapc.TransferBlockRead(context.Background(), true, 0xc, 100)
	assert.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	fd := newFakeDevice(packetSizeResp, []byte{0x11, 0xff}, []byte{0x12, 0x00})
	dapc, err := newClient(context.Background(), fd)
	require.NoError(t, err)

	assert.Error(t, dapc.SWJClock(context.Background(), 1000000))
	// Response to a different command.
	assert.Error(t, dapc.SWDConfigure(context.Background(), 0))

	fd.readErr = errors.New("unplugged")
	close(fd.resps)
	err = dapc.Disconnect(context.Background())
	assert.Equal(t, ErrDeviceGone, errors.Cause(err))
	assert.Contains(t, err.Error(), "device read failed")
}

func TestContextCancel(t *testing.T) {
	fd := newFakeDevice(packetSizeResp)
	dapc, err := newClient(context.Background(), fd)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = dapc.Connect(ctx, ConnectModeSWD)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.True(t, bytes.Equal([]byte{0x00, 0x02, 0x01}, fd.written[1]))
}
