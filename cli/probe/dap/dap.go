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

// Package dap implements (a subset of) the CMSIS-DAP v1 command set.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
package dap

import (
	"context"

	"github.com/juju/errors"
)

type Client interface {
	GetInfoString(ctx context.Context, id InfoID) (string, error)
	GetFirmwareVersion(ctx context.Context) (string, error)

	SetHostStatus(ctx context.Context, st StatusType, value bool) error
	Connect(ctx context.Context, mode ConnectMode) error
	Disconnect(ctx context.Context) error
	TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error
	Transfer(ctx context.Context, reqs []TransferRequest) ([]uint32, error)
	TransferBlockMaxSize() int
	TransferBlockRead(ctx context.Context, ap bool, reg uint8, length int) ([]uint32, error)
	TransferBlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) error
	SWJClock(ctx context.Context, clockHz uint32) error
	SWJSequence(ctx context.Context, numBits int, data []uint8) error
	SWDConfigure(ctx context.Context, config uint8) error

	Close(ctx context.Context) error
}

// Device is the raw HID report channel of a probe.
type Device interface {
	Write(data []byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

// ErrDeviceGone is the cause of errors caused by the probe disappearing from the bus.
var ErrDeviceGone = errors.New("probe device is gone")

type InfoID uint8

const (
	InfoVendor          InfoID = 0x01
	InfoProduct         InfoID = 0x02
	InfoSerial          InfoID = 0x03
	InfoFirmwareVersion InfoID = 0x04
	InfoTargetVendor    InfoID = 0x05
	InfoTargetName      InfoID = 0x06
	InfoPacketSize      InfoID = 0xff
)

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

type TransferStatus uint8

const (
	ackOK   = 1
	ackWait = 2
	ackFail = 4
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == ackOK && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) Wait() bool {
	return ts.AckValue() == ackWait
}

func (ts TransferStatus) AckValue() uint8 {
	return uint8(ts & 7)
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}
