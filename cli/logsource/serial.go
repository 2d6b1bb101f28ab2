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
	"context"
	"io"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

const serialReadTimeoutMs = 100

// Serial reads log frames from a UART instead of RTT.
type Serial struct {
	port    io.ReadCloser
	maxRead int
}

func NewSerial(port io.ReadCloser, maxRead int) *Serial {
	if maxRead <= 0 {
		maxRead = DefaultMaxRead
	}
	return &Serial{port: port, maxRead: maxRead}
}

// OpenSerial opens a port for reading. Reads return after a short
// inter-character timeout even if no data arrived.
func OpenSerial(portName string, baudRate uint, maxRead int) (*Serial, error) {
	glog.Infof("opening %s @ %d", portName, baudRate)
	p, err := serial.Open(serial.OpenOptions{
		PortName:              portName,
		BaudRate:              baudRate,
		DataBits:              8,
		ParityMode:            serial.PARITY_NONE,
		StopBits:              1,
		InterCharacterTimeout: serialReadTimeoutMs,
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", portName)
	}
	return NewSerial(p, maxRead), nil
}

func (s *Serial) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, s.maxRead)
	n, err := s.port.Read(buf)
	if err != nil && err != io.EOF {
		return nil, errors.Annotatef(err, "serial read failed")
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}
