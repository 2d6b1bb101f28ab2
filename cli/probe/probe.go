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

// Package probe defines the capability interface of a debug probe attached
// to a single target. The CMSIS-DAP implementation lives in the cmsisdap
// subpackage, Mock is an in-memory implementation used by tests.
package probe

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/chip"
)

type State int

const (
	StateHalted State = iota
	StateRunning
	StateReset
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateHalted:
		return "Halted"
	case StateRunning:
		return "Running"
	case StateReset:
		return "Reset"
	case StateDetached:
		return "Detached"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrDisconnected is the cause of errors caused by loss of the probe connection.
	ErrDisconnected = errors.New("probe disconnected")
	// ErrTimeout is the cause of errors caused by an operation not completing in time.
	ErrTimeout = errors.New("probe operation timed out")
)

// IsDisconnected reports whether err was caused by loss of the probe.
func IsDisconnected(err error) bool {
	return err != nil && errors.Cause(err) == ErrDisconnected
}

// IsTimeout reports whether err is a timed out probe operation.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	c := errors.Cause(err)
	return c == ErrTimeout || c == context.DeadlineExceeded
}

type Transport interface {
	// Connect attaches to the target and halts it.
	Connect(ctx context.Context, c *chip.Chip) (Session, error)
}

// Session is a live connection to one target. It is not safe for concurrent use.
type Session interface {
	Chip() *chip.Chip
	State() State

	Halt(ctx context.Context) error
	// Reset resets the target and keeps it halted at the reset vector.
	Reset(ctx context.Context) error
	Resume(ctx context.Context) error

	WriteMemory(ctx context.Context, addr uint32, data []byte) error
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	PollRegister(ctx context.Context, addr uint32) (uint32, error)
	// EraseSector erases the flash sector that starts at addr.
	EraseSector(ctx context.Context, addr uint32) error

	// Close detaches from the target. Closing a detached session is a no-op.
	Close(ctx context.Context) error
}
