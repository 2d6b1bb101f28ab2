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
package probe

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/chip"
)

// Mock is a deterministic in-memory target. Memory is sparse: unwritten flash
// reads as the erased byte, everything else reads as zero. Reads return what
// was written unless a hook says otherwise.
type Mock struct {
	// OnRead is called after a read with the data about to be returned and
	// may modify it. A non-nil error fails the read.
	OnRead func(addr uint32, data []byte) error
	// OnWrite is called before a write. A non-nil error fails the write.
	OnWrite func(addr uint32, data []byte) error
	// ConnectErr, if set, is returned by Connect.
	ConnectErr error

	mu           sync.Mutex
	chip         *chip.Chip
	state        State
	mem          map[uint32]byte
	regScripts   map[uint32][]uint32
	regPolls     map[uint32]int
	disconnected bool

	Halts, Resets, Resumes, Erases, Closes int
	ErasedSectors                          []uint32
}

func NewMock(c *chip.Chip) *Mock {
	return &Mock{
		chip:       c,
		state:      StateHalted,
		mem:        make(map[uint32]byte),
		regScripts: make(map[uint32][]uint32),
		regPolls:   make(map[uint32]int),
	}
}

func (m *Mock) Connect(ctx context.Context, c *chip.Chip) (Session, error) {
	if m.ConnectErr != nil {
		return nil, errors.Trace(m.ConnectErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chip = c
	m.state = StateHalted
	return m, nil
}

// SetRegisterScript makes successive polls of addr return values in order.
// The last value repeats once the script is exhausted.
func (m *Mock) SetRegisterScript(addr uint32, values []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regScripts[addr] = values
	m.regPolls[addr] = 0
}

// Polls returns the number of times addr has been polled.
func (m *Mock) Polls(addr uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regPolls[addr]
}

// Disconnect makes all subsequent operations fail with ErrDisconnected.
func (m *Mock) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

// Counts returns halt, reset and resume counters.
func (m *Mock) Counts() (halts, resets, resumes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Halts, m.Resets, m.Resumes
}

func (m *Mock) check(ctx context.Context) error {
	if m.disconnected {
		return errors.Trace(ErrDisconnected)
	}
	if m.state == StateDetached {
		return errors.Annotatef(ErrDisconnected, "session is closed")
	}
	return errors.Trace(ctx.Err())
}

func (m *Mock) Chip() *chip.Chip {
	return m.chip
}

func (m *Mock) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mock) Halt(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Halts++
	if err := m.check(ctx); err != nil {
		return err
	}
	m.state = StateHalted
	return nil
}

func (m *Mock) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets++
	if err := m.check(ctx); err != nil {
		return err
	}
	m.state = StateReset
	return nil
}

func (m *Mock) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resumes++
	if err := m.check(ctx); err != nil {
		return err
	}
	m.state = StateRunning
	return nil
}

func (m *Mock) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if m.OnWrite != nil {
		if err := m.OnWrite(addr, data); err != nil {
			return errors.Trace(err)
		}
	}
	for i, b := range data {
		m.mem[addr+uint32(i)] = b
	}
	return nil
}

func (m *Mock) readLocked(addr uint32, length int) []byte {
	res := make([]byte, length)
	for i := range res {
		a := addr + uint32(i)
		if b, ok := m.mem[a]; ok {
			res[i] = b
		} else if m.chip != nil && m.chip.InFlash(a) {
			res[i] = m.chip.ErasedByte
		}
	}
	return res
}

func (m *Mock) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	res := m.readLocked(addr, length)
	if m.OnRead != nil {
		if err := m.OnRead(addr, res); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return res, nil
}

func (m *Mock) PollRegister(ctx context.Context, addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := m.regPolls[addr]
	m.regPolls[addr] = n + 1
	if script := m.regScripts[addr]; len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		return script[n], nil
	}
	return binary.LittleEndian.Uint32(m.readLocked(addr, 4)), nil
}

func (m *Mock) EraseSector(ctx context.Context, addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	s, ok := m.chip.SectorAt(addr)
	if !ok || s.Addr != addr {
		return errors.Errorf("0x%08x is not a sector start", addr)
	}
	for a := range m.mem {
		if a >= s.Addr && a < s.End() {
			delete(m.mem, a)
		}
	}
	m.Erases++
	m.ErasedSectors = append(m.ErasedSectors, addr)
	return nil
}

func (m *Mock) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDetached {
		m.Closes++
		m.state = StateDetached
	}
	return nil
}
