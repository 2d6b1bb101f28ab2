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
package cortex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCore models just enough of the debug registers of a Cortex-M4.
type fakeCore struct {
	words  map[uint32]uint32
	regs   [0x13]uint32
	halted bool
	resets int
}

func newFakeCore() *fakeCore {
	return &fakeCore{words: map[uint32]uint32{
		RegCPUID: 0x410fc241,
		RegPID0:  0xc,
	}}
}

func (f *fakeCore) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if addr == RegDHCSR {
		v := DHCSRRegRdy
		if f.halted {
			v |= DHCSRSHalt
		}
		return v, nil
	}
	return f.words[addr], nil
}

func (f *fakeCore) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	switch addr {
	case RegDHCSR:
		f.halted = value&DHCSRHalt != 0
	case RegDCRSR:
		reg := value & 0x7f
		if value&dcrsrWrite != 0 {
			f.regs[reg] = f.words[RegDCRDR]
		} else {
			f.words[RegDCRDR] = f.regs[reg]
		}
		return nil
	case RegAIRCR:
		f.resets++
		f.regs[PC] = 0x08000199
	}
	f.words[addr] = value
	return nil
}

func (f *fakeCore) ReadWords(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	panic("not used")
}

func (f *fakeCore) WriteWords(ctx context.Context, addr uint32, data []uint32) error {
	panic("not used")
}

func TestInit(t *testing.T) {
	name, err := New(newFakeCore()).Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ARM Cortex-M4F r0p1", name)

	f := newFakeCore()
	f.words[RegCPUID] = 0x410cc601
	_, err = New(f).Init(context.Background())
	assert.Error(t, err)
}

func TestHaltResume(t *testing.T) {
	ctx := context.Background()
	f := newFakeCore()
	c := New(f)
	require.NoError(t, c.Halt(ctx))
	halted, err := c.IsHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, c.Resume(ctx))
	halted, err = c.IsHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestResetHaltAndRegs(t *testing.T) {
	ctx := context.Background()
	f := newFakeCore()
	c := New(f)
	require.NoError(t, c.ResetHalt(ctx))
	assert.Equal(t, 1, f.resets)
	assert.Equal(t, RegAIRCRKey|4, f.words[RegAIRCR])
	assert.Equal(t, DEMCRRun, f.words[RegDEMCR])
	assert.NotZero(t, f.words[RegDEMCR]&(1<<10), "VC_HARDERR must stay set while running")

	pc, err := c.GetReg(ctx, PC)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000199), pc)

	require.NoError(t, c.SetReg(ctx, 0, 0x1234))
	r0, err := c.GetReg(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), r0)
}
