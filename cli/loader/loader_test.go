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
package loader

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/probe"
)

func newMock(t *testing.T) (*probe.Mock, probe.Session) {
	c, err := chip.Lookup("STM32F401CCUx")
	require.NoError(t, err)
	m := probe.NewMock(c)
	s, err := m.Connect(context.Background(), c)
	require.NoError(t, err)
	return m, s
}

func pattern(n int, seed byte) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = byte(i*7) + seed
	}
	return res
}

func newImage(t *testing.T, segs ...image.Segment) *image.Image {
	img, err := image.New("fw.elf", segs[0].Addr, segs...)
	require.NoError(t, err)
	return img
}

func TestLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, s := newMock(t)
	img := newImage(t,
		image.Segment{Addr: 0x08000000, Data: pattern(3000, 1)},
		image.Segment{Addr: 0x08000c00, Data: pattern(100, 2)},
		image.Segment{Addr: 0x08004010, Data: pattern(10, 3)},
		image.Segment{Addr: 0x20000000, Data: pattern(6, 4)},
	)
	require.NoError(t, Load(ctx, s, img, DefaultOptions()))

	for _, seg := range img.Segments {
		data, err := s.ReadMemory(ctx, seg.Addr, len(seg.Data))
		require.NoError(t, err)
		assert.Equal(t, seg.Data, data, "segment @ 0x%08x", seg.Addr)
	}
	assert.Equal(t, []uint32{0x08000000, 0x08004000}, m.ErasedSectors)
	halts, resets, resumes := m.Counts()
	assert.Equal(t, []int{0, 0, 0}, []int{halts, resets, resumes})
	assert.Equal(t, probe.StateHalted, s.State())
}

func TestLoadSegmentsSharingWriteUnit(t *testing.T) {
	ctx := context.Background()
	m, s := newMock(t)
	var writes []uint32
	m.OnWrite = func(addr uint32, data []byte) error {
		writes = append(writes, addr)
		return nil
	}
	img := newImage(t,
		image.Segment{Addr: 0x08000000, Data: pattern(6, 1)},
		image.Segment{Addr: 0x08000006, Data: pattern(4, 9)},
		image.Segment{Addr: 0x0800000b, Data: pattern(3, 20)},
	)
	require.NoError(t, Load(ctx, s, img, DefaultOptions()))

	data, err := s.ReadMemory(ctx, 0x08000000, 0x10)
	require.NoError(t, err)
	expected := append(append(pattern(6, 1), pattern(4, 9)...), 0xff)
	expected = append(append(expected, pattern(3, 20)...), 0xff, 0xff)
	assert.Equal(t, expected, data)
	assert.Equal(t, []uint32{0x08000000}, writes)
}

func TestLoadErasesOnlyOverlappingSectors(t *testing.T) {
	m, s := newMock(t)
	img := newImage(t,
		image.Segment{Addr: 0x0800bff0, Data: pattern(0x20, 1)},
		image.Segment{Addr: 0x08020000, Data: pattern(8, 2)},
	)
	require.NoError(t, Load(context.Background(), s, img, DefaultOptions()))
	assert.Equal(t, []uint32{0x08008000, 0x0800c000, 0x08020000}, m.ErasedSectors)

	m, s = newMock(t)
	opts := DefaultOptions()
	opts.SkipErase = true
	require.NoError(t, Load(context.Background(), s, img, opts))
	assert.Equal(t, 0, m.Erases)
}

func TestLoadVerifyMismatch(t *testing.T) {
	m, s := newMock(t)
	img := newImage(t,
		image.Segment{Addr: 0x08000000, Data: pattern(64, 1)},
		image.Segment{Addr: 0x08004010, Data: pattern(10, 2)},
	)
	m.OnRead = func(addr uint32, data []byte) error {
		if addr == 0x08004010 {
			data[3] ^= 0xff
		}
		return nil
	}
	err := Load(context.Background(), s, img, DefaultOptions())
	le, ok := AsLoadError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, VerifyMismatch, le.Kind)
	assert.Equal(t, uint32(0x08004013), le.Address)
	_, resets, resumes := m.Counts()
	assert.Equal(t, 0, resets)
	assert.Equal(t, 0, resumes)
	assert.Equal(t, probe.StateHalted, s.State())

	// Without verification the corruption goes unnoticed.
	m, s = newMock(t)
	m.OnRead = func(addr uint32, data []byte) error {
		data[0] ^= 0xff
		return nil
	}
	opts := DefaultOptions()
	opts.Verify = false
	require.NoError(t, Load(context.Background(), s, img, opts))
}

func TestLoadDisconnect(t *testing.T) {
	m, s := newMock(t)
	img := newImage(t, image.Segment{Addr: 0x08000000, Data: pattern(4096, 1)})
	writes := 0
	m.OnWrite = func(addr uint32, data []byte) error {
		writes++
		if writes == 2 {
			return errors.Annotatef(probe.ErrDisconnected, "usb")
		}
		return nil
	}
	err := Load(context.Background(), s, img, DefaultOptions())
	le, ok := AsLoadError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, ProbeDisconnected, le.Kind)
	assert.Equal(t, uint32(0x08000400), le.Address)
	assert.Equal(t, 2, writes)
	assert.Contains(t, err.Error(), "ProbeDisconnected")

	m, s = newMock(t)
	m.OnWrite = func(addr uint32, data []byte) error {
		return errors.New("flash error flags 0x10")
	}
	le, ok = AsLoadError(Load(context.Background(), s, img, DefaultOptions()))
	require.True(t, ok)
	assert.Equal(t, WriteFailed, le.Kind)
}

func TestLoadLayout(t *testing.T) {
	m, s := newMock(t)
	img := newImage(t,
		image.Segment{Addr: 0x08000000, Data: pattern(16, 1)},
		image.Segment{Addr: 0x10000000, Data: pattern(16, 1)},
	)
	err := Load(context.Background(), s, img, DefaultOptions())
	le, ok := AsLoadError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, ImageParseError, le.Kind)
	assert.Equal(t, uint32(0x10000000), le.Address)
	assert.Equal(t, 0, m.Erases)

	// A segment running off the end of flash.
	img = newImage(t, image.Segment{Addr: 0x0803fff0, Data: pattern(32, 1)})
	le, ok = AsLoadError(Load(context.Background(), s, img, DefaultOptions()))
	require.True(t, ok)
	assert.Equal(t, ImageParseError, le.Kind)
}

func TestLoadHaltsRunningTarget(t *testing.T) {
	ctx := context.Background()
	m, s := newMock(t)
	require.NoError(t, s.Resume(ctx))
	img := newImage(t, image.Segment{Addr: 0x08000000, Data: pattern(8, 1)})
	require.NoError(t, Load(ctx, s, img, DefaultOptions()))
	halts, _, _ := m.Counts()
	assert.Equal(t, 1, halts)
	assert.Equal(t, probe.StateHalted, s.State())
}
