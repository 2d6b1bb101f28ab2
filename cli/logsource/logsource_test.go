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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/probe"
)

const (
	testCB   = 0x20000000
	testBuf  = 0x20000100
	testSize = 16
)

func newSession(t *testing.T) probe.Session {
	c, err := chip.Lookup("STM32F401CCUx")
	require.NoError(t, err)
	s, err := probe.NewMock(nil).Connect(context.Background(), c)
	require.NoError(t, err)
	return s
}

func writeCB(t *testing.T, s probe.Session, cb, buf, size, wr, rd uint32) {
	le := binary.LittleEndian
	data := make([]byte, rttUpDescOffset+rttDescSize)
	copy(data, rttID)
	le.PutUint32(data[16:], 2)
	le.PutUint32(data[rttUpDescOffset+rttDescBufferOff:], buf)
	le.PutUint32(data[rttUpDescOffset+rttDescSizeOff:], size)
	le.PutUint32(data[rttUpDescOffset+rttDescWrOffOff:], wr)
	le.PutUint32(data[rttUpDescOffset+rttDescRdOffOff:], rd)
	require.NoError(t, s.WriteMemory(context.Background(), cb, data))
}

func setOffsets(t *testing.T, s probe.Session, wr, rd uint32) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, wr)
	binary.LittleEndian.PutUint32(b[4:], rd)
	require.NoError(t, s.WriteMemory(context.Background(), testCB+rttUpDescOffset+rttDescWrOffOff, b))
}

func readOffset(t *testing.T, s probe.Session) uint32 {
	b, err := s.ReadMemory(context.Background(), testCB+rttUpDescOffset+rttDescRdOffOff, 4)
	require.NoError(t, err)
	return binary.LittleEndian.Uint32(b)
}

func testImage(t *testing.T) *image.Image {
	img, err := image.New("fw.elf", 0x08000000, image.Segment{Addr: 0x08000000, Data: []byte{0, 0, 0, 0}})
	require.NoError(t, err)
	img.Symbols[rttSymbol] = image.Symbol{Name: rttSymbol, Addr: testCB, Size: 72}
	return img
}

func TestRTTRead(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	r := NewRTT(s, testImage(t), 0, 0)

	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, r.Attached())

	writeCB(t, s, testCB, testBuf, testSize, 5, 0)
	require.NoError(t, s.WriteMemory(ctx, testBuf, []byte("hello")))
	data, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, r.Attached())
	assert.Equal(t, uint32(5), readOffset(t, s))

	data, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	// Wrap around the end of the buffer.
	require.NoError(t, s.WriteMemory(ctx, testBuf+14, []byte("ab")))
	require.NoError(t, s.WriteMemory(ctx, testBuf, []byte("cd")))
	setOffsets(t, s, 2, 14)
	data, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
	assert.Equal(t, uint32(2), readOffset(t, s))

	setOffsets(t, s, 20, 2)
	_, err = r.Read(ctx)
	assert.Error(t, err)
}

func TestRTTStaleControlBlock(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	r := NewRTT(s, testImage(t), 0, 0)

	// Left over from the previous run, mid re-initialization.
	writeCB(t, s, testCB, testBuf, testSize, 300, 0)
	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, r.Attached())

	writeCB(t, s, testCB, testBuf, testSize, 3, 0)
	require.NoError(t, s.WriteMemory(ctx, testBuf, []byte("new")))
	data, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.True(t, r.Attached())

	setOffsets(t, s, 3, 99)
	_, err = r.Read(ctx)
	assert.Error(t, err)
}

func TestRTTMaxRead(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	writeCB(t, s, testCB, testBuf, testSize, 5, 0)
	require.NoError(t, s.WriteMemory(ctx, testBuf, []byte("hello")))
	r := NewRTT(s, testImage(t), 0, 3)
	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(data))
	data, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(data))
}

func TestRTTScan(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	cb := uint32(0x20001004)
	writeCB(t, s, cb, testBuf, testSize, 2, 0)
	require.NoError(t, s.WriteMemory(ctx, testBuf, []byte("hi")))
	r := NewRTT(s, nil, 0, 0)
	data, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	assert.Equal(t, cb, r.ControlBlockAddr())
}

func TestRTTBadChannel(t *testing.T) {
	s := newSession(t)
	writeCB(t, s, testCB, testBuf, testSize, 0, 0)
	_, err := NewRTT(s, testImage(t), 3, 0).Read(context.Background())
	assert.Error(t, err)
}

func TestRTTDisconnect(t *testing.T) {
	c, err := chip.Lookup("STM32F401CC")
	require.NoError(t, err)
	m := probe.NewMock(c)
	s, err := m.Connect(context.Background(), c)
	require.NoError(t, err)
	m.Disconnect()
	_, err = NewRTT(s, testImage(t), 0, 0).Read(context.Background())
	assert.True(t, probe.IsDisconnected(err), "%v", err)
}

func TestSerialRead(t *testing.T) {
	ctx := context.Background()
	s := NewSerial(io.NopCloser(bytes.NewReader([]byte("abcdef"))), 4)
	data, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
	data, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(data))
	data, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	require.NoError(t, s.Close())
}
