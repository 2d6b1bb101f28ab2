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
package marker

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/probe/cortex"
)

func newMock(t *testing.T) (*probe.Mock, probe.Session) {
	c, err := chip.Lookup("STM32F401CCUx")
	require.NoError(t, err)
	m := probe.NewMock(c)
	s, err := m.Connect(context.Background(), c)
	require.NoError(t, err)
	return m, s
}

func setPC(t *testing.T, s probe.Session, pc uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, pc)
	require.NoError(t, s.WriteMemory(context.Background(), cortex.RegDCRDR, b))
}

func testImage(t *testing.T) *image.Image {
	img, err := image.New("fw.elf", 0x08000000, image.Segment{Addr: 0x08000000, Data: []byte{0, 0, 0, 0}})
	require.NoError(t, err)
	img.Symbols["HardFault"] = image.Symbol{Name: "HardFault", Addr: 0x08000401, Size: 0x20}
	img.Symbols["__exit"] = image.Symbol{Name: "__exit", Addr: 0x08000201, Size: 4}
	return img
}

func TestLevel(t *testing.T) {
	p := &Level{Min: defmt.LevelError}
	assert.False(t, p.Record(&defmt.Record{Level: defmt.LevelWarn}).Terminal())
	assert.False(t, p.Record(&defmt.Record{Level: defmt.LevelError, Anomaly: defmt.AnomalyMalformedFrame}).Terminal())
	v := p.Record(&defmt.Record{Level: defmt.LevelError, Message: "boom"})
	assert.Equal(t, Fault, v.Outcome)
	assert.Equal(t, "Fault: ERROR record: boom", v.String())
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	m, s := newMock(t)
	m.SetRegisterScript(0x20000000, []uint32{0, 0x100, 0xdead0001})
	p := &Register{Addr: 0x20000000, Mask: 0xffff0000, FaultValue: 0xdead0000, FinishValue: 0x100, HasFinish: false}
	for i := 0; i < 2; i++ {
		v, err := p.Poll(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, Continue, v.Outcome)
	}
	v, err := p.Poll(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, Fault, v.Outcome)
	assert.Equal(t, 3, m.Polls(0x20000000))

	m.SetRegisterScript(0x20000004, []uint32{7})
	p = &Register{Addr: 0x20000004, FaultValue: 1, FinishValue: 7, HasFinish: true}
	v, err = p.Poll(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, Finish, v.Outcome)

	m.Disconnect()
	_, err = p.Poll(ctx, s)
	assert.True(t, probe.IsDisconnected(err), "%v", err)
}

func TestHalt(t *testing.T) {
	ctx := context.Background()
	img := testImage(t)
	for i, c := range []struct {
		exitAddr uint32
		pc       uint32
		outcome  Outcome
	}{
		{0, 0x08000410, Fault},
		{0, 0x08000300, Finish},
		{0x08000200, 0x08000200, Finish},
		{0x08000200, 0x08000300, Fault},
	} {
		m, s := newMock(t)
		m.SetRegisterScript(cortex.RegDHCSR, []uint32{cortex.DHCSRDebugEn, cortex.DHCSRDebugEn | cortex.DHCSRSHalt | cortex.DHCSRRegRdy})
		setPC(t, s, c.pc)
		p := &Halt{ExitAddr: c.exitAddr, FaultRanges: FaultRanges(img)}
		v, err := p.Poll(ctx, s)
		require.NoError(t, err)
		if v.Outcome != Continue {
			t.Fatalf("%d: expected Continue before halt, got %s", i, v)
		}
		v, err = p.Poll(ctx, s)
		require.NoError(t, err)
		if v.Outcome != c.outcome {
			t.Fatalf("%d: expected %s, got %s", i, c.outcome, v)
		}
	}
}

func TestHaltRegRdyTimeout(t *testing.T) {
	m, s := newMock(t)
	m.SetRegisterScript(cortex.RegDHCSR, []uint32{cortex.DHCSRSHalt})
	_, err := (&Halt{}).Poll(context.Background(), s)
	assert.True(t, probe.IsTimeout(err), "%v", err)
}

func TestParse(t *testing.T) {
	img := testImage(t)

	p, err := Parse(nil, img)
	require.NoError(t, err)
	h, ok := p.(*Halt)
	require.True(t, ok)
	assert.Equal(t, uint32(0), h.ExitAddr)
	assert.Equal(t, []Range{{Name: "HardFault", Start: 0x08000400, End: 0x08000420}}, h.FaultRanges)

	p, err = Parse([]string{"halt=__exit", "level=warn", "register=0x20000000:fault=0xdead,finish=1,mask=0xffff"}, img)
	require.NoError(t, err)
	pp, ok := p.(anyOf)
	require.True(t, ok)
	require.Len(t, pp, 3)
	assert.Equal(t, uint32(0x08000200), pp[0].(*Halt).ExitAddr)
	assert.Equal(t, &Level{Min: defmt.LevelWarn}, pp[1])
	assert.Equal(t, &Register{Addr: 0x20000000, Mask: 0xffff, FaultValue: 0xdead, FinishValue: 1, HasFinish: true}, pp[2])

	v := p.Record(&defmt.Record{Level: defmt.LevelWarn, Message: "w"})
	assert.Equal(t, Fault, v.Outcome)

	for _, bad := range []string{"nope", "level=loud", "halt=missing", "register=0x1", "register=0x1:finish=1", "register=0x1:fault=x", "register=0x1:color=1"} {
		_, err := Parse([]string{bad}, img)
		assert.Error(t, err, bad)
	}
}
