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
package defmt

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probe-run/cli/image"
)

var testTable = NewTable(map[uint16]Entry{
	0: {Tag: "defmt_info", Level: LevelInfo, Format: "boot {=u32}", File: "src/main.rs", Line: 3},
	1: {Tag: "defmt_error", Level: LevelError, Format: "fault at {=u32:#x}", File: "src/main.rs", Line: 9},
	2: {Tag: "defmt_debug", Level: LevelDebug, Format: "name={=istr} ok={=bool}"},
	3: {Tag: "defmt_prim", Format: "sensor"},
})

func mustFrame(t *testing.T, index uint16, ts uint32, args ...interface{}) []byte {
	t.Helper()
	f, err := AppendFrame(nil, index, ts, args...)
	require.NoError(t, err)
	return f
}

func concat(parts ...[]byte) []byte {
	var res []byte
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

func TestDecodeOrder(t *testing.T) {
	stream := concat(
		mustFrame(t, 0, 10, uint32(5)),
		mustFrame(t, 2, 11, Interned(3), true),
		mustFrame(t, 1, 12, uint32(0x20001000)),
	)
	d := NewDecoder(testTable)
	recs := d.FeedAll(stream)
	expected := []*Record{
		{Level: LevelInfo, Message: "boot 5", File: "src/main.rs", Line: 3, Timestamp: 10, Index: 0},
		{Level: LevelDebug, Message: "name=sensor ok=true", Timestamp: 11, Index: 2},
		{Level: LevelError, Message: "fault at 0x20001000", File: "src/main.rs", Line: 9, Timestamp: 12, Index: 1},
	}
	if diff := cmp.Diff(expected, recs); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, d.Buffered())
	assert.Equal(t, "[INFO] boot 5 src/main.rs:3", recs[0].String())
	assert.Equal(t, "[DEBUG] name=sensor ok=true", recs[1].String())
}

func TestDecodeChunking(t *testing.T) {
	stream := concat(
		mustFrame(t, 0, 1, uint32(1)),
		[]byte{0x00, 0xdf, 0x01, 0x02, 0x03},
		mustFrame(t, 2, 2, Interned(3), false),
		mustFrame(t, 1, 3, uint32(0xffff)),
		mustFrame(t, 9, 4, uint8(7)),
		mustFrame(t, 0, 5, uint32(2)),
	)
	expected := NewDecoder(testTable).FeedAll(stream)
	require.Len(t, expected, 6)
	assert.Equal(t, AnomalyMalformedFrame, expected[1].Anomaly)
	assert.Equal(t, AnomalyUnknownFormatIndex, expected[4].Anomaly)

	for i := 0; i <= len(stream); i++ {
		d := NewDecoder(testTable)
		recs := d.FeedAll(stream[:i])
		recs = append(recs, d.FeedAll(stream[i:])...)
		if diff := cmp.Diff(expected, recs); diff != "" {
			t.Fatalf("split at %d: records mismatch (-want +got):\n%s", i, diff)
		}
	}

	d := NewDecoder(testTable)
	var recs []*Record
	for _, b := range stream {
		recs = append(recs, d.FeedAll([]byte{b})...)
	}
	if diff := cmp.Diff(expected, recs); diff != "" {
		t.Fatalf("byte by byte: records mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeResync(t *testing.T) {
	var frames [][]byte
	for i := 0; i < 6; i++ {
		frames = append(frames, mustFrame(t, 0, uint32(100+i), uint32(i)))
	}

	t.Run("BadHeader", func(t *testing.T) {
		corrupt := append([]byte(nil), frames[2]...)
		corrupt[3] ^= 0x55
		frames := append(append(append([][]byte{}, frames[:2]...), corrupt), frames[3:]...)
		recs := NewDecoder(testTable).FeedAll(concat(frames...))
		require.Len(t, recs, 6)
		malformed := 0
		for _, r := range recs {
			if r.Anomaly == AnomalyMalformedFrame {
				malformed++
				assert.Equal(t, LevelWarn, r.Level)
			}
		}
		assert.Equal(t, 1, malformed)
		assert.Equal(t, AnomalyMalformedFrame, recs[2].Anomaly)
		for i, n := range []int{0, 1, 3, 4, 5} {
			j := i
			if j >= 2 {
				j++
			}
			assert.Equal(t, uint32(100+n), recs[j].Timestamp)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		garbage := []byte{0x13, 0x37, 0xdf, 0xdf, 0x00, 0x42, 0xde, 0xad}
		recs := NewDecoder(testTable).FeedAll(concat(frames[0], garbage, frames[1], frames[2]))
		require.Len(t, recs, 4)
		assert.Equal(t, AnomalyNone, recs[0].Anomaly)
		assert.Equal(t, AnomalyMalformedFrame, recs[1].Anomaly)
		assert.Equal(t, "boot 1", recs[2].Message)
		assert.Equal(t, "boot 2", recs[3].Message)
	})

	t.Run("BadBody", func(t *testing.T) {
		bad := []byte{0xdf, 7, 0, headerCheck(7, 0), 0, 0, 0, 0, 0, 0, 0x7f}
		recs := NewDecoder(testTable).FeedAll(concat(bad, frames[0]))
		require.Len(t, recs, 2)
		assert.Equal(t, AnomalyMalformedFrame, recs[0].Anomaly)
		assert.Contains(t, recs[0].Message, "invalid tag 0x7f")
		assert.Equal(t, "boot 0", recs[1].Message)
	})

	t.Run("GarbageThenUnknownIndex", func(t *testing.T) {
		stream := []byte{0x13, 0x37}
		for i := 0; i < 3; i++ {
			stream = append(stream, mustFrame(t, uint16(40+i), uint32(i), uint8(i))...)
		}
		recs := NewDecoder(testTable).FeedAll(stream)
		require.Len(t, recs, 4)
		assert.Equal(t, AnomalyMalformedFrame, recs[0].Anomaly)
		for i, r := range recs[1:] {
			assert.Equal(t, AnomalyUnknownFormatIndex, r.Anomaly)
			assert.Equal(t, uint16(40+i), r.Index)
			assert.Equal(t, uint32(i), r.Timestamp)
		}
	})

	t.Run("Partial", func(t *testing.T) {
		d := NewDecoder(testTable)
		assert.Empty(t, d.FeedAll(frames[0][:len(frames[0])-1]))
		assert.Equal(t, len(frames[0])-1, d.Buffered())
		recs := d.FeedAll(frames[0][len(frames[0])-1:])
		require.Len(t, recs, 1)
		assert.Equal(t, "boot 0", recs[0].Message)
	})
}

func TestDecodeUnknownIndex(t *testing.T) {
	recs := NewDecoder(testTable).FeedAll(mustFrame(t, 7, 1, uint8(5), "x"))
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, AnomalyUnknownFormatIndex, r.Anomaly)
	assert.Equal(t, LevelWarn, r.Level)
	assert.Equal(t, uint16(7), r.Index)
	assert.Equal(t, `<unknown format index 7> 5, "x"`, r.Message)

	// Without a table every index is unknown, but frames still decode.
	recs = NewDecoder(nil).FeedAll(concat([]byte{0x01}, mustFrame(t, 0, 1, Interned(9))))
	require.Len(t, recs, 2)
	assert.Equal(t, AnomalyMalformedFrame, recs[0].Anomaly)
	assert.Equal(t, `<unknown format index 0> "<unknown string 9>"`, recs[1].Message)
}

func TestRender(t *testing.T) {
	for i, c := range []struct {
		format   string
		args     []interface{}
		expected string
	}{
		{"x={=u8}", []interface{}{uint8(5)}, "x=5"},
		{"{=u32:#x}", []interface{}{uint32(255)}, "0xff"},
		{"{=u16:X}", []interface{}{uint16(0xbeef)}, "BEEF"},
		{"{=u8:#b}", []interface{}{uint8(5)}, "0b101"},
		{"{=i8:x} {=i32}", []interface{}{int8(-1), int32(-42)}, "ff -42"},
		{"{{}} {}", []interface{}{true}, "{} true"},
		{"{} {}", []interface{}{uint8(1)}, "1 <missing>"},
		{"{=str:?} {=str}", []interface{}{"hi", "there"}, `"hi" there`},
		{"{=[u8]:#x}", []interface{}{[]byte{1, 0xa}}, "[0x1, 0xa]"},
		{"{=f32} {=f64}", []interface{}{float32(1.5), math.Inf(-1)}, "1.5 -inf"},
		{"{=f64}", []interface{}{math.NaN()}, "NaN"},
		{"{=char:?}{=char}", []interface{}{Char('a'), Char('b')}, "'a'b"},
		{"unterminated {", nil, "unterminated {"},
	} {
		if got := Render(c.format, c.args); got != c.expected {
			t.Fatalf("%d: Render(%q): expected %q, got %q", i, c.format, c.expected, got)
		}
	}
}

func TestAppendFrame(t *testing.T) {
	f := mustFrame(t, 0x0102, 0x03040506, uint8(9))
	assert.Equal(t, []byte{0xdf, 8, 0, headerCheck(8, 0), 0x02, 0x01, 0x06, 0x05, 0x04, 0x03, 0x01, 0x09}, f)

	_, err := AppendFrame(nil, 0, 0, struct{}{})
	assert.Error(t, err)
	_, err = AppendFrame(nil, 0, 0, make([]byte, MaxFrameLen))
	assert.Error(t, err)
}

func TestTableFromImage(t *testing.T) {
	img, err := image.New("fw.elf", 0x08000000, image.Segment{Addr: 0x08000000, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	img.Defmt = []image.Symbol{
		{Name: `{"package":"app","tag":"defmt_warn","data":"low battery {=u8}%","disambiguator":"1","file":"src/bat.rs","line":12}`, Addr: 4, Section: ".defmt"},
		{Name: `{"tag":"defmt_str","data":"idle"}`, Addr: 5, Section: ".defmt"},
		{Name: `not json`, Addr: 6, Section: ".defmt"},
		{Name: `{"tag":"defmt_info","data":"x"}`, Addr: 0x10000, Section: ".defmt"},
	}
	tbl := TableFromImage(img)
	assert.Equal(t, 2, tbl.Len())
	e, ok := tbl.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, Entry{Tag: "defmt_warn", Level: LevelWarn, Format: "low battery {=u8}%", File: "src/bat.rs", Line: 12}, e)
	e, ok = tbl.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, LevelInfo, e.Level)
	_, ok = tbl.Lookup(6)
	assert.False(t, ok)

	recs := NewDecoder(tbl).FeedAll(mustFrame(t, 4, 0, uint8(7)))
	require.Len(t, recs, 1)
	assert.Equal(t, "[WARN] low battery 7% src/bat.rs:12", recs[0].String())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, l)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "ERROR", LevelError.String())
}
