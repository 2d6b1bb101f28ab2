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
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const missingArg = "<missing>"

// Render substitutes args into a format string. Placeholders are {},
// {=type}, {=type:hint} and {:hint}; {{ and }} are literal braces.
// The type annotation is informational, the value type comes from the frame.
func Render(format string, args []interface{}) string {
	var sb strings.Builder
	next := 0
	for i := 0; i < len(format); {
		c := format[i]
		switch {
		case c == '{' && strings.HasPrefix(format[i:], "{{"):
			sb.WriteByte('{')
			i += 2
		case c == '}' && strings.HasPrefix(format[i:], "}}"):
			sb.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				sb.WriteString(format[i:])
				i = len(format)
				continue
			}
			spec := format[i+1 : i+end]
			i += end + 1
			if next >= len(args) {
				sb.WriteString(missingArg)
				continue
			}
			sb.WriteString(renderArg(args[next], hintOf(spec)))
			next++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

func hintOf(spec string) string {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		return spec[i+1:]
	}
	return ""
}

func renderArg(a interface{}, hint string) string {
	switch v := a.(type) {
	case uint8:
		return renderUint(uint64(v), hint)
	case uint16:
		return renderUint(uint64(v), hint)
	case uint32:
		return renderUint(uint64(v), hint)
	case uint64:
		return renderUint(v, hint)
	// Signed values in hex and binary show their two's complement, like Rust.
	case int8:
		return renderInt(int64(v), uint64(uint8(v)), hint)
	case int16:
		return renderInt(int64(v), uint64(uint16(v)), hint)
	case int32:
		return renderInt(int64(v), uint64(uint32(v)), hint)
	case int64:
		return renderInt(v, uint64(v), hint)
	case float32:
		return renderFloat(float64(v), 32)
	case float64:
		return renderFloat(v, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		if hint == "?" {
			return strconv.Quote(v)
		}
		return v
	case Char:
		if hint == "?" {
			return strconv.QuoteRune(rune(v))
		}
		if !utf8.ValidRune(rune(v)) {
			return string(utf8.RuneError)
		}
		return string(rune(v))
	case []byte:
		parts := make([]string, len(v))
		for i, b := range v {
			parts[i] = renderUint(uint64(b), hint)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(a)
}

func renderUint(v uint64, hint string) string {
	switch hint {
	case "x":
		return strconv.FormatUint(v, 16)
	case "#x":
		return "0x" + strconv.FormatUint(v, 16)
	case "X":
		return strings.ToUpper(strconv.FormatUint(v, 16))
	case "#X":
		return "0x" + strings.ToUpper(strconv.FormatUint(v, 16))
	case "b":
		return strconv.FormatUint(v, 2)
	case "#b":
		return "0b" + strconv.FormatUint(v, 2)
	}
	return strconv.FormatUint(v, 10)
}

func renderInt(v int64, bits uint64, hint string) string {
	switch hint {
	case "x", "#x", "X", "#X", "b", "#b":
		return renderUint(bits, hint)
	}
	return strconv.FormatInt(v, 10)
}

func renderFloat(v float64, bitSize int) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, bitSize)
}
