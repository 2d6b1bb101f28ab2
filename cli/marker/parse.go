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
	"regexp"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/ourutil"
)

// Handlers that firmware ends up in when it faults or panics.
var faultSymbols = []string{"HardFault", "HardFault_", "HardFaultTrampoline"}

var registerRE = regexp.MustCompile(`^register=(?P<addr>[^:]+):(?P<opts>.+)$`)

// Parse builds a policy from flag values:
//
//	halt               core halt; a halt in a fault handler is a fault, other halts are an exit
//	halt=SYM|ADDR      only a halt at SYM or ADDR is an exit
//	level=LEVEL        a record at LEVEL or above is a fault
//	register=ADDR:fault=V[,finish=V][,mask=M]
//
// With no specs the halt policy is used.
func Parse(specs []string, img *image.Image) (Policy, error) {
	if len(specs) == 0 {
		specs = []string{"halt"}
	}
	var res []Policy
	for _, spec := range specs {
		p, err := parseOne(strings.TrimSpace(spec), img)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid fault policy %q", spec)
		}
		res = append(res, p)
	}
	return Any(res...), nil
}

func parseOne(spec string, img *image.Image) (Policy, error) {
	key, value, _ := strings.Cut(spec, "=")
	switch key {
	case "halt":
		h := &Halt{FaultRanges: FaultRanges(img)}
		if value != "" {
			addr, err := resolveAddr(value, img)
			if err != nil {
				return nil, errors.Trace(err)
			}
			h.ExitAddr = addr
		}
		return h, nil
	case "level":
		l, err := defmt.ParseLevel(value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Level{Min: l}, nil
	case "register":
		return parseRegister(spec, img)
	}
	return nil, errors.NotValidf("policy %q", key)
}

func parseRegister(spec string, img *image.Image) (Policy, error) {
	m := ourutil.FindNamedSubmatches(registerRE, spec)
	if m == nil {
		return nil, errors.Errorf("expected register=ADDR:fault=V[,finish=V][,mask=M]")
	}
	addr, err := resolveAddr(m["addr"], img)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r := &Register{Addr: addr, Mask: 0xffffffff}
	hasFault := false
	for _, kv := range strings.Split(m["opts"], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.Errorf("expected key=value, got %q", kv)
		}
		n, err := ourutil.ParseUint32(v)
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch k {
		case "fault":
			r.FaultValue, hasFault = n, true
		case "finish":
			r.FinishValue, r.HasFinish = n, true
		case "mask":
			r.Mask = n
		default:
			return nil, errors.NotValidf("register option %q", k)
		}
	}
	if !hasFault {
		return nil, errors.Errorf("fault value is required")
	}
	return r, nil
}

// resolveAddr accepts a number or a symbol name.
func resolveAddr(s string, img *image.Image) (uint32, error) {
	if n, err := ourutil.ParseUint32(s); err == nil {
		return n, nil
	}
	if img != nil {
		if sym, ok := img.Symbol(s); ok {
			return sym.Addr &^ 1, nil
		}
	}
	return 0, errors.NotFoundf("symbol %q", s)
}

// FaultRanges returns the address ranges of the fault handlers in img.
func FaultRanges(img *image.Image) []Range {
	if img == nil {
		return nil
	}
	var res []Range
	for _, name := range faultSymbols {
		sym, ok := img.Symbol(name)
		if !ok {
			continue
		}
		start := sym.Addr &^ 1
		size := sym.Size
		if size == 0 {
			size = 2
		}
		res = append(res, Range{Name: name, Start: start, End: start + size})
	}
	return res
}
