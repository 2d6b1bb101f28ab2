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
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/probe/cortex"
)

const maxRegRdyPolls = 100

// Range is a half-open address range.
type Range struct {
	Name  string
	Start uint32
	End   uint32
}

func (r Range) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%s [0x%08x, 0x%08x)", r.Name, r.Start, r.End)
}

// Halt watches for the core stopping on its own, which firmware does with a
// breakpoint instruction and the core does on a HardFault (the HardFault
// vector catch is armed by reset). Where it stopped tells how it ended: inside one of
// FaultRanges is a fault, otherwise it is an exit. If ExitAddr is set, only
// a halt at that address is an exit and any other halt is a fault.
type Halt struct {
	ExitAddr    uint32
	FaultRanges []Range
}

func (h *Halt) Record(r *defmt.Record) Verdict {
	return Verdict{}
}

func (h *Halt) Poll(ctx context.Context, s probe.Session) (Verdict, error) {
	dhcsr, err := s.PollRegister(ctx, cortex.RegDHCSR)
	if err != nil {
		return Verdict{}, errors.Annotatef(err, "failed to read DHCSR")
	}
	if dhcsr&cortex.DHCSRSHalt == 0 {
		return Verdict{}, nil
	}
	pc, err := readPC(ctx, s)
	if err != nil {
		return Verdict{}, errors.Trace(err)
	}
	glog.Infof("core halted, PC = 0x%08x", pc)
	for _, fr := range h.FaultRanges {
		if fr.Contains(pc) {
			return fault("core halted in %s, PC 0x%08x", fr.Name, pc), nil
		}
	}
	if h.ExitAddr != 0 && pc&^1 != h.ExitAddr&^1 {
		return fault("core halted at unexpected PC 0x%08x", pc), nil
	}
	return finish("core halted at PC 0x%08x", pc), nil
}

func readPC(ctx context.Context, s probe.Session) (uint32, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, cortex.PC)
	if err := s.WriteMemory(ctx, cortex.RegDCRSR, buf); err != nil {
		return 0, errors.Annotatef(err, "failed to select PC")
	}
	for i := 0; ; i++ {
		dhcsr, err := s.PollRegister(ctx, cortex.RegDHCSR)
		if err != nil {
			return 0, errors.Annotatef(err, "failed to read DHCSR")
		}
		if dhcsr&cortex.DHCSRRegRdy != 0 {
			break
		}
		if i >= maxRegRdyPolls {
			return 0, errors.Annotatef(probe.ErrTimeout, "register transfer did not complete")
		}
	}
	data, err := s.ReadMemory(ctx, cortex.RegDCRDR, 4)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read PC")
	}
	return binary.LittleEndian.Uint32(data), nil
}
