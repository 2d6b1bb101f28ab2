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

// Package cortex controls an ARMv7-M core through its debug registers.
// Doc: ARM v7-M Architecture Reference Manual, part C1.
package cortex

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/probe/memap"
)

const (
	RegCPUID    uint32 = 0xE000ED00
	RegAIRCR    uint32 = 0xE000ED0C
	RegAIRCRKey uint32 = 0x05FA0000

	RegDHCSR    uint32 = 0xE000EDF0
	RegDHCSRKey uint32 = 0xA05F0000
	RegDCRSR    uint32 = 0xE000EDF4
	RegDCRDR    uint32 = 0xE000EDF8
	RegDEMCR    uint32 = 0xE000EDFC
	RegPID0     uint32 = 0xE000EFE0

	DHCSRDebugEn uint32 = 1 << 0
	DHCSRHalt    uint32 = 1 << 1
	DHCSRRegRdy  uint32 = 1 << 16
	DHCSRSHalt   uint32 = 1 << 17

	aircrSysResetReq = 1 << 2
	// VC_CORERESET is only set around the reset. VC_HARDERR stays on while
	// the firmware runs so a HardFault halts the core at the handler entry,
	// where the default handler would otherwise spin forever.
	demcrVCCoreReset = 1 << 0
	demcrVCHardErr   = 1 << 10
	demcrTrcEna      = 1 << 24

	// DEMCRRun is the DEMCR value while the firmware runs.
	DEMCRRun uint32 = demcrTrcEna | demcrVCHardErr

	dcrsrWrite = 1 << 16

	maxStatusPolls = 1000
)

// Core register numbers for DCRSR.
const (
	SP   = 13
	LR   = 14
	PC   = 15
	XPSR = 0x10
	MSP  = 0x11
	PSP  = 0x12
)

type Core struct {
	m memap.WordMemory
}

func New(m memap.WordMemory) *Core {
	return &Core{m: m}
}

// Init checks that the target is a Cortex-M4 and returns its description.
func (c *Core) Init(ctx context.Context) (string, error) {
	cpuid, err := c.m.ReadWord(ctx, RegCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID")
	}
	if cpuid&0xff00fff0 != 0x4100c240 {
		return "", errors.Errorf("target is not a Cortex-M4 (CPUID 0x%08x)", cpuid)
	}
	pid0, err := c.m.ReadWord(ctx, RegPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get PID0")
	}
	return TargetName(cpuid, pid0), nil
}

func (c *Core) waitDHCSR(ctx context.Context, mask uint32) error {
	for i := 0; i < maxStatusPolls; i++ {
		dhcsr, err := c.m.ReadWord(ctx, RegDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		glog.V(3).Infof("DHCSR 0x%08x", dhcsr)
		if dhcsr&mask == mask {
			return nil
		}
	}
	return errors.Errorf("DHCSR bits 0x%08x did not come up", mask)
}

func (c *Core) IsHalted(ctx context.Context) (bool, error) {
	dhcsr, err := c.m.ReadWord(ctx, RegDHCSR)
	if err != nil {
		return false, errors.Annotatef(err, "failed to get DHCSR")
	}
	return dhcsr&DHCSRSHalt != 0, nil
}

func (c *Core) Halt(ctx context.Context) error {
	glog.V(2).Infof("Halt")
	if err := c.m.WriteWord(ctx, RegDHCSR, RegDHCSRKey|DHCSRDebugEn|DHCSRHalt); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	return errors.Trace(c.waitDHCSR(ctx, DHCSRSHalt))
}

func (c *Core) Resume(ctx context.Context) error {
	glog.V(2).Infof("Resume")
	return errors.Annotatef(c.m.WriteWord(ctx, RegDHCSR, RegDHCSRKey|DHCSRDebugEn), "failed to set DHCSR")
}

// ResetHalt resets the system and stops the core at the reset vector.
func (c *Core) ResetHalt(ctx context.Context) error {
	glog.V(2).Infof("ResetHalt")
	if err := c.m.WriteWord(ctx, RegDHCSR, RegDHCSRKey|DHCSRDebugEn|DHCSRHalt); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := c.m.WriteWord(ctx, RegDEMCR, demcrTrcEna|demcrVCCoreReset); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	if err := c.m.WriteWord(ctx, RegAIRCR, RegAIRCRKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request reset")
	}
	if err := c.waitDHCSR(ctx, DHCSRSHalt); err != nil {
		return errors.Annotatef(err, "core did not halt after reset")
	}
	return errors.Annotatef(c.m.WriteWord(ctx, RegDEMCR, DEMCRRun), "failed to set DEMCR")
}

func (c *Core) GetReg(ctx context.Context, reg int) (uint32, error) {
	if err := c.m.WriteWord(ctx, RegDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitDHCSR(ctx, DHCSRRegRdy); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for reg read")
	}
	value, err := c.m.ReadWord(ctx, RegDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

func (c *Core) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := c.m.WriteWord(ctx, RegDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.m.WriteWord(ctx, RegDCRSR, dcrsrWrite|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitDHCSR(ctx, DHCSRRegRdy))
}

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendor := fmt.Sprintf("0x%02x", cpuid>>24)
	if cpuid>>24 == 0x41 {
		vendor = "ARM"
	}
	patch := cpuid & 0xf
	rev := (cpuid >> 20) & 0xf
	part := fmt.Sprintf("part 0x%03x", (cpuid>>4)&0xfff)
	switch (cpuid >> 4) & 0xfff {
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}
