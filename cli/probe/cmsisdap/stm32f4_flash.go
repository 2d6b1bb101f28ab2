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
package cmsisdap

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/probe/memap"
)

// STM32F4 flash interface registers, RM0368 section 3.8.
const (
	flashRegBase = 0x40023c00
	flashKEYR    = flashRegBase + 0x04
	flashSR      = flashRegBase + 0x0c
	flashCR      = flashRegBase + 0x10

	flashKey1 = 0x45670123
	flashKey2 = 0xcdef89ab

	crPG      = 1 << 0
	crSER     = 1 << 1
	crSNBPos  = 3
	crPSize32 = 2 << 8
	crSTRT    = 1 << 16
	crLOCK    = 1 << 31

	srEOP    = 1 << 0
	srBSY    = 1 << 16
	srErrors = 0xf2 // OPERR | WRPERR | PGAERR | PGPERR | PGSERR

	eraseTimeout   = 4 * time.Second
	programTimeout = 1 * time.Second
)

// stm32f4Flash drives the flash controller with plain memory accesses.
// Programming uses x32 parallelism, which needs 2.7-3.6V supply.
type stm32f4Flash struct {
	m    memap.WordMemory
	chip *chip.Chip
}

func (f *stm32f4Flash) unlock(ctx context.Context) error {
	cr, err := f.m.ReadWord(ctx, flashCR)
	if err != nil {
		return errors.Annotatef(err, "failed to read FLASH_CR")
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.m.WriteWord(ctx, flashKEYR, flashKey1); err != nil {
		return errors.Trace(err)
	}
	if err := f.m.WriteWord(ctx, flashKEYR, flashKey2); err != nil {
		return errors.Trace(err)
	}
	cr, err = f.m.ReadWord(ctx, flashCR)
	if err != nil {
		return errors.Annotatef(err, "failed to read FLASH_CR")
	}
	if cr&crLOCK != 0 {
		return errors.Errorf("flash did not unlock (CR 0x%08x)", cr)
	}
	return nil
}

func (f *stm32f4Flash) lock(ctx context.Context) error {
	return errors.Annotatef(f.m.WriteWord(ctx, flashCR, crLOCK), "failed to lock flash")
}

// waitIdle waits for BSY to clear and checks the error flags, clearing them if set.
func (f *stm32f4Flash) waitIdle(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		sr, err := f.m.ReadWord(ctx, flashSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read FLASH_SR")
		}
		if sr&srBSY != 0 {
			continue
		}
		if sr&srErrors != 0 {
			f.m.WriteWord(ctx, flashSR, sr&(srErrors|srEOP))
			return errors.Errorf("flash error (SR 0x%08x)", sr)
		}
		return nil
	}
}

func (f *stm32f4Flash) EraseSector(ctx context.Context, s chip.Sector) error {
	glog.V(1).Infof("erasing sector %d @ 0x%08x (%d)", s.Index, s.Addr, s.Size)
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	defer f.lock(ctx)
	if err := f.waitIdle(ctx, programTimeout); err != nil {
		return errors.Trace(err)
	}
	cr := uint32(crSER | crPSize32 | uint32(s.Index)<<crSNBPos)
	if err := f.m.WriteWord(ctx, flashCR, cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.m.WriteWord(ctx, flashCR, cr|crSTRT); err != nil {
		return errors.Trace(err)
	}
	if err := f.waitIdle(ctx, eraseTimeout); err != nil {
		return errors.Annotatef(err, "sector %d", s.Index)
	}
	return nil
}

func (f *stm32f4Flash) Program(ctx context.Context, addr uint32, data []byte) error {
	if addr%4 != 0 {
		return errors.Errorf("flash address must be word-aligned, got 0x%08x", addr)
	}
	glog.V(2).Infof("programming %d @ 0x%08x", len(data), addr)
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	defer f.lock(ctx)
	if err := f.waitIdle(ctx, programTimeout); err != nil {
		return errors.Trace(err)
	}
	if err := f.m.WriteWord(ctx, flashCR, crPG|crPSize32); err != nil {
		return errors.Trace(err)
	}
	if err := f.m.WriteWords(ctx, addr, memap.ToWords(data, f.chip.ErasedByte)); err != nil {
		return errors.Trace(err)
	}
	if err := f.waitIdle(ctx, programTimeout); err != nil {
		return errors.Annotatef(err, "program @ 0x%08x", addr)
	}
	return nil
}
