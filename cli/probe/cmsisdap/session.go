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

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/probe/cortex"
	"github.com/mongoose-os/probe-run/cli/probe/dap"
	"github.com/mongoose-os/probe-run/cli/probe/memap"
)

type session struct {
	chip  *chip.Chip
	dapc  dap.Client
	mem   memap.WordMemory
	core  *cortex.Core
	flash *stm32f4Flash
	state probe.State
}

func newSession(c *chip.Chip, dapc dap.Client, mem memap.WordMemory) *session {
	return &session{
		chip:  c,
		dapc:  dapc,
		mem:   mem,
		core:  cortex.New(mem),
		flash: &stm32f4Flash{m: mem, chip: c},
		state: probe.StateHalted,
	}
}

// wrapErr maps probe-level failures to the probe package taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	switch errors.Cause(err) {
	case dap.ErrDeviceGone:
		return errors.Annotate(errors.Wrap(err, probe.ErrDisconnected), err.Error())
	case context.DeadlineExceeded:
		return errors.Annotate(errors.Wrap(err, probe.ErrTimeout), err.Error())
	}
	return err
}

func (s *session) checkAttached() error {
	if s.state == probe.StateDetached {
		return errors.Annotatef(probe.ErrDisconnected, "session is closed")
	}
	return nil
}

func (s *session) setRunningLED(ctx context.Context, running bool) {
	if s.dapc == nil {
		return
	}
	if err := s.dapc.SetHostStatus(ctx, dap.StatusRunning, running); err != nil {
		glog.V(1).Infof("failed to set host status: %s", err)
	}
}

func (s *session) Chip() *chip.Chip {
	return s.chip
}

func (s *session) State() probe.State {
	return s.state
}

func (s *session) Halt(ctx context.Context) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	if err := s.core.Halt(ctx); err != nil {
		return wrapErr(errors.Annotatef(err, "halt"))
	}
	s.state = probe.StateHalted
	s.setRunningLED(ctx, false)
	return nil
}

func (s *session) Reset(ctx context.Context) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	if err := s.core.ResetHalt(ctx); err != nil {
		return wrapErr(errors.Annotatef(err, "reset"))
	}
	s.state = probe.StateReset
	return nil
}

func (s *session) Resume(ctx context.Context) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	if err := s.core.Resume(ctx); err != nil {
		return wrapErr(errors.Annotatef(err, "resume"))
	}
	s.state = probe.StateRunning
	s.setRunningLED(ctx, true)
	return nil
}

func (s *session) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	var err error
	if s.chip.InFlash(addr) {
		if len(data)%int(s.chip.WriteSize) != 0 {
			return errors.Errorf("flash write of %d bytes is not a multiple of %d", len(data), s.chip.WriteSize)
		}
		err = s.flash.Program(ctx, addr, data)
	} else {
		err = memap.WriteBytes(ctx, s.mem, addr, data)
	}
	return wrapErr(errors.Annotatef(err, "write %d @ 0x%08x", len(data), addr))
}

func (s *session) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	data, err := memap.ReadBytes(ctx, s.mem, addr, length)
	if err != nil {
		return nil, wrapErr(errors.Annotatef(err, "read %d @ 0x%08x", length, addr))
	}
	return data, nil
}

func (s *session) PollRegister(ctx context.Context, addr uint32) (uint32, error) {
	if err := s.checkAttached(); err != nil {
		return 0, err
	}
	v, err := s.mem.ReadWord(ctx, addr)
	if err != nil {
		return 0, wrapErr(errors.Annotatef(err, "read 0x%08x", addr))
	}
	return v, nil
}

func (s *session) EraseSector(ctx context.Context, addr uint32) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	sec, ok := s.chip.SectorAt(addr)
	if !ok || sec.Addr != addr {
		return errors.Errorf("0x%08x is not a sector start", addr)
	}
	return wrapErr(errors.Trace(s.flash.EraseSector(ctx, sec)))
}

func (s *session) Close(ctx context.Context) error {
	if s.state == probe.StateDetached {
		return nil
	}
	s.state = probe.StateDetached
	if s.dapc == nil {
		return nil
	}
	s.setRunningLED(ctx, false)
	derr := s.dapc.Disconnect(ctx)
	cerr := s.dapc.Close(ctx)
	if derr != nil {
		return errors.Annotatef(derr, "disconnect")
	}
	return errors.Trace(cerr)
}
