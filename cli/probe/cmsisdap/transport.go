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

// Package cmsisdap is the probe.Transport backed by a CMSIS-DAP probe
// talking SWD to an STM32F4 target.
package cmsisdap

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
	goversion "github.com/mcuadros/go-version"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/ourutil"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/probe/cortex"
	"github.com/mongoose-os/probe-run/cli/probe/dap"
	"github.com/mongoose-os/probe-run/cli/probe/dp"
	"github.com/mongoose-os/probe-run/cli/probe/memap"
)

const (
	// DAPLink. Raspberry Pi debugprobe and others can be selected with --probe.
	DefaultVID = 0x0d28
	DefaultPID = 0x0204

	DefaultClockHz = 4000000

	// Firmware older than this is known to drop transfers on long block reads.
	minFirmwareVersion = "1.0"
)

// Injected in tests.
var newDAPClient = dap.NewClient

type Transport struct {
	VID, PID uint16
	Serial   string
	ClockHz  uint32
}

var swdLineReset = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// swdInit switches the target debug port to SWD: line reset,
// JTAG-to-SWD sequence, line reset again and idle cycles.
func swdInit(ctx context.Context, dapc dap.Client, clockHz uint32) error {
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return errors.Annotatef(err, "failed to connect to debug probe in SWD mode")
	}
	if err := dapc.SWJClock(ctx, clockHz); err != nil {
		return errors.Annotatef(err, "failed to set clock")
	}
	if err := dapc.SWDConfigure(ctx, 0); err != nil {
		return errors.Annotatef(err, "failed to configure SWD")
	}
	for _, seq := range []struct {
		bits int
		data []byte
	}{
		{64, swdLineReset},
		{16, []byte{0x9e, 0xe7}},
		{64, swdLineReset},
		{16, []byte{0, 0}},
	} {
		if err := dapc.SWJSequence(ctx, seq.bits, seq.data); err != nil {
			return errors.Annotatef(err, "SWD reset sequence failed")
		}
	}
	return errors.Annotatef(dapc.TransferConfigure(ctx, 0, 100, 100), "failed to configure transfers")
}

func checkFirmwareVersion(v string) {
	if v == "" {
		return
	}
	if goversion.Compare(goversion.Normalize(v), goversion.Normalize(minFirmwareVersion), "<") {
		ourutil.Reportf("Warning: probe firmware %s is older than %s, consider updating it", v, minFirmwareVersion)
	}
}

func (t *Transport) Connect(ctx context.Context, c *chip.Chip) (probe.Session, error) {
	vid, pid, clk := t.VID, t.PID, t.ClockHz
	if vid == 0 && pid == 0 {
		vid, pid = DefaultVID, DefaultPID
	}
	if clk == 0 {
		clk = DefaultClockHz
	}
	dapc, err := newDAPClient(ctx, vid, pid, t.Serial)
	if err != nil {
		return nil, wrapErr(errors.Annotatef(err, "failed to open debug probe"))
	}
	s, err := attach(ctx, dapc, c, clk)
	if err != nil {
		dapc.Disconnect(context.Background())
		dapc.Close(context.Background())
		return nil, wrapErr(err)
	}
	return s, nil
}

func attach(ctx context.Context, dapc dap.Client, c *chip.Chip, clockHz uint32) (*session, error) {
	vendor, _ := dapc.GetInfoString(ctx, dap.InfoVendor)
	product, _ := dapc.GetInfoString(ctx, dap.InfoProduct)
	serial, _ := dapc.GetInfoString(ctx, dap.InfoSerial)
	version, _ := dapc.GetFirmwareVersion(ctx)
	ourutil.Reportf("CMSIS-DAP probe %s %s v%s S/N %s", vendor, product, version, serial)
	checkFirmwareVersion(version)

	if err := swdInit(ctx, dapc, clockHz); err != nil {
		return nil, errors.Trace(err)
	}
	dpc := dp.NewClient(dapc)
	idr, err := dpc.Init(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to init DP, is the target connected and powered on?")
	}
	mapc := memap.NewClient(dpc, 0 /* apSel */)
	if err := mapc.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init AP")
	}
	name, err := cortex.New(mapc).Init(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ourutil.Reportf("Target: %s, %s (DP: %s)", c.Name, name, idr)
	s := newSession(c, dapc, mapc)
	if err := s.core.Halt(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to halt the target")
	}
	if err := dapc.SetHostStatus(ctx, dap.StatusConnected, true); err != nil {
		glog.V(1).Infof("failed to set host status: %s", err)
	}
	glog.Infof("attached to %s", c)
	return s, nil
}
