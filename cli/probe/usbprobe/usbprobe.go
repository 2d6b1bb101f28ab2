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

//go:build !no_libudev
// +build !no_libudev

// Package usbprobe lists debug probes attached over USB.
package usbprobe

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// List returns all attached probes with a known VID:PID.
func List() ([]Info, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		_, known := Lookup(uint16(dd.Vendor), uint16(dd.Product))
		glog.V(1).Infof("Dev %s:%s known: %t", dd.Vendor, dd.Product, known)
		return known
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var res []Info
	for _, dev := range devs {
		info := Info{VID: uint16(dev.Desc.Vendor), PID: uint16(dev.Desc.Product)}
		info.Name, _ = Lookup(info.VID, info.PID)
		info.Manufacturer, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()
		info.Serial, _ = dev.SerialNumber()
		dev.Close()
		res = append(res, info)
	}
	sortInfos(res)
	return res, nil
}
