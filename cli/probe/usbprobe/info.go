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
package usbprobe

import (
	"fmt"
	"sort"
)

type Info struct {
	VID, PID     uint16
	Name         string
	Manufacturer string
	Product      string
	Serial       string
}

func (i Info) String() string {
	return fmt.Sprintf("%04x:%04x %s (%s %s) S/N %s", i.VID, i.PID, i.Name, i.Manufacturer, i.Product, i.Serial)
}

type knownProbe struct {
	vid, pid uint16
	name     string
}

var knownProbes = []knownProbe{
	{0x0d28, 0x0204, "DAPLink"},
	{0x2e8a, 0x000c, "Raspberry Pi Debug Probe"},
	{0xc251, 0xf001, "Keil ULINK-ME"},
}

// Lookup returns the name of a known CMSIS-DAP probe.
func Lookup(vid, pid uint16) (string, bool) {
	for _, kp := range knownProbes {
		if kp.vid == vid && kp.pid == pid {
			return kp.name, true
		}
	}
	return "", false
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].VID != infos[j].VID {
			return infos[i].VID < infos[j].VID
		}
		if infos[i].PID != infos[j].PID {
			return infos[i].PID < infos[j].PID
		}
		return infos[i].Serial < infos[j].Serial
	})
}
