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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	name, ok := Lookup(0x0d28, 0x0204)
	assert.True(t, ok)
	assert.Equal(t, "DAPLink", name)
	_, ok = Lookup(0x0483, 0x374b)
	assert.False(t, ok)
}

func TestSortInfos(t *testing.T) {
	infos := []Info{
		{VID: 0x2e8a, PID: 0x000c, Serial: "B"},
		{VID: 0x0d28, PID: 0x0204, Serial: "Z"},
		{VID: 0x2e8a, PID: 0x000c, Serial: "A"},
	}
	sortInfos(infos)
	assert.Equal(t, []string{"Z", "A", "B"}, []string{infos[0].Serial, infos[1].Serial, infos[2].Serial})
	assert.Equal(t, "0d28:0204  ( ) S/N Z", infos[0].String())
}
