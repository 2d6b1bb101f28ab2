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
package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.True(t, LooksLikeVersionNumber("1.2.3"))
	assert.False(t, LooksLikeVersionNumber("latest"))
	assert.Equal(t, "0a1b2c", BuildHash("1.2.3+0a1b2c"))
	assert.Equal(t, "", BuildHash("20240101-120000"))

	old := Version
	defer func() { Version = old }()
	Version = "2.0"
	assert.Equal(t, "2.0", GetVersion())
	assert.Contains(t, String(), "probe-run 2.0")
	Version = "dev"
	assert.Equal(t, LatestVersionName, GetVersion())
}
