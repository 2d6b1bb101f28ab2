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

// Package logsource provides the byte streams the run controller polls for
// log frames: the RTT up channel in target RAM and a plain UART.
package logsource

import (
	"context"
)

// Source is polled by the run controller. Read returns whatever bytes became
// available since the previous call, possibly none, and must not block for
// longer than the context allows.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

const DefaultMaxRead = 1024
