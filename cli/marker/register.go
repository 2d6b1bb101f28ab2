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

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/probe"
)

// Register watches a memory-mapped word written by the firmware.
type Register struct {
	Addr       uint32
	Mask       uint32
	FaultValue uint32
	// FinishValue is only checked if HasFinish is set.
	FinishValue uint32
	HasFinish   bool
}

func (r *Register) Record(rec *defmt.Record) Verdict {
	return Verdict{}
}

func (r *Register) Poll(ctx context.Context, s probe.Session) (Verdict, error) {
	v, err := s.PollRegister(ctx, r.Addr)
	if err != nil {
		return Verdict{}, errors.Annotatef(err, "failed to poll 0x%08x", r.Addr)
	}
	glog.V(4).Infof("0x%08x = 0x%08x", r.Addr, v)
	mask := r.Mask
	if mask == 0 {
		mask = 0xffffffff
	}
	switch {
	case v&mask == r.FaultValue&mask:
		return fault("register 0x%08x = 0x%08x", r.Addr, v), nil
	case r.HasFinish && v&mask == r.FinishValue&mask:
		return finish("register 0x%08x = 0x%08x", r.Addr, v), nil
	}
	return Verdict{}, nil
}
