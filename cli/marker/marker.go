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

// Package marker decides when a running firmware is done: it watches decoded
// records and target state for fault and exit markers.
package marker

import (
	"context"
	"fmt"

	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/probe"
)

type Outcome int

const (
	Continue Outcome = iota
	Finish
	Fault
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "Continue"
	case Finish:
		return "Finish"
	case Fault:
		return "Fault"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Verdict struct {
	Outcome Outcome
	Reason  string
}

func (v Verdict) Terminal() bool {
	return v.Outcome != Continue
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return v.Outcome.String()
	}
	return fmt.Sprintf("%s: %s", v.Outcome, v.Reason)
}

// Policy is consulted by the run controller for every record and once per
// poll cycle. Once a terminal verdict is returned the session ends.
type Policy interface {
	Record(r *defmt.Record) Verdict
	Poll(ctx context.Context, s probe.Session) (Verdict, error)
}

func fault(f string, args ...interface{}) Verdict {
	return Verdict{Outcome: Fault, Reason: fmt.Sprintf(f, args...)}
}

func finish(f string, args ...interface{}) Verdict {
	return Verdict{Outcome: Finish, Reason: fmt.Sprintf(f, args...)}
}

// Level faults on the first record at or above Min.
// Decoder anomalies are reported with their own level and never count.
type Level struct {
	Min defmt.Level
}

func (l *Level) Record(r *defmt.Record) Verdict {
	if r.Anomaly == defmt.AnomalyNone && r.Level >= l.Min {
		return fault("%s record: %s", r.Level, r.Message)
	}
	return Verdict{}
}

func (l *Level) Poll(ctx context.Context, s probe.Session) (Verdict, error) {
	return Verdict{}, nil
}

// anyOf combines policies, the first terminal verdict wins.
type anyOf []Policy

func Any(pp ...Policy) Policy {
	if len(pp) == 1 {
		return pp[0]
	}
	return anyOf(pp)
}

func (a anyOf) Record(r *defmt.Record) Verdict {
	for _, p := range a {
		if v := p.Record(r); v.Terminal() {
			return v
		}
	}
	return Verdict{}
}

func (a anyOf) Poll(ctx context.Context, s probe.Session) (Verdict, error) {
	for _, p := range a {
		v, err := p.Poll(ctx, s)
		if err != nil || v.Terminal() {
			return v, err
		}
	}
	return Verdict{}, nil
}
