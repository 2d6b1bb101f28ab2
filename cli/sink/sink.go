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

// Package sink delivers decoded log records to the user.
package sink

import (
	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/common/multierror"
)

// Sink receives records in stream order from a single goroutine.
type Sink interface {
	Emit(r *defmt.Record) error
	Close() error
}

type multi []Sink

// Multi fans records out to all sinks, in the order given.
func Multi(ss ...Sink) Sink {
	if len(ss) == 1 {
		return ss[0]
	}
	return multi(ss)
}

func (m multi) Emit(r *defmt.Record) error {
	var err error
	for _, s := range m {
		err = multierror.Append(err, s.Emit(r))
	}
	return err
}

func (m multi) Close() error {
	var err error
	for _, s := range m {
		err = multierror.Append(err, s.Close())
	}
	return err
}

// Collector keeps records in memory.
type Collector struct {
	Records []*defmt.Record
	Closed  bool
}

func (c *Collector) Emit(r *defmt.Record) error {
	c.Records = append(c.Records, r)
	return nil
}

func (c *Collector) Close() error {
	c.Closed = true
	return nil
}

// Messages returns the String() of every collected record.
func (c *Collector) Messages() []string {
	res := make([]string, len(c.Records))
	for i, r := range c.Records {
		res[i] = r.String()
	}
	return res
}
