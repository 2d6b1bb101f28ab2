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
package defmt

import (
	"fmt"
)

type Anomaly int

const (
	AnomalyNone Anomaly = iota
	// MalformedFrame records stand for bytes that could not be decoded.
	AnomalyMalformedFrame
	// UnknownFormatIndex records carry a frame whose format string is not in the table.
	AnomalyUnknownFormatIndex
)

func (a Anomaly) String() string {
	switch a {
	case AnomalyNone:
		return "None"
	case AnomalyMalformedFrame:
		return "MalformedFrame"
	case AnomalyUnknownFormatIndex:
		return "UnknownFormatIndex"
	}
	return fmt.Sprintf("Anomaly(%d)", int(a))
}

// Record is one decoded log line.
type Record struct {
	Level     Level
	Message   string
	File      string
	Line      int
	Timestamp uint32
	Index     uint16
	Anomaly   Anomaly
}

func (r *Record) Location() string {
	if r.File == "" {
		return ""
	}
	if r.Line > 0 {
		return fmt.Sprintf("%s:%d", r.File, r.Line)
	}
	return r.File
}

// String renders the record as "[LEVEL] message file:line".
func (r *Record) String() string {
	s := fmt.Sprintf("[%s] %s", r.Level, r.Message)
	if loc := r.Location(); loc != "" {
		s += " " + loc
	}
	return s
}
