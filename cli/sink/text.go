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
package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/samber/lo"

	"github.com/mongoose-os/probe-run/cli/defmt"
)

// Text prints one "[LEVEL] message file:line" line per record.
type Text struct {
	w          io.Writer
	timestamps bool
	levels     map[defmt.Level]*color.Color
	dim        *color.Color
}

// NewText creates a text sink. Colors are used only if colorize is set,
// regardless of what the terminal supports.
func NewText(w io.Writer, timestamps, colorize bool) *Text {
	t := &Text{
		w:          w,
		timestamps: timestamps,
		levels: map[defmt.Level]*color.Color{
			defmt.LevelTrace: color.New(color.FgHiBlack),
			defmt.LevelDebug: color.New(color.FgWhite),
			defmt.LevelInfo:  color.New(color.FgGreen),
			defmt.LevelWarn:  color.New(color.FgYellow),
			defmt.LevelError: color.New(color.FgRed, color.Bold),
		},
		dim: color.New(color.Faint),
	}
	for _, c := range append(lo.Values(t.levels), t.dim) {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

func (t *Text) Emit(r *defmt.Record) error {
	var sb strings.Builder
	if t.timestamps {
		fmt.Fprintf(&sb, "%s ", t.dim.Sprintf("%10d", r.Timestamp))
	}
	level := r.Level.String()
	if c := t.levels[r.Level]; c != nil {
		level = c.Sprint(level)
	}
	fmt.Fprintf(&sb, "[%s] %s", level, r.Message)
	if loc := r.Location(); loc != "" {
		sb.WriteString(" " + t.dim.Sprint(loc))
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(t.w, sb.String())
	return errors.Trace(err)
}

func (t *Text) Close() error {
	return nil
}
