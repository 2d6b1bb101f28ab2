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
	"encoding/json"
	"io"

	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
)

// jsonRecord is the wire form of a record in NDJSON and MQTT output.
type jsonRecord struct {
	RunID     string `json:"run_id,omitempty"`
	Timestamp uint32 `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"msg"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Index     uint16 `json:"index"`
	Anomaly   string `json:"anomaly,omitempty"`
}

func marshalRecord(runID string, r *defmt.Record) ([]byte, error) {
	jr := jsonRecord{
		RunID:     runID,
		Timestamp: r.Timestamp,
		Level:     r.Level.String(),
		Message:   r.Message,
		File:      r.File,
		Line:      r.Line,
		Index:     r.Index,
	}
	if r.Anomaly != defmt.AnomalyNone {
		jr.Anomaly = r.Anomaly.String()
	}
	return json.Marshal(&jr)
}

// JSON writes one JSON object per line.
type JSON struct {
	w     io.Writer
	runID string
}

func NewJSON(w io.Writer, runID string) *JSON {
	return &JSON{w: w, runID: runID}
}

func (j *JSON) Emit(r *defmt.Record) error {
	data, err := marshalRecord(j.runID, r)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = j.w.Write(append(data, '\n'))
	return errors.Trace(err)
}

func (j *JSON) Close() error {
	return nil
}
