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
package runner

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/loader"
	"github.com/mongoose-os/probe-run/cli/probe"
)

type State int

const (
	Idle State = iota
	Loading
	Halted
	Running
	Faulted
	Finished
	Aborted
)

var stateNames = []string{"Idle", "Loading", "Halted", "Running", "Faulted", "Finished", "Aborted"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Process exit codes.
const (
	ExitFinished    = 0
	ExitFaulted     = 1
	ExitAborted     = 2
	ExitLoadFailed  = 3
	ExitSetupFailed = 4
)

type SessionErrorKind int

const (
	// SessionTimeout means the probe stopped responding.
	SessionTimeout SessionErrorKind = iota
	// SessionAborted means the run was interrupted.
	SessionAborted
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionTimeout:
		return "Timeout"
	case SessionAborted:
		return "Aborted"
	}
	return fmt.Sprintf("SessionErrorKind(%d)", int(k))
}

type SessionError struct {
	Kind SessionErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func sessionError(err error) *SessionError {
	if probe.IsDisconnected(err) || probe.IsTimeout(err) {
		return &SessionError{Kind: SessionTimeout, Err: err}
	}
	return &SessionError{Kind: SessionAborted, Err: err}
}

// RuntimeFault means the firmware faulted.
type RuntimeFault struct {
	Reason string
}

func (e *RuntimeFault) Error() string {
	return "FaultMarkerObserved: " + e.Reason
}

// Result is the outcome of a run.
type Result struct {
	State State
	// Phase is the state in which the run ended, Loading or Running.
	Phase   State
	Err     error
	Records int
}

func (r *Result) ExitCode() int {
	switch r.State {
	case Finished:
		return ExitFinished
	case Faulted:
		return ExitFaulted
	}
	if r.Phase == Loading {
		return ExitLoadFailed
	}
	return ExitAborted
}

// ErrorKind names the kind of error that ended the run.
func ErrorKind(err error) string {
	switch e := errors.Cause(err).(type) {
	case nil:
		return ""
	case *loader.LoadError:
		return e.Kind.String()
	case *SessionError:
		return e.Kind.String()
	case *RuntimeFault:
		return "FaultMarkerObserved"
	}
	return "Error"
}

// Diagnostic is the one line printed for a failed run, empty on success.
func (r *Result) Diagnostic() string {
	if r.State == Finished || r.Err == nil {
		return ""
	}
	detail := r.Err.Error()
	switch e := errors.Cause(r.Err).(type) {
	case *RuntimeFault:
		detail = e.Reason
	case *SessionError:
		if e.Err != nil {
			detail = e.Err.Error()
		}
	case *loader.LoadError:
		if e.Err != nil {
			detail = e.Err.Error()
		}
		if e.Kind == loader.VerifyMismatch || e.Kind == loader.ImageParseError {
			detail = fmt.Sprintf("0x%08x: %s", e.Address, detail)
		}
	}
	return fmt.Sprintf("error: %s: %s: %s", r.Phase, ErrorKind(r.Err), detail)
}
