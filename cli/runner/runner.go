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

// Package runner drives one flash-and-monitor session: load the image,
// reset the target, stream its log and decide when and how it ended.
package runner

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/loader"
	"github.com/mongoose-os/probe-run/cli/logsource"
	"github.com/mongoose-os/probe-run/cli/marker"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/sink"
)

const maxDrainReads = 16

type Config struct {
	PollInterval time.Duration
	// Bound on a single probe operation. Timed out operations are retried
	// Retries times in total before the probe is declared gone.
	OpTimeout time.Duration
	Retries   int
	Load      loader.Options
	// Clock drives the poll interval, the wall clock if nil.
	Clock clock.Clock
	RunID string
}

// Runner owns the session for the duration of Run. All probe access happens
// on the goroutine calling Run.
type Runner struct {
	cfg    Config
	sess   probe.Session
	img    *image.Image
	src    logsource.Source
	dec    *defmt.Decoder
	policy marker.Policy
	sink   sink.Sink

	state   State
	records int
	verdict marker.Verdict
}

func New(cfg Config, sess probe.Session, img *image.Image, src logsource.Source, dec *defmt.Decoder, policy marker.Policy, s sink.Sink) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = time.Second
	}
	return &Runner{cfg: cfg, sess: sess, img: img, src: src, dec: dec, policy: policy, sink: s}
}

func (r *Runner) State() State {
	return r.state
}

func (r *Runner) setState(s State) {
	glog.Infof("[%s] %s -> %s", r.cfg.RunID, r.state, s)
	r.state = s
}

// Run loads the image and runs the firmware until it faults, exits, the
// probe goes away or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) *Result {
	r.setState(Loading)
	if err := loader.Load(ctx, r.sess, r.img, r.cfg.Load); err != nil {
		// Flash contents are unknown, the target stays halted and is not reset.
		r.setState(Aborted)
		return &Result{State: Aborted, Phase: Loading, Err: err}
	}
	r.setState(Halted)

	if err := r.start(ctx); err != nil {
		return r.stop(sessionError(err))
	}
	r.setState(Running)

	for {
		if err := ctx.Err(); err != nil {
			return r.stop(&SessionError{Kind: SessionAborted, Err: errors.Annotatef(err, "interrupted")})
		}
		data, err := r.read(ctx)
		if err != nil {
			return r.stop(r.loopError(ctx, err))
		}
		r.process(data)
		if r.verdict.Terminal() {
			return r.stop(nil)
		}
		if err := r.poll(ctx); err != nil {
			return r.stop(r.loopError(ctx, err))
		}
		if r.verdict.Terminal() {
			return r.stop(nil)
		}
		select {
		case <-ctx.Done():
		case <-r.cfg.Clock.After(r.cfg.PollInterval):
		}
	}
}

func (r *Runner) loopError(ctx context.Context, err error) *SessionError {
	if ctx.Err() != nil {
		return &SessionError{Kind: SessionAborted, Err: errors.Annotatef(err, "interrupted")}
	}
	return sessionError(err)
}

func (r *Runner) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return probe.WithRetry(ctx, r.cfg.Retries, r.cfg.OpTimeout, op)
}

func (r *Runner) start(ctx context.Context) error {
	if err := r.withRetry(ctx, r.sess.Reset); err != nil {
		return errors.Annotatef(err, "failed to reset the target")
	}
	if err := r.withRetry(ctx, r.sess.Resume); err != nil {
		return errors.Annotatef(err, "failed to start the target")
	}
	return nil
}

func (r *Runner) read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.src.Read(ctx)
		return err
	})
	return data, errors.Annotatef(err, "failed to read log")
}

func (r *Runner) poll(ctx context.Context) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		v, err := r.policy.Poll(ctx, r.sess)
		if err != nil {
			return err
		}
		r.observe(v)
		return nil
	})
}

func (r *Runner) observe(v marker.Verdict) {
	if v.Terminal() && !r.verdict.Terminal() {
		glog.Infof("[%s] %s", r.cfg.RunID, v)
		r.verdict = v
	}
}

// process decodes data and emits the resulting records in stream order.
// A record that ends the run does not stop the ones after it in the same
// batch from being emitted.
func (r *Runner) process(data []byte) {
	if len(data) == 0 {
		return
	}
	r.dec.Feed(data)
	for {
		rec, ok := r.dec.Next()
		if !ok {
			return
		}
		r.records++
		if err := r.sink.Emit(rec); err != nil {
			glog.Errorf("[%s] failed to emit record: %s", r.cfg.RunID, err)
		}
		r.observe(r.policy.Record(rec))
	}
}

// stop halts the target once, drains the log and builds the result.
func (r *Runner) stop(serr *SessionError) *Result {
	// Once loaded, a failure belongs to the running phase, even one
	// before the firmware was started.
	phase := Running
	hctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	if err := r.sess.Halt(hctx); err != nil {
		glog.Warningf("[%s] failed to halt the target: %s", r.cfg.RunID, err)
	}
	cancel()
	if serr == nil || serr.Kind != SessionTimeout {
		r.drain()
	}

	res := &Result{Phase: phase, Records: r.records}
	switch {
	case serr != nil:
		res.State, res.Err = Aborted, serr
	case r.verdict.Outcome == marker.Fault:
		res.State, res.Err = Faulted, &RuntimeFault{Reason: r.verdict.Reason}
	default:
		res.State = Finished
	}
	r.setState(res.State)
	return res
}

// drain reads whatever the firmware logged before it was halted.
func (r *Runner) drain() {
	for i := 0; i < maxDrainReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
		data, err := r.src.Read(ctx)
		cancel()
		if err != nil {
			glog.V(1).Infof("[%s] drain: %s", r.cfg.RunID, err)
			return
		}
		if len(data) == 0 {
			return
		}
		r.process(data)
	}
}
