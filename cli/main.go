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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/config"
	"github.com/mongoose-os/probe-run/cli/defmt"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/loader"
	"github.com/mongoose-os/probe-run/cli/logsource"
	"github.com/mongoose-os/probe-run/cli/marker"
	"github.com/mongoose-os/probe-run/cli/probe"
	"github.com/mongoose-os/probe-run/cli/probe/cmsisdap"
	"github.com/mongoose-os/probe-run/cli/probe/usbprobe"
	"github.com/mongoose-os/probe-run/cli/runner"
	"github.com/mongoose-os/probe-run/cli/sink"
	"github.com/mongoose-os/probe-run/common/multierror"
	"github.com/mongoose-os/probe-run/version"
)

const closeTimeout = 2 * time.Second

var (
	listProbes  = flag.Bool("list-probes", false, "List connected debug probes and exit")
	listChips   = flag.Bool("list-chips", false, "List supported chips and exit")
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including logging flags")
)

func main() {
	cfg := config.New()
	cfg.AddFlags(flag.CommandLine)
	initFlags()
	flag.Parse()

	if *helpFull {
		unhideFlags()
		usage()
		os.Exit(0)
	}
	switch {
	case *versionFlag:
		fmt.Println(version.String())
		return
	case *listChips:
		for _, n := range chip.Names() {
			fmt.Println(n)
		}
		return
	case *listProbes:
		if err := printProbes(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			os.Exit(runner.ExitSetupFailed)
		}
		return
	}

	os.Exit(run(cfg))
}

func printProbes() error {
	infos, err := usbprobe.List()
	if err != nil {
		return errors.Trace(err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(os.Stderr, "no probes found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tNAME\tPRODUCT\tSERIAL\n")
	for _, i := range infos {
		fmt.Fprintf(w, "%04x:%04x\t%s\t%s\t%s\n", i.VID, i.PID, i.Name, i.Product, i.Serial)
	}
	return w.Flush()
}

func setupFailed(err error) int {
	glog.Errorf("%s", errors.ErrorStack(err))
	fmt.Fprintf(os.Stderr, "error: Setup: %s\n", err)
	return runner.ExitSetupFailed
}

func run(cfg *config.Config) (exitCode int) {
	wd, err := os.Getwd()
	if err != nil {
		return setupFailed(err)
	}
	if err := cfg.Resolve(flag.CommandLine, wd, os.Getenv); err != nil {
		return setupFailed(err)
	}
	glog.V(1).Infof("%s, settings:\n%s", version.String(), cfg.Describe(flag.CommandLine))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()

	c, err := chip.Lookup(cfg.Chip)
	if err != nil {
		return setupFailed(err)
	}
	img, err := image.Load(cfg.Image)
	if err != nil {
		res := &runner.Result{
			State: runner.Aborted,
			Phase: runner.Loading,
			Err:   &loader.LoadError{Kind: loader.ImageParseError, Err: err},
		}
		fmt.Fprintln(os.Stderr, res.Diagnostic())
		return res.ExitCode()
	}
	policy, err := marker.Parse(cfg.FaultPolicy, img)
	if err != nil {
		return setupFailed(err)
	}
	table := defmt.TableFromImage(img)
	glog.Infof("%s: %d bytes in %d segments, %d log formats", img.Path, img.Size(), len(img.Segments), table.Len())

	snk, err := newSink(cfg, runID)
	if err != nil {
		return setupFailed(err)
	}

	t := &cmsisdap.Transport{
		VID:     cmsisdap.DefaultVID,
		PID:     cmsisdap.DefaultPID,
		ClockHz: cfg.ClockHz,
	}
	if cfg.Probe != "" {
		t.VID, t.PID, t.Serial, _ = config.ParseProbeID(cfg.Probe)
	}
	lock := flock.NewFlock(filepath.Join(cfg.LockDir, fmt.Sprintf("probe-run-%04x-%04x.lock", t.VID, t.PID)))
	locked, err := lock.TryLock()
	if err != nil {
		snk.Close()
		return setupFailed(errors.Annotatef(err, "failed to lock %s", lock.Path()))
	}
	if !locked {
		snk.Close()
		return setupFailed(errors.Errorf("probe %04x:%04x is in use by another process (%s)", t.VID, t.PID, lock.Path()))
	}

	sess, err := connect(ctx, t, c, cfg)
	if err != nil {
		lock.Unlock()
		snk.Close()
		return setupFailed(err)
	}

	src, closeSrc, err := newSource(cfg, sess, img)
	if err != nil {
		release(sess, lock, snk, nil)
		return setupFailed(err)
	}
	defer func() {
		if err := release(sess, lock, snk, closeSrc); err != nil {
			glog.Errorf("cleanup: %s", err)
			if exitCode == runner.ExitFinished {
				exitCode = runner.ExitAborted
			}
		}
	}()

	r := runner.New(runner.Config{
		PollInterval: cfg.PollInterval,
		OpTimeout:    cfg.OpTimeout,
		Retries:      cfg.Retries,
		Load: loader.Options{
			Verify:    cfg.Verify,
			SkipErase: cfg.SkipErase,
			OpTimeout: cfg.OpTimeout,
		},
		RunID: runID,
	}, sess, img, src, defmt.NewDecoder(table), policy, snk)
	res := r.Run(ctx)
	glog.Infof("run %s: %s, %d records", runID, res.State, res.Records)
	if d := res.Diagnostic(); d != "" {
		fmt.Fprintln(os.Stderr, d)
	}
	return res.ExitCode()
}

func connect(ctx context.Context, t *cmsisdap.Transport, c *chip.Chip, cfg *config.Config) (probe.Session, error) {
	var sess probe.Session
	err := probe.WithRetry(ctx, cfg.Retries, 5*cfg.OpTimeout, func(ctx context.Context) error {
		var err error
		sess, err = t.Connect(ctx, c)
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to attach to %s via %04x:%04x", c, t.VID, t.PID)
	}
	return sess, nil
}

func newSink(cfg *config.Config, runID string) (sink.Sink, error) {
	var sinks []sink.Sink
	switch cfg.Output {
	case "json":
		sinks = append(sinks, sink.NewJSON(os.Stdout, runID))
	default:
		colorize := cfg.Color == "always" || (cfg.Color == "auto" && !color.NoColor)
		sinks = append(sinks, sink.NewText(os.Stdout, cfg.Timestamps, colorize))
	}
	if cfg.MQTT != "" {
		m, err := sink.NewMQTT(cfg.MQTT, runID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		sinks = append(sinks, m)
	}
	return sink.Multi(sinks...), nil
}

func newSource(cfg *config.Config, sess probe.Session, img *image.Image) (logsource.Source, func() error, error) {
	if cfg.LogPort != "" {
		s, err := logsource.OpenSerial(cfg.LogPort, cfg.LogBaud, cfg.BufferSize)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return s, s.Close, nil
	}
	return logsource.NewRTT(sess, img, cfg.RTTChannel, cfg.BufferSize), nil, nil
}

// release detaches from the probe and frees everything acquired for the run,
// on every exit path.
func release(sess probe.Session, lock *flock.Flock, snk sink.Sink, closeSrc func() error) error {
	var errs error
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if closeSrc != nil {
		if err := closeSrc(); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "log source"))
		}
	}
	if err := sess.Close(ctx); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "probe"))
	}
	if err := snk.Close(); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "output"))
	}
	if err := lock.Unlock(); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "lock"))
	}
	return errs
}
