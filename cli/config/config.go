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

// Package config resolves probe-run settings from command line flags, the
// environment, the cargo runner line and the project file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/common/pflagenv"
)

const (
	EnvPrefix   = "PROBE_RUN_"
	ProjectFile = "probe-run.yaml"

	DefaultChip = "STM32F401CCUx"
)

const (
	SourceDefault = "default"
	SourceFlag    = "flag"
	SourceEnv     = "env"
	SourceCargo   = "cargo"
	SourceFile    = "file"
)

type Config struct {
	Chip         string
	Probe        string
	ClockHz      uint32
	PollInterval time.Duration
	OpTimeout    time.Duration
	Retries      int
	BufferSize   int
	RTTChannel   int
	FaultPolicy  []string
	Verify       bool
	SkipErase    bool
	LogPort      string
	LogBaud      uint
	Output       string
	MQTT         string
	Timestamps   bool
	Color        string
	LockDir      string
	ConfigFile   string

	// Image is the firmware file, the only positional argument.
	Image string

	// Sources maps flag names to where their value came from.
	Sources map[string]string
}

func New() *Config {
	return &Config{
		ClockHz:      4000000,
		PollInterval: 10 * time.Millisecond,
		OpTimeout:    500 * time.Millisecond,
		Retries:      3,
		BufferSize:   1024,
		Verify:       true,
		LogBaud:      115200,
		Output:       "text",
		Color:        "auto",
		LockDir:      os.TempDir(),
		Sources:      map[string]string{},
	}
}

// AddFlags binds the settings to flags in fs.
func (c *Config) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Chip, "chip", c.Chip, "Target chip, e.g. "+DefaultChip)
	fs.StringVar(&c.Probe, "probe", c.Probe, "Debug probe to use, VID:PID[:serial]")
	fs.Uint32Var(&c.ClockHz, "swd-clock", c.ClockHz, "SWD clock frequency, Hz")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between log buffer polls")
	fs.DurationVar(&c.OpTimeout, "op-timeout", c.OpTimeout, "Timeout of a single probe operation")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Number of attempts of a timed out probe operation before giving up")
	fs.IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "Maximum number of log bytes read per poll")
	fs.IntVar(&c.RTTChannel, "rtt-channel", c.RTTChannel, "RTT up channel carrying log frames")
	fs.StringArrayVar(&c.FaultPolicy, "fault-policy", c.FaultPolicy,
		"How to detect that the firmware is done, can be repeated: "+
			"halt[=SYM|ADDR], level=LEVEL, register=ADDR:fault=V[,finish=V][,mask=M]")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Read back and compare flash after writing")
	fs.BoolVar(&c.SkipErase, "skip-erase", c.SkipErase, "Do not erase flash sectors before writing")
	fs.StringVar(&c.LogPort, "log-port", c.LogPort, "Read log frames from this serial port instead of RTT")
	fs.UintVar(&c.LogBaud, "log-baud-rate", c.LogBaud, "Baud rate of --log-port")
	fs.StringVar(&c.Output, "output", c.Output, "Output format: text or json")
	fs.StringVar(&c.MQTT, "mqtt", c.MQTT, "Also publish records to mqtt[s]://[user:pass@]host[:port]/topic")
	fs.BoolVar(&c.Timestamps, "timestamps", c.Timestamps, "Print frame timestamps")
	fs.StringVar(&c.Color, "color", c.Color, "Colorize output: auto, always or never")
	fs.StringVar(&c.LockDir, "lock-dir", c.LockDir, "Directory for the probe lock file")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Project file, "+ProjectFile+" in the current directory by default")
}

// Resolve fills settings not given as flags from the environment, the cargo
// runner line and the project file, in that order of priority, then takes
// the image from the positional arguments and validates the result.
func (c *Config) Resolve(fs *flag.FlagSet, dir string, getenv func(string) string) error {
	fs.Visit(func(f *flag.Flag) {
		c.Sources[f.Name] = SourceFlag
	})
	set, err := pflagenv.ParseFlagSetFunc(fs, EnvPrefix, getenv)
	if err != nil {
		return errors.Trace(err)
	}
	c.setSources(set, SourceEnv)

	if !fs.Changed("chip") {
		cc, file, err := ChipFromCargo(dir)
		switch {
		case err != nil:
			glog.Warningf("failed to read cargo config: %s", err)
		case cc != "":
			glog.Infof("chip %s from %s", cc, file)
			set, err := pflagenv.FillUnset(fs, map[string][]string{"chip": {cc}})
			if err != nil {
				return errors.Trace(err)
			}
			c.setSources(set, SourceCargo)
		}
	}

	path, required := c.ConfigFile, true
	if path == "" {
		path, required = filepath.Join(dir, ProjectFile), false
	}
	values, err := LoadProjectFile(path)
	switch {
	case err == nil:
		delete(values, "config")
		set, err := pflagenv.FillUnset(fs, values)
		if err != nil {
			return errors.Annotatef(err, "%s", path)
		}
		c.setSources(set, SourceFile)
	case errors.IsNotFound(err) && !required:
	default:
		return errors.Trace(err)
	}

	fs.VisitAll(func(f *flag.Flag) {
		if c.Sources[f.Name] == "" {
			c.Sources[f.Name] = SourceDefault
		}
	})
	if fs.NArg() > 0 {
		c.Image = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		return errors.Errorf("only one image file is expected, got %q", fs.Args())
	}
	return errors.Trace(c.Validate())
}

func (c *Config) setSources(names []string, src string) {
	for _, n := range names {
		c.Sources[n] = src
	}
}

func (c *Config) Validate() error {
	if c.Image == "" {
		return errors.Errorf("firmware image is required")
	}
	if c.Chip == "" {
		return errors.Errorf("--chip is required (e.g. --chip %s) and was not found in the cargo runner", DefaultChip)
	}
	if _, err := chip.Lookup(c.Chip); err != nil {
		return errors.Trace(err)
	}
	if c.Probe != "" {
		if _, _, _, err := ParseProbeID(c.Probe); err != nil {
			return errors.Trace(err)
		}
	}
	switch {
	case c.PollInterval <= 0:
		return errors.NotValidf("--poll-interval %s", c.PollInterval)
	case c.OpTimeout <= 0:
		return errors.NotValidf("--op-timeout %s", c.OpTimeout)
	case c.Retries < 1:
		return errors.NotValidf("--retries %d", c.Retries)
	case c.BufferSize < 16:
		return errors.NotValidf("--buffer-size %d", c.BufferSize)
	case c.RTTChannel < 0:
		return errors.NotValidf("--rtt-channel %d", c.RTTChannel)
	}
	switch c.Output {
	case "text", "json":
	default:
		return errors.NotValidf("--output %q", c.Output)
	}
	switch c.Color {
	case "auto", "always", "never":
	default:
		return errors.NotValidf("--color %q", c.Color)
	}
	return nil
}

// ParseProbeID parses VID:PID[:serial], VID and PID in hex.
func ParseProbeID(s string) (vid, pid uint16, serial string, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return 0, 0, "", errors.NotValidf("probe %q, expected VID:PID[:serial]", s)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, "", errors.NotValidf("probe VID %q", parts[0])
	}
	p, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, "", errors.NotValidf("probe PID %q", parts[1])
	}
	if len(parts) == 3 {
		serial = parts[2]
	}
	return uint16(v), uint16(p), serial, nil
}

// Describe lists the settings and their sources, for the log.
func (c *Config) Describe(fs *flag.FlagSet) string {
	var sb strings.Builder
	fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(&sb, "  %s = %s (%s)\n", f.Name, f.Value, c.Sources[f.Name])
	})
	return sb.String()
}
