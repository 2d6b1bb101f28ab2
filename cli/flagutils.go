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
	goflag "flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probe-run/cli/config"
	"github.com/mongoose-os/probe-run/common/pflagenv"
	"github.com/mongoose-os/probe-run/version"
)

var (
	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logbufsecs",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
	}
)

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	hideFlags()
	flag.Usage = usage
}

func hideFlags() {
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
}

func unhideFlags() {
	for _, f := range hiddenFlags {
		f := flag.Lookup(f)
		if f != nil {
			f.Hidden = false
		}
	}
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)

	fmt.Fprintf(w, "Flash firmware through a debug probe and stream its logs, %s.\n", version.String())
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s [flags] <firmware.elf|firmware.hex>\n", os.Args[0])
	fmt.Fprintf(w, "\nFlags:\n")
	fmt.Fprint(w, flag.CommandLine.FlagUsages())

	fmt.Fprintf(w, "\nEvery flag can also be set in the environment as %s<NAME>, e.g. %s, or in %s.\n",
		config.EnvPrefix, pflagenv.EnvName("poll-interval", config.EnvPrefix), config.ProjectFile)
	color.New(color.FgYellow).Fprintf(w, "Exit codes: %s\n", strings.Join([]string{
		"0 finished", "1 faulted", "2 aborted", "3 load failed", "4 setup failed",
	}, ", "))

	w.Flush()
}
