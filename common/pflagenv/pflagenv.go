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

// Package pflagenv fills flags that were not given on the command line from
// lower-priority sources: environment variables and config files.
package pflagenv

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

// Unset returns the flags of fs that have not been set yet.
func Unset(fs *pflag.FlagSet) map[string]*pflag.Flag {
	// pflag cannot tell a flag set to its default value from one that was not
	// set at all, so collect all flags and remove those that were visited.
	nonset := make(map[string]*pflag.Flag)
	fs.VisitAll(func(f *pflag.Flag) {
		nonset[f.Name] = f
	})
	fs.Visit(func(f *pflag.Flag) {
		delete(nonset, f.Name)
	})
	return nonset
}

// ParseFlagSetFunc sets every unset flag of fs for which lookup returns a
// non-empty value of the uppercased flag name with the prefix prepended,
// e.g. PROBE_RUN_POLL_INTERVAL for --poll-interval. Returns names of the
// flags that were set. Must be called after fs.Parse.
func ParseFlagSetFunc(fs *pflag.FlagSet, envPrefix string, lookup func(string) string) ([]string, error) {
	values := map[string][]string{}
	for name := range Unset(fs) {
		if v := lookup(EnvName(name, envPrefix)); v != "" {
			values[name] = []string{v}
		}
	}
	res, err := FillUnset(fs, values)
	return res, errors.Annotatef(err, "environment")
}

// ParseFlagSet is ParseFlagSetFunc with the process environment.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) ([]string, error) {
	return ParseFlagSetFunc(fs, envPrefix, os.Getenv)
}

// FillUnset sets flags that have not been set yet from values, keyed by flag
// name. Each value is passed to Set in turn, so array flags get all of them.
// Values for flags that are already set are ignored, unknown names are an error.
func FillUnset(fs *pflag.FlagSet, values map[string][]string) ([]string, error) {
	nonset := Unset(fs)
	var names []string
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var res []string
	for _, name := range names {
		if fs.Lookup(name) == nil {
			return nil, errors.NotFoundf("flag %q", name)
		}
		f, ok := nonset[name]
		if !ok {
			continue
		}
		for _, v := range values[name] {
			if err := fs.Set(name, v); err != nil {
				return nil, errors.Annotatef(err, "invalid value for %s", name)
			}
		}
		f.Changed = true
		res = append(res, name)
	}
	return res, nil
}

func EnvName(flagName, envPrefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.Replace(flagName, "-", "_", -1)
	return fmt.Sprint(envPrefix, flagName)
}
