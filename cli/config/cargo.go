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
package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-ini/ini"
	"github.com/juju/errors"
	shellwords "github.com/mattn/go-shellwords"
	yaml "gopkg.in/yaml.v2"
)

var cargoConfigNames = []string{"config.toml", "config"}

// Cargo config is TOML. Only single-line key = value pairs and section
// headers are kept, which the INI parser understands.
var (
	tomlSectionRE = regexp.MustCompile(`^\s*\[[^\[\]]+\]\s*$`)
	tomlKeyRE     = regexp.MustCompile(`^\s*[A-Za-z0-9_.-]+\s*=\s*\S`)
)

// ChipFromCargo looks for a runner with a --chip argument in the cargo
// config of dir or its parents, the way cargo itself looks for the config.
// Returns the chip and the file it was found in, or empty strings.
func ChipFromCargo(dir string) (string, string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	for {
		for _, name := range cargoConfigNames {
			fn := filepath.Join(dir, ".cargo", name)
			data, err := ioutil.ReadFile(fn)
			if err != nil {
				continue
			}
			c, err := chipFromCargoConfig(data)
			if err != nil {
				return "", "", errors.Annotatef(err, "%s", fn)
			}
			if c != "" {
				return c, fn, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", nil
		}
		dir = parent
	}
}

func chipFromCargoConfig(data []byte) (string, error) {
	var kept [][]byte
	for _, l := range bytes.Split(data, []byte("\n")) {
		if tomlSectionRE.Match(l) || tomlKeyRE.Match(l) {
			kept = append(kept, l)
		}
	}
	f, err := ini.Load(bytes.Join(kept, []byte("\n")))
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, s := range f.Sections() {
		if !strings.HasPrefix(s.Name(), "target.") || !s.HasKey("runner") {
			continue
		}
		args, err := runnerArgs(s.Key("runner").String())
		if err != nil {
			return "", errors.Annotatef(err, "[%s] runner", s.Name())
		}
		if c := chipArg(args); c != "" {
			return c, nil
		}
	}
	return "", nil
}

// runnerArgs splits a runner given as a string or as an array of strings.
func runnerArgs(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]") {
		v = strings.Replace(v[1:len(v)-1], ",", " ", -1)
	} else {
		v = strings.Trim(v, `"'`)
	}
	return shellwords.Parse(v)
}

func chipArg(args []string) string {
	for i, a := range args {
		switch {
		case a == "--chip" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--chip="):
			return strings.TrimPrefix(a, "--chip=")
		}
	}
	return ""
}

// LoadProjectFile reads a YAML file of flag-name: value pairs. A list sets a
// repeated flag. Returns a NotFound error if there is no file.
func LoadProjectFile(path string) (map[string][]string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(err, path)
		}
		return nil, errors.Trace(err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotatef(err, "failed to parse %s", path)
	}
	res := map[string][]string{}
	for k, v := range raw {
		name := strings.Replace(k, "_", "-", -1)
		switch vv := v.(type) {
		case nil:
			continue
		case []interface{}:
			items := make([]string, len(vv))
			for i, item := range vv {
				items[i] = fmt.Sprint(item)
			}
			res[name] = items
		case map[interface{}]interface{}:
			return nil, errors.NotValidf("%s: nested value for %q", path, k)
		default:
			res[name] = []string{fmt.Sprint(vv)}
		}
	}
	return res, nil
}
