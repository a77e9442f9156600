// Copyright 2024 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"strconv"
)

// RegisterFlags registers the global flags that populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML machine description. Built-in defaults are used if empty.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "", "log format: text or json. Defaults to text on a terminal and json otherwise.")
	flagSet.String("mode", "", "overrides the guest paging mode: legacy32, pae or long.")
	flagSet.Int("vcpus", 0, "overrides the number of vCPUs.")
}

// NewFromFlags loads the machine description named by the config flag and
// applies explicitly set flags on top of it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c, err := Load(flagSet.Lookup("config").Value.String())
	if err != nil {
		return nil, err
	}
	var setErr error
	flagSet.Visit(func(f *flag.Flag) {
		if setErr != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "debug":
			c.Debug, setErr = strconv.ParseBool(v)
		case "log-format":
			c.LogFormat = v
		case "mode":
			c.Mode = v
		case "vcpus":
			c.VCPUs, setErr = strconv.Atoi(v)
		}
		if setErr != nil {
			setErr = fmt.Errorf("invalid value %q for flag --%s: %w", v, f.Name, setErr)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
