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

// Package cmd holds implementations of the smmu commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/smmu/config"
	"gvisor.dev/shadowmmu/smmu/machine"
)

// Output is where command results are printed.
var Output io.Writer = os.Stdout

// Fatalf logs to stderr and the log, then exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// Infof writes an informational message to the output and the log.
func Infof(format string, args ...any) {
	fmt.Fprintf(Output, format+"\n", args...)
	log.Infof(format, args...)
}

// parseAddr parses a guest virtual address given in any base.
func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

// newMachine builds the machine described by conf or exits.
func newMachine(conf *config.Config) *machine.Machine {
	m, err := machine.New(conf)
	if err != nil {
		Fatalf("building machine: %v", err)
	}
	return m
}
