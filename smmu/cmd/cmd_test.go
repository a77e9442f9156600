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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/shadowmmu/smmu/config"
)

// run executes args on a fresh commander and returns the output.
func run(t *testing.T, conf *config.Config, args ...string) (string, subcommands.ExitStatus) {
	t.Helper()
	var out bytes.Buffer
	old := Output
	Output = &out
	t.Cleanup(func() { Output = old })

	fs := flag.NewFlagSet("smmu", flag.ContinueOnError)
	cdr := subcommands.NewCommander(fs, "smmu")
	for _, c := range []subcommands.Command{new(Walk), new(Fault), new(Invlpg), new(Stress), new(Metrics), new(PrintConfig)} {
		cdr.Register(c, "")
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	status := cdr.Execute(context.Background(), conf)
	return out.String(), status
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.Workload.Accesses = 200
	return conf
}

func TestCommands(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{args: []string{"walk", "0x400010"}, want: "0x400010 -> gpa 0x1000010"},
		{args: []string{"fault", "-user", "0x400000"}, want: "resolved"},
		{args: []string{"fault", "-write", "-user", "0x600000"}, want: "injected guest page fault at 0x600000"},
		{args: []string{"fault", "0x7fff0000"}, want: "needs emulation"},
		{args: []string{"invlpg", "0x400000"}, want: "after:\n  shadow: none"},
		{args: []string{"stress", "-vcpus", "2", "-rounds", "2"}, want: "2 vCPUs, 2 rounds"},
		{args: []string{"metrics"}, want: "smmu_shadow_faults"},
		{args: []string{"config"}, want: `mode = "long"`},
	} {
		t.Run(tc.args[0], func(t *testing.T) {
			out, status := run(t, testConfig(), tc.args...)
			if status != subcommands.ExitSuccess {
				t.Fatalf("%v: got status %v, output:\n%s", tc.args, status, out)
			}
			if !strings.Contains(out, tc.want) {
				t.Errorf("%v: output does not contain %q:\n%s", tc.args, tc.want, out)
			}
		})
	}
}

func TestWalkUnmapped(t *testing.T) {
	out, status := run(t, testConfig(), "walk", "0x10000000")
	if status != subcommands.ExitFailure || !strings.Contains(out, "not mapped") {
		t.Errorf("got status %v, output %q", status, out)
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"walk"},
		{"fault", "1", "2"},
		{"stress", "-rounds", "0"},
		{"config", "extra"},
	} {
		if _, status := run(t, testConfig(), args...); status != subcommands.ExitUsageError {
			t.Errorf("%v: got status %v, want %v", args, status, subcommands.ExitUsageError)
		}
	}
}
