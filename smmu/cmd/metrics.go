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
	"context"
	"flag"

	"github.com/google/subcommands"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/metric"
	"gvisor.dev/shadowmmu/smmu/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	skipWorkload bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the workload once and print MMU metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-skip-workload] - prints metric data in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (mc *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&mc.skipWorkload, "skip-workload", false, "print the metrics of an idle machine.")
}

// Execute implements subcommands.Command.Execute.
func (mc *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m := newMachine(conf)
	defer m.Release()

	if !mc.skipWorkload {
		if _, err := m.RunWorkload(ctx, conf.Workload); err != nil {
			Fatalf("running workload: %v", err)
		}
	}
	n, err := metric.WritePrometheus(Output)
	if err != nil {
		Fatalf("writing metrics: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data", n)
	return subcommands.ExitSuccess
}
