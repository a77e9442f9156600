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
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/smmu/config"
	"gvisor.dev/shadowmmu/smmu/machine"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	vcpus      int
	rounds     int
	invalidate bool
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run the configured workload on concurrent vCPUs and check MMU invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs the workload from the machine description.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.vcpus, "vcpus", 0, "number of vCPUs, overriding the machine description.")
	f.IntVar(&s.rounds, "rounds", 1, "number of times the workload is run.")
	f.BoolVar(&s.invalidate, "invalidate", true, "invalidate all RAM slots between rounds.")
	f.DurationVar(&s.timeout, "timeout", 0, "abort after this long; zero means no limit.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.rounds <= 0 || s.vcpus < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.vcpus > 0 {
		conf = conf.Clone()
		conf.VCPUs = s.vcpus
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	m := newMachine(conf)
	defer m.Release()

	var total machine.Stats
	start := time.Now()
	for r := 0; r < s.rounds; r++ {
		st, err := m.RunWorkload(ctx, conf.Workload)
		if err != nil {
			Fatalf("round %d: %v", r, err)
		}
		total = st
		if err := m.MMU().CheckRmap(); err != nil {
			Fatalf("round %d: %v", r, err)
		}
		if s.invalidate && r+1 < s.rounds {
			invalidateRAM(m)
		}
		log.Debugf("Round %d done, %d shadow pages", r, m.MMU().NumPages())
	}

	Infof("%d vCPUs, %d rounds in %v", m.NumVCPUs(), s.rounds, time.Since(start))
	Infof("accesses %d: completed %d, guest faults %d, mmio %d, emulated %d", total.Accesses, total.Completed, total.Faulted, total.MMIO, total.Emulated)
	Infof("traps %d, TLB hits %d, invlpgs %d", total.Traps, total.TLBHits, total.Invlpgs)
	ms := m.MMU().Stats()
	Infof("shadow pages: created %d, freed %d, zapped %d, reclaimed %d", ms.PagesCreated, ms.PagesFreed, ms.PagesZapped, ms.PagesReclaimed)
	return subcommands.ExitSuccess
}

// invalidateRAM announces a change of backing for every RAM slot.
func invalidateRAM(m *machine.Machine) {
	for _, sl := range m.Slots().Slots() {
		if sl.Kind == guestmem.RAM {
			m.Slots().Invalidate(sl.BaseGFN, sl.End())
			log.Debugf("Invalidated %v", sl)
		}
	}
}
