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
	"gvisor.dev/shadowmmu/smmu/config"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct{}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "translate a guest virtual address through the guest page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk <addr> - prints the guest physical address of addr without side effects.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Walk) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	addr, err := parseAddr(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	conf := args[0].(*config.Config)
	m := newMachine(conf)
	defer m.Release()

	gpa, ok := m.VCPU(0).MMU().TranslateForDebug(addr)
	if !ok {
		Infof("%#x: not mapped", addr)
		return subcommands.ExitFailure
	}
	Infof("%#x -> gpa %#x", addr, gpa)
	return subcommands.ExitSuccess
}
