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
	"gvisor.dev/shadowmmu/pkg/shadow"
	"gvisor.dev/shadowmmu/smmu/config"
	"gvisor.dev/shadowmmu/smmu/machine"
)

// Invlpg implements subcommands.Command for the "invlpg" command.
type Invlpg struct {
	user bool
}

// Name implements subcommands.Command.Name.
func (*Invlpg) Name() string {
	return "invlpg"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Invlpg) Synopsis() string {
	return "fault in an address, invalidate it and show the shadow entry before and after"
}

// Usage implements subcommands.Command.Usage.
func (*Invlpg) Usage() string {
	return `invlpg [-user] <addr>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Invlpg) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&i.user, "user", false, "access addr from user mode.")
}

// Execute implements subcommands.Command.Execute.
func (i *Invlpg) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	c := m.VCPU(0)
	a := machine.Access{Addr: addr &^ 7}
	if i.user {
		a.Code |= shadow.FaultUser
	}
	r, err := c.Access(ctx, a)
	if err != nil {
		Fatalf("%v", err)
	}
	Infof("access %#x: %v", addr, r.Outcome)
	Infof("before:")
	printShadow(c.MMU(), addr)
	c.Invlpg(addr)
	Infof("after:")
	printShadow(c.MMU(), addr)
	return subcommands.ExitSuccess
}
