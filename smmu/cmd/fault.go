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
)

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	write bool
	user  bool
	fetch bool
}

// Name implements subcommands.Command.Name.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fault) Synopsis() string {
	return "handle one shadow page fault and show the result"
}

// Usage implements subcommands.Command.Usage.
func (*Fault) Usage() string {
	return `fault [-write] [-user] [-fetch] <addr> - runs the page fault handler for addr and prints the installed shadow entry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fc *Fault) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&fc.write, "write", false, "fault on a write access.")
	f.BoolVar(&fc.user, "user", false, "fault on a user mode access.")
	f.BoolVar(&fc.fetch, "fetch", false, "fault on an instruction fetch.")
}

func (fc *Fault) code() shadow.FaultCode {
	var code shadow.FaultCode
	if fc.write {
		code |= shadow.FaultWrite
	}
	if fc.user {
		code |= shadow.FaultUser
	}
	if fc.fetch {
		code |= shadow.FaultFetch
	}
	return code
}

// Execute implements subcommands.Command.Execute.
func (fc *Fault) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	code := fc.code()
	res, err := c.MMU().HandlePageFault(addr, code)
	if err != nil {
		Fatalf("fault at %#x: %v", addr, err)
	}
	switch {
	case res.Injected:
		gf, _ := c.LastFault()
		Infof("%#x (%v): injected %v", addr, code, &gf)
	case res.NeedsEmulation:
		Infof("%#x (%v): needs emulation", addr, code)
	case res.Resolved:
		Infof("%#x (%v): resolved", addr, code)
	default:
		Infof("%#x (%v): nothing installed", addr, code)
	}
	printShadow(m.VCPU(0).MMU(), addr)
	return subcommands.ExitSuccess
}

// printShadow prints the shadow entry mapping addr.
func printShadow(v *shadow.VCPU, addr uint64) {
	s, level, ok := v.ShadowLookup(addr)
	if !ok {
		Infof("  shadow: none")
		return
	}
	Infof("  shadow: level %d %v", level, s)
}
