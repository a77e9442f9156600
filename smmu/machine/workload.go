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

package machine

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
	"gvisor.dev/shadowmmu/pkg/shadow"
	"gvisor.dev/shadowmmu/smmu/config"
)

// target is a virtual range accesses are drawn from.
type target struct {
	start uint64
	size  uint64
	user  bool

	// readBack is set for ranges aliasing guest page tables. Writes there
	// store the value just read so the tables stay intact.
	readBack bool
}

// targets returns the ranges covered by the configured mappings.
func (m *Machine) targets() []target {
	f := m.tables.Format()
	ts := make([]target, 0, len(m.conf.Mappings))
	for _, mp := range m.conf.Mappings {
		size := uint64(pagetables.PageSize)
		if mp.Large {
			size = pagetables.PageSizeAt(f, 2)
		}
		size *= uint64(mp.Pages)
		ta := m.conf.TableArea
		ts = append(ts, target{
			start:    mp.VAddr,
			size:     size,
			user:     mp.User,
			readBack: mp.GPA < ta.End && mp.GPA+size > ta.Start,
		})
	}
	return ts
}

// generator produces a pseudo-random stream of operations.
type generator struct {
	w       config.Workload
	rng     *rand.Rand
	targets []target
}

// op is one generated operation.
type op struct {
	invlpg   bool
	access   Access
	readBack bool
}

func (g *generator) next() op {
	t := g.targets[g.rng.Intn(len(g.targets))]
	addr := t.start + uint64(g.rng.Int63n(int64(t.size/8)))*8
	if g.rng.Float64() < g.w.InvlpgRatio {
		return op{invlpg: true, access: Access{Addr: addr}}
	}
	a := Access{Addr: addr}
	if t.user && g.rng.Intn(4) != 0 {
		a.Code |= shadow.FaultUser
	}
	switch r := g.rng.Float64(); {
	case r < g.w.WriteRatio:
		a.Code |= shadow.FaultWrite
		a.Value = g.rng.Uint64()
	case r < g.w.WriteRatio+g.w.FetchRatio:
		a.Code |= shadow.FaultFetch
	}
	return op{access: a, readBack: t.readBack && a.write()}
}

// Run performs n generated operations on c.
func (c *VCPU) Run(ctx context.Context, w config.Workload, seed int64, n int) error {
	g := &generator{
		w:       w,
		rng:     rand.New(rand.NewSource(seed)),
		targets: c.m.targets(),
	}
	if len(g.targets) == 0 {
		return fmt.Errorf("no mappings to access")
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		o := g.next()
		if o.invlpg {
			c.Invlpg(o.access.Addr)
			continue
		}
		if o.readBack {
			read := Access{Addr: o.access.Addr, Code: o.access.Code &^ shadow.FaultWrite}
			r, err := c.Access(ctx, read)
			if err != nil {
				return err
			}
			if r.Outcome != Completed {
				continue
			}
			o.access.Value = r.Value
		}
		if _, err := c.Access(ctx, o.access); err != nil {
			return err
		}
	}
	return nil
}

// RunWorkload runs w on every vCPU concurrently and returns the combined
// counters.
func (m *Machine) RunWorkload(ctx context.Context, w config.Workload) (Stats, error) {
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range m.vcpus {
		seed := w.Seed + int64(i)
		g.Go(func() error {
			return c.Run(ctx, w, seed, w.Accesses)
		})
	}
	err := g.Wait()
	var total Stats
	for _, c := range m.vcpus {
		total.Add(c.Stats())
	}
	if err != nil {
		return total, err
	}
	log.Infof("Workload done: %d accesses, %d traps, %d guest faults, %d mmio, %d emulated", total.Accesses, total.Traps, total.Faulted, total.MMIO, total.Emulated)
	return total, nil
}
