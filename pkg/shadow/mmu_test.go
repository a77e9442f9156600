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

package shadow

import (
	"fmt"
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{name: "default", modify: func(*Config) {}, ok: true},
		{name: "no pages", modify: func(c *Config) { c.MaxPages = 0 }},
		{name: "no flood threshold", modify: func(c *Config) { c.FloodThreshold = 0 }},
		{name: "no walk attempts", modify: func(c *Config) { c.MaxWalkAttempts = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(&c)
			if err := c.Validate(); (err == nil) != tc.ok {
				t.Errorf("Validate() = %v, want ok=%t", err, tc.ok)
			}
		})
	}
}

func TestReclaim(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong, withConfig(func(c *Config) { c.MaxPages = 8 }))
	addrs := []uint64{0x1000, 0x40001000, 0x80001000, 0xc0001000}
	for i, va := range addrs {
		e.mapPage(va, uint64(0x10+i)<<pagetables.PageShift, rwu)
	}
	for _, va := range addrs {
		e.mustResolve(va, 0)
		e.checkRmap()
	}
	st := e.mmu.Stats()
	if st.PagesReclaimed == 0 {
		t.Errorf("PagesReclaimed = 0, want > 0")
	}
	if n := e.mmu.NumPages(); n > 8 {
		t.Errorf("NumPages = %d, want at most 8", n)
	}
	for i, va := range addrs {
		e.mustResolve(va, 0)
		if s, _ := e.lookup(va); s.Frame() != hfn(uint64(0x10+i)) {
			t.Errorf("lookup(%#x) = %v, want hfn %#x", va, s, hfn(uint64(0x10+i)))
		}
	}
}

func TestRootChangeReleasesPages(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	e.mapPage(0x1000, 0x7000, rwu)

	alloc := &pagetables.BumpAllocator{Next: 0x180000, Limit: 0x200000}
	other, err := pagetables.NewBuilder(e.b.Format(), e.mem, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := other.Map(0x1000, 0x9000, rwu); err != nil {
		t.Fatalf("Map: %v", err)
	}

	e.mustResolve(0x1000, 0)
	w := e.newVCPU()
	e.mustResolveOn(w, 0x1000, 0)
	if e.rootOf(w) != e.rootOf(e.v) {
		t.Errorf("vCPUs on the same tables use different roots")
	}

	// The root survives while another vCPU uses it.
	if err := e.v.NotifyRootChanged(other.CR3(), pagetables.ModeLong); err != nil {
		t.Fatalf("NotifyRootChanged: %v", err)
	}
	if n := e.mmu.NumPages(); n != 4 {
		t.Errorf("NumPages = %d, want 4", n)
	}
	e.mustResolve(0x1000, 0)
	if s, _ := e.lookup(0x1000); s.Frame() != hfn(9) {
		t.Errorf("after switch lookup = %v, want hfn 0x9", s)
	}

	w.Release()
	if n := e.mmu.NumPages(); n != 4 {
		t.Errorf("after release NumPages = %d, want 4", n)
	}
	if _, ok := w.RootFrame(); ok {
		t.Errorf("released vCPU still has a root")
	}
	e.checkRmap()
}

func TestRootFramePublished(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	e.mapPage(0x1000, 0x7000, rwu)
	if _, ok := e.v.RootFrame(); ok {
		t.Fatalf("root exists before the first fault")
	}
	e.mustResolve(0x1000, FaultWrite)

	frame, ok := e.v.RootFrame()
	if !ok {
		t.Fatalf("no root after a fault")
	}
	// Follow the published tables like the hardware would.
	for level := 4; level >= 1; level-- {
		s, err := e.mmu.ReadTable(frame, shadowIndex(0x1000, level))
		if err != nil {
			t.Fatalf("ReadTable: %v", err)
		}
		if !s.Present() {
			t.Fatalf("level %d entry %v not present", level, s)
		}
		frame = s.Frame()
	}
	if frame != hfn(7) {
		t.Errorf("published translation reaches hfn %#x, want %#x", frame, hfn(7))
	}
}

func TestInvalidateFrames(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	e.mapPage(0x1000, 0x7000, rwu)
	e.mapPage(0x2000, 0x8000, rwu)
	e.mustResolve(0x1000, 0)
	e.mustResolve(0x2000, 0)

	e.slots.Invalidate(7, 8)
	if _, _, ok := e.v.ShadowLookup(0x1000); ok {
		t.Errorf("invalidated frame still mapped")
	}
	if _, _, ok := e.v.ShadowLookup(0x2000); !ok {
		t.Errorf("frame outside the range dropped")
	}
	e.checkRmap()

	if err := e.slots.Remap(0, 0x20000); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if _, _, ok := e.v.ShadowLookup(0x2000); ok {
		t.Errorf("remapped frame still mapped")
	}
	e.mustResolve(0x2000, 0)
	if s, _ := e.lookup(0x2000); s.Frame() != 0x20008 {
		t.Errorf("lookup = %v, want hfn 0x20008", s)
	}
}

func TestRemoteTLBFlush(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	e.mapPage(0x1000, 0x7000, rwu)
	e.mustResolve(0x1000, FaultWrite)
	w := e.newVCPU()
	w.TLB().Insert(0x1000, TLBEntry{HFN: hfn(7), Access: pagetables.AllAccess})
	w.TLB().Insert(0x5000, TLBEntry{HFN: hfn(9), Access: pagetables.AllAccess, Global: true})

	e.v.HandleInvlpg(0x1000)

	if n := w.TLB().Len(); n != 0 {
		t.Errorf("remote TLB holds %d entries after a flush, want 0", n)
	}
	if n := w.TLB().Flushes(); n != 2 {
		t.Errorf("remote TLB flushes = %d, want 2", n)
	}
}

func TestTLB(t *testing.T) {
	var tlb TLB
	tlb.Insert(0x1234, TLBEntry{HFN: 1})
	tlb.Insert(0x5000, TLBEntry{HFN: 2, Global: true})
	if e, ok := tlb.Lookup(0x1fff); !ok || e.HFN != 1 {
		t.Errorf("Lookup(0x1fff) = %+v, %t", e, ok)
	}
	tlb.FlushNonGlobal()
	if _, ok := tlb.Lookup(0x1000); ok {
		t.Errorf("non-global entry survived FlushNonGlobal")
	}
	if _, ok := tlb.Lookup(0x5000); !ok {
		t.Errorf("global entry dropped by FlushNonGlobal")
	}
	tlb.FlushPage(0x5000)
	if n := tlb.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestRandomOperationsKeepRmap(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong, withConfig(func(c *Config) { c.MaxPages = 12 }))
	const pages = 64
	for i := uint64(0); i < pages; i++ {
		// Spread over several directories.
		e.mapPage(i<<21|i<<12, (0x10+i)<<pagetables.PageShift, rwu)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		n := uint64(rng.Intn(pages))
		va := n<<21 | n<<12
		switch rng.Intn(4) {
		case 0, 1:
			e.mustResolve(va, FaultCode(rng.Intn(2))*FaultWrite)
		case 2:
			e.v.HandleInvlpg(va)
		case 3:
			e.slots.Invalidate(0x10+n, 0x11+n)
		}
		if err := e.mmu.CheckRmap(); err != nil {
			t.Fatalf("after op %d: %v", i, err)
		}
	}
}

func TestConcurrentVCPUs(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	const pages = 128
	for i := uint64(0); i < pages; i++ {
		e.mapPage(0x10000000+i<<pagetables.PageShift, (0x400+i)<<pagetables.PageShift, rwu)
	}
	vcpus := make([]*VCPU, 4)
	for i := range vcpus {
		vcpus[i] = e.mmu.NewVCPU(FaultInjectorFunc(func(uint64, FaultCode) {}))
		if err := vcpus[i].NotifyRootChanged(e.b.CR3(), pagetables.ModeLong); err != nil {
			t.Fatalf("NotifyRootChanged: %v", err)
		}
	}

	var g errgroup.Group
	for i, v := range vcpus {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				va := 0x10000000 + uint64(rng.Intn(pages))<<pagetables.PageShift
				if rng.Intn(8) == 0 {
					v.HandleInvlpg(va)
					continue
				}
				res, err := v.HandlePageFault(va, FaultCode(rng.Intn(2))*FaultWrite)
				if err != nil {
					return err
				}
				if res.Injected {
					return fmt.Errorf("vcpu %d: fault at %#x injected", v.ID(), va)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	e.checkRmap()

	for i := uint64(0); i < pages; i++ {
		va := 0x10000000 + i<<pagetables.PageShift
		e.mustResolveOn(vcpus[0], va, 0)
		s, _, ok := vcpus[0].ShadowLookup(va)
		if !ok || s.Frame() != hfn(0x400+i) {
			t.Errorf("lookup(%#x) = %v, %t, want hfn %#x", va, s, ok, hfn(0x400+i))
		}
	}
}

func TestStatsExported(t *testing.T) {
	e := newTestEnv(t, pagetables.ModeLong)
	e.mapPage(0x1000, 0x7000, rwu)
	before := faultsMetric.Value("fixed")
	e.mustResolve(0x1000, 0)
	if after := faultsMetric.Value("fixed"); after != before+1 {
		t.Errorf("fixed faults metric = %d, want %d", after, before+1)
	}
	if got := e.mmu.Stats().FixedFaults; got != 1 {
		t.Errorf("FixedFaults = %d, want 1", got)
	}
}
