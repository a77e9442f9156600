// Copyright 2023 The gVisor Authors.
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
	"testing"

	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

const (
	// testRAMPages is the size of test guest memory: 16MB.
	testRAMPages = 0x1000

	// testHostBase is the host frame backing gfn 0. It is 2MB aligned.
	testHostBase = 0x10000

	// testTableArea is where guest page tables are allocated.
	testTableArea = 0x100000
)

// Common leaf flags.
const (
	rwu = pagetables.Writable | pagetables.User
)

// hfn returns the host frame backing gfn in a test environment.
func hfn(gfn uint64) uint64 {
	return testHostBase + gfn
}

// testEnv is a guest with one address space and one vCPU.
type testEnv struct {
	t      *testing.T
	mem    *guestmem.Memory
	slots  *guestmem.SlotSet
	alloc  *pagetables.BumpAllocator
	b      *pagetables.Builder
	mmu    *MMU
	v      *VCPU
	faults []GuestFault
}

type envOption func(*Options)

func withConfig(f func(*Config)) envOption {
	return func(o *Options) { f(&o.Config) }
}

func newTestEnv(t *testing.T, mode pagetables.Mode, opts ...envOption) *testEnv {
	t.Helper()
	mem, err := guestmem.NewMemory(testRAMPages << pagetables.PageShift)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	slots := guestmem.NewSlotSet()
	if err := slots.AddSlot(guestmem.Slot{BaseGFN: 0, Pages: testRAMPages, HostFrame: testHostBase}); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := slots.AddSlot(guestmem.Slot{BaseGFN: 0xfee00, Pages: 1, Kind: guestmem.MMIO}); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	f, err := pagetables.ForMode(mode)
	if err != nil {
		t.Fatalf("ForMode: %v", err)
	}
	alloc := &pagetables.BumpAllocator{Next: testTableArea, Limit: 2 * testTableArea}
	b, err := pagetables.NewBuilder(f, mem, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxPages = 64
	o := Options{Config: cfg, Memory: mem, Resolver: slots}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := NewMMU(o)
	if err != nil {
		t.Fatalf("NewMMU: %v", err)
	}
	t.Cleanup(func() { m.Release() })
	slots.Subscribe(m)

	e := &testEnv{t: t, mem: mem, slots: slots, alloc: alloc, b: b, mmu: m}
	e.v = e.newVCPU()
	return e
}

// newVCPU returns a vCPU running on e's address space.
func (e *testEnv) newVCPU() *VCPU {
	e.t.Helper()
	v := e.mmu.NewVCPU(FaultInjectorFunc(func(addr uint64, code FaultCode) {
		e.faults = append(e.faults, GuestFault{Addr: addr, Code: code})
	}))
	if err := v.NotifyRootChanged(e.b.CR3(), e.b.Format().Mode()); err != nil {
		e.t.Fatalf("NotifyRootChanged: %v", err)
	}
	return v
}

func (e *testEnv) mapPage(vaddr, gpa uint64, flags pagetables.PTE) {
	e.t.Helper()
	if err := e.b.Map(vaddr, gpa, flags); err != nil {
		e.t.Fatalf("Map(%#x, %#x): %v", vaddr, gpa, err)
	}
}

func (e *testEnv) mapLarge(vaddr, gpa uint64, flags pagetables.PTE) {
	e.t.Helper()
	if err := e.b.MapLarge(vaddr, gpa, flags); err != nil {
		e.t.Fatalf("MapLarge(%#x, %#x): %v", vaddr, gpa, err)
	}
}

func (e *testEnv) entry(vaddr uint64, level int) pagetables.PTE {
	e.t.Helper()
	pte, err := e.b.Entry(vaddr, level)
	if err != nil {
		e.t.Fatalf("Entry(%#x, %d): %v", vaddr, level, err)
	}
	return pte
}

func (e *testEnv) setEntry(vaddr uint64, level int, pte pagetables.PTE) {
	e.t.Helper()
	if err := e.b.SetEntry(vaddr, level, pte); err != nil {
		e.t.Fatalf("SetEntry(%#x, %d): %v", vaddr, level, err)
	}
}

// fault runs a page fault on e.v and fails the test on error.
func (e *testEnv) fault(addr uint64, code FaultCode) FaultResult {
	e.t.Helper()
	return e.faultOn(e.v, addr, code)
}

func (e *testEnv) faultOn(v *VCPU, addr uint64, code FaultCode) FaultResult {
	e.t.Helper()
	res, err := v.HandlePageFault(addr, code)
	if err != nil {
		e.t.Fatalf("HandlePageFault(%#x, %v): %v", addr, code, err)
	}
	return res
}

// mustResolve faults addr in and checks that a mapping was installed.
func (e *testEnv) mustResolve(addr uint64, code FaultCode) {
	e.t.Helper()
	e.mustResolveOn(e.v, addr, code)
}

func (e *testEnv) mustResolveOn(v *VCPU, addr uint64, code FaultCode) {
	e.t.Helper()
	if res := e.faultOn(v, addr, code); !res.Resolved || res.Injected {
		e.t.Fatalf("HandlePageFault(%#x, %v) = %+v, want resolved", addr, code, res)
	}
}

// lookup returns the present shadow leaf for addr.
func (e *testEnv) lookup(addr uint64) (SPTE, int) {
	e.t.Helper()
	s, level, ok := e.v.ShadowLookup(addr)
	if !ok {
		e.t.Fatalf("no shadow mapping for %#x (found %v at level %d)", addr, s, level)
	}
	return s, level
}

func (e *testEnv) checkRmap() {
	e.t.Helper()
	if err := e.mmu.CheckRmap(); err != nil {
		e.t.Fatalf("CheckRmap: %v", err)
	}
}

// snapshot copies every live shadow page.
func (e *testEnv) snapshot() map[PageID][entriesPerPage]SPTE {
	m := e.mmu
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PageID][entriesPerPage]SPTE)
	for _, p := range m.arena {
		if p != nil {
			out[p.id] = p.sptes
		}
	}
	return out
}

// pageFor returns the shadow page at level on the path of addr.
func (e *testEnv) pageFor(addr uint64, level int) *page {
	e.t.Helper()
	return e.pageBelow(e.rootOf(e.v), addr, level)
}

// rootOf returns v's current shadow root.
func (e *testEnv) rootOf(v *VCPU) *page {
	e.t.Helper()
	e.mmu.mu.Lock()
	defer e.mmu.mu.Unlock()
	if v.root == 0 {
		e.t.Fatalf("vcpu %d has no root", v.id)
	}
	return e.mmu.arena[v.root]
}

// pageBelow returns the shadow page at level on the path of addr under p.
func (e *testEnv) pageBelow(p *page, addr uint64, level int) *page {
	e.t.Helper()
	m := e.mmu
	m.mu.Lock()
	defer m.mu.Unlock()
	for l := p.role.Level; l > level; l-- {
		s := p.sptes[shadowIndex(addr, l)]
		if !s.Present() || p.isLeaf(s) {
			e.t.Fatalf("no level %d shadow page for %#x", level, addr)
		}
		p = m.pageAt(s.Frame())
	}
	return p
}

// shadowedCount returns the number of shadow pages for guest table gfn.
func (e *testEnv) shadowedCount(gfn uint64) int {
	e.mmu.mu.Lock()
	defer e.mmu.mu.Unlock()
	return len(e.mmu.byGFN[gfn])
}

// hookResolver runs a hook after each successful frame resolution.
type hookResolver struct {
	*guestmem.SlotSet
	hook func(gfn uint64)
}

func (h *hookResolver) ResolveFrame(gfn uint64) (uint64, bool) {
	hfn, mmio := h.SlotSet.ResolveFrame(gfn)
	if h.hook != nil && !mmio {
		h.hook(gfn)
	}
	return hfn, mmio
}

// casFailMemory rejects every compare-and-swap.
type casFailMemory struct {
	*guestmem.Memory
}

func (casFailMemory) CompareAndSwapGuestEntry(uint64, int, uint64, uint64) error {
	return guestmem.ErrEntryChanged
}
