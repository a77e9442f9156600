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
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// HandleInvlpg invalidates the translation of addr. Only the shadow tables
// are walked: the first present leaf on the path is dropped.
//
// After the MMU lock is released the guest entry is read once. If the
// dropped mapping was writable, the guest entry is marked dirty so that the
// guest learns about writes made through it.
func (v *VCPU) HandleInvlpg(addr uint64) {
	m := v.mmu
	m.stats.record(eventInvlpg)
	v.tlb.FlushPage(addr)

	var (
		gpa      uint64
		level    int
		frame    uint64
		writable bool
		found    bool
	)
	m.mu.Lock()
	if v.root != 0 {
		var parent *page
		p := m.arena[v.root]
		for l := p.role.Level; l >= 1; l-- {
			slot := shadowIndex(addr, l)
			s := p.sptes[slot]
			if !s.Present() {
				break
			}
			if !p.isLeaf(s) {
				parent, p = p, m.pageAt(s.Frame())
				continue
			}
			gpa, level, found = m.guestLeafAddr(p, parent, addr)
			frame, writable = m.leafGuestFrame(p, slot, addr), s.Writable()
			m.dropSPTE(p, slot, TrapNotPresent)
			break
		}
	}
	m.flushLocked()
	m.mu.Unlock()

	if !found || !writable {
		return
	}
	f := v.format
	raw, err := m.mem.LoadGuestEntry(gpa, f.EntrySize())
	pte := pagetables.PTE(raw)
	if err != nil || !pte.Has(pagetables.Present|pagetables.Accessed) || pte.Has(pagetables.Dirty) {
		return
	}
	if level == 1 && f.LeafFrame(pte) != frame || level == 2 && f.LargeFrame(pte, 2, addr) != frame {
		return
	}
	// Best effort: a concurrent guest update wins.
	_ = m.mem.CompareAndSwapGuestEntry(gpa, f.EntrySize(), raw, uint64(pte|pagetables.Dirty))
}

// guestLeafAddr returns the guest physical address of the guest entry
// behind a leaf of p. Leaves of direct pages come from a guest large page
// whose entry lives in the parent's guest table.
//
// +checklocks:m.mu
func (m *MMU) guestLeafAddr(p, parent *page, addr uint64) (uint64, int, bool) {
	level := p.role.Level
	if p.role.Direct {
		if parent == nil || parent.role.Direct {
			return 0, 0, false
		}
		p, level = parent, parent.role.Level
	}
	f, err := pagetables.ForMode(p.role.GuestMode)
	if err != nil {
		return 0, 0, false
	}
	return p.gfn<<pagetables.PageShift + uint64(f.Index(addr, level)*f.EntrySize()), level, true
}

// leafGuestFrame returns the guest frame of the 4K page containing addr
// mapped by the leaf at slot.
//
// +checklocks:m.mu
func (m *MMU) leafGuestFrame(p *page, slot int, addr uint64) uint64 {
	gfn := p.leafGFN(slot)
	if p.role.Level == 2 {
		gfn += (addr >> pagetables.PageShift) & (largePages - 1)
	}
	return gfn
}
