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
	"fmt"

	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// guestEntryAddr returns the guest physical address of the guest entry
// shadowed by entry slot of the non-direct page p.
func guestEntryAddr(f pagetables.Format, p *page, slot int) (uint64, bool) {
	if p.role.Direct || p.role.Level > f.Levels() {
		return 0, false
	}
	base := p.gfn << pagetables.PageShift
	idx := slot
	switch {
	case f.Mode() == pagetables.ModeLegacy32 && p.role.Level == 1:
		// Half of a 1024-entry table.
		idx = p.role.Quadrant*entriesPerPage + slot
	case f.Mode() == pagetables.ModeLegacy32 && p.role.Level == 2:
		// A quarter of a 1024-entry directory; each 4MB guest entry is
		// shadowed by two 2MB entries.
		idx = p.role.Quadrant*(entriesPerPage/2) + slot/2
	case f.Mode() == pagetables.ModePAE && p.role.Level == 3:
		if slot >= f.Entries(3) {
			return 0, false
		}
		base += uint64(p.role.Quadrant) << 5
	}
	return base + uint64(idx*f.EntrySize()), true
}

// SyncPage re-validates every present entry of a leaf shadow page against
// the guest table it shadows. It returns true iff no entry is present
// afterwards.
func (m *MMU) SyncPage(id PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.livePage(id)
	if p == nil {
		return false
	}
	dropped := m.syncPage(p)
	m.flushLocked()
	return dropped
}

// syncPage is SyncPage with the lock held.
//
// +checklocks:m.mu
func (m *MMU) syncPage(p *page) bool {
	if p.role.Level != 1 || p.role.Direct {
		return false
	}
	f, err := pagetables.ForMode(p.role.GuestMode)
	if err != nil {
		return false
	}
	allDropped := true
	for slot, s := range p.sptes {
		if !s.Present() {
			continue
		}
		gpa, _ := guestEntryAddr(f, p, slot)
		raw, err := m.mem.LoadGuestEntry(gpa, f.EntrySize())
		pte := pagetables.PTE(raw)
		switch {
		case err != nil || !pte.Valid():
			m.dropSPTE(p, slot, SilentNotPresent)
			m.stats.record(eventSyncDropped)
			continue
		case !pte.Has(pagetables.Accessed) || f.ReservedBits(pte, 1) || f.LeafFrame(pte) != p.leafGFN(slot):
			m.dropSPTE(p, slot, TrapNotPresent)
			m.stats.record(eventSyncDropped)
			continue
		}

		access := p.role.Access & f.Access(pte)
		ns := s &^ (pteW | pteD | pteU | pteG | pteNX)
		if s.Writable() && access.CanWrite() && pte.Has(pagetables.Dirty) {
			ns |= pteW | pteD
		}
		if access.CanUser() {
			ns |= pteU
		}
		if pte.Has(pagetables.Global) {
			ns |= pteG
		}
		if !access.CanExec() {
			ns |= pteNX
		}
		if ns != s {
			m.setSPTE(p, slot, ns)
			if (s.Writable() && !ns.Writable()) || (s.User() && !ns.User()) || (!s.NoExec() && ns.NoExec()) {
				m.pendingFlush = true
			}
		}
		allDropped = false
	}
	return allDropped
}

// HandleGuestTableWrite completes an emulated guest write of data to gpa,
// which lies in a write-protected guest page table, and brings the shadow
// pages of that table up to date.
//
// Isolated writes are applied incrementally. A run of FloodThreshold writes
// to the same table with no ordinary fault in between looks like the table
// is being rebuilt, so the table is unshadowed instead.
func (v *VCPU) HandleGuestTableWrite(gpa uint64, data []byte) error {
	m := v.mmu
	if err := m.mem.WriteGuest(gpa, data); err != nil {
		return fmt.Errorf("emulating page table write at %#x: %w", gpa, err)
	}
	gfn := gpa >> pagetables.PageShift
	end := gpa + uint64(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.flushLocked()

	pages := m.shadowedPages(gfn)
	if len(pages) == 0 {
		m.stats.record(eventTableIgnored)
		return nil
	}
	if v.flood.observe(gfn) >= m.cfg.FloodThreshold {
		v.flood.reset()
		m.zapGuestTableLocked(gfn)
		m.stats.record(eventTableUnshare)
		return nil
	}
	m.stats.record(eventTableSync)
	for _, p := range pages {
		if m.livePage(p.id) != p {
			continue
		}
		f, err := pagetables.ForMode(p.role.GuestMode)
		if err != nil {
			continue
		}
		touched := false
		for slot := range p.sptes {
			egpa, ok := guestEntryAddr(f, p, slot)
			if !ok || egpa+uint64(f.EntrySize()) <= gpa || egpa >= end {
				continue
			}
			touched = true
			if p.role.Level > 1 {
				m.dropSPTE(p, slot, TrapNotPresent)
				continue
			}
			if p.sptes[slot].Present() {
				continue
			}
			raw, err := m.mem.LoadGuestEntry(egpa, f.EntrySize())
			if err == nil && pagetables.PTE(raw).Valid() {
				m.setSPTE(p, slot, TrapNotPresent)
			} else {
				m.setSPTE(p, slot, SilentNotPresent)
			}
		}
		if !touched || p.role.Level > 1 {
			continue
		}
		if m.syncPage(p) && p.rootCount == 0 {
			m.zapPage(p)
		}
	}
	return nil
}
