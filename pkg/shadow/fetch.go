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
	"errors"

	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// errStale is returned by fetch when a guest directory entry changed after
// the walk. No link to a page for the replaced table is installed and the
// fault is retried.
var errStale = errors.New("guest directory changed since walk")

// fetchResult describes an installed leaf.
type fetchResult struct {
	// emulate is set when the access cannot complete through the new
	// mapping and the instruction must be emulated.
	emulate bool

	// tableWrite is set for write faults to a shadowed guest page table.
	tableWrite bool
}

// quadrant returns the quadrant of a 32-bit guest table shadowed at level.
func quadrant(addr uint64, level int) int {
	switch level {
	case 2:
		return int(addr>>30) & 3
	case 1:
		return int(addr>>21) & 1
	}
	return 0
}

// childKey returns the key of the shadow page at level on the path of tr.
func childKey(f pagetables.Format, tr *GuestTranslation, level int) pageKey {
	mode := f.Mode()
	role := Role{Level: level, GuestMode: mode}
	if level < tr.Level {
		// Below a guest large page there is no guest table; the page maps
		// consecutive frames.
		role.Direct = true
		role.Access = tr.LeafAccess
		return pageKey{gfn: tr.GFN &^ (largePages - 1), role: role}
	}
	role.Access = tr.TableAccess[level-1]
	if mode == pagetables.ModeLegacy32 {
		role.Quadrant = quadrant(tr.Addr, level)
	}
	return pageKey{gfn: tr.TableGFNs[level-1], role: role}
}

// recheck verifies that the guest entry pointing at the table shadowed by a
// page at level still holds the value seen by the walk.
func (m *MMU) recheck(f pagetables.Format, tr *GuestTranslation, level int) error {
	parent := level + 1
	if parent > f.Levels() {
		return nil
	}
	cur, err := m.mem.LoadGuestEntry(tr.EntryAddrs[parent-1], f.EntrySize())
	if err != nil || pagetables.PTE(cur) != tr.Entries[parent-1] {
		return errStale
	}
	return nil
}

// prefetch marks entries of a new leaf page whose guest entry is absent as
// silently not present. Other entries keep trapping.
//
// +checklocks:m.mu
func (m *MMU) prefetch(f pagetables.Format, p *page) {
	for slot := range p.sptes {
		gpa, ok := guestEntryAddr(f, p, slot)
		if !ok {
			continue
		}
		raw, err := m.mem.LoadGuestEntry(gpa, f.EntrySize())
		if err == nil && !pagetables.PTE(raw).Valid() {
			m.setSPTE(p, slot, SilentNotPresent)
		}
	}
}

// fetch installs the shadow translation for tr under v's root. hfn is the
// host frame backing tr.GFN, or the first frame of the range if large is
// set, in which case a level 2 mapping is installed.
//
// +checklocks:m.mu
func (m *MMU) fetch(v *VCPU, tr *GuestTranslation, req accessRequest, hfn uint64, large bool) (fetchResult, error) {
	f := v.format
	p := m.arena[v.root]
	target := 1
	if large {
		target = 2
	}

	for level := p.role.Level; level > target; level-- {
		slot := shadowIndex(tr.Addr, level)
		s := p.sptes[slot]
		if p.isLeaf(s) {
			// A large mapping must be gone from every TLB before finer
			// mappings of the same range appear.
			m.dropSPTE(p, slot, TrapNotPresent)
			m.flushLocked()
			s = p.sptes[slot]
		}
		key := childKey(f, tr, level-1)
		if s.Present() {
			child := m.pageAt(s.Frame())
			if child.key() != key || child.obsolete {
				m.dropSPTE(p, slot, TrapNotPresent)
				s = p.sptes[slot]
			} else {
				if !key.role.Direct {
					if err := m.recheck(f, tr, level-1); err != nil {
						m.dropSPTE(p, slot, TrapNotPresent)
						return fetchResult{}, err
					}
				}
				p = child
				continue
			}
		}
		child, created, err := m.getPage(v, key)
		if err != nil {
			return fetchResult{}, err
		}
		if created && !key.role.Direct {
			m.writeProtect(key.gfn)
			if level-1 == 1 {
				m.prefetch(f, child)
			}
		}
		// The guest entry is checked after write protection is in place and
		// before the child becomes reachable from p.
		if !key.role.Direct {
			if err := m.recheck(f, tr, level-1); err != nil {
				if created {
					m.freePage(child)
				}
				return fetchResult{}, err
			}
		}
		m.link(p, slot, child)
		p = child
	}

	return m.installLeaf(v, p, tr, req, hfn, target)
}

// installLeaf writes the final entry for tr into p at level.
//
// +checklocks:m.mu
func (m *MMU) installLeaf(v *VCPU, p *page, tr *GuestTranslation, req accessRequest, hfn uint64, level int) (fetchResult, error) {
	var res fetchResult
	slot := shadowIndex(tr.Addr, level)
	gfn := tr.GFN
	pages := uint64(1)
	if level == 2 {
		gfn &^= largePages - 1
		pages = largePages
	}
	leaf := tr.Leaf()
	access := tr.LeafAccess

	writable := access.CanWrite()
	user := access.CanUser()
	if req.write && !writable {
		// Only reachable for supervisor writes with CR0.WP clear. Grant
		// the write to supervisor mode only, or emulate it if a directory
		// forbids writes too.
		if tr.ParentAccess.CanWrite() {
			writable, user = true, false
		} else {
			res.emulate = true
		}
	}
	// Clean pages stay read-only so that the first write faults and sets
	// the guest dirty bit.
	if writable && !req.write && !leaf.Has(pagetables.Dirty) {
		writable = false
	}
	if writable && m.shadowed(gfn, pages) {
		writable = false
		if req.write {
			res.emulate = true
			res.tableWrite = true
		}
	}

	s := SPTE(hfn<<pagetables.PageShift) | pteP | pteA
	if writable {
		s |= pteW | pteD
	}
	if user {
		s |= pteU
	}
	if leaf.Has(pagetables.Global) {
		s |= pteG
	}
	if !access.CanExec() {
		s |= pteNX
	}
	if level == 2 {
		s |= ptePS
	}

	old := p.sptes[slot]
	if old == s {
		m.stats.record(eventIdempotent)
		return res, nil
	}
	if p.isLeaf(old) && old.Frame() == s.Frame() && p.leafGFN(slot) == gfn {
		// Same translation with different rights; the rmap entry stays.
		m.setSPTE(p, slot, s)
		if (old.Writable() && !s.Writable()) || (old.User() && !s.User()) || (!old.NoExec() && s.NoExec()) {
			m.pendingFlush = true
		}
		return res, nil
	}
	if old.Present() {
		m.dropSPTE(p, slot, TrapNotPresent)
		m.flushLocked()
	}
	m.setSPTE(p, slot, s)
	p.setLeafGFN(slot, gfn)
	m.rmap.add(rmapKey{gfn, level}, sptePtr{p.id, slot})
	return res, nil
}
