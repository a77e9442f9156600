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
	"sort"

	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// page is a shadow page table page.
//
// A page is owned by the parent entries linking to it and by the vCPUs
// using it as a root. It is freed when the last owner lets go.
type page struct {
	id     PageID
	gfn    uint64
	role   Role
	frame  uint64
	serial uint64

	sptes [entriesPerPage]SPTE

	// leafGFNs records the guest frame each present leaf entry maps.
	// Allocated on first leaf install.
	leafGFNs []uint64

	// parents are the entries linking to this page.
	parents map[sptePtr]struct{}

	// rootCount is the number of vCPUs using this page as their root.
	rootCount int

	// obsolete is set when the page was zapped while still a root. It is
	// no longer indexed and is freed when the last root lets go.
	obsolete bool
}

func (p *page) key() pageKey {
	return pageKey{gfn: p.gfn, role: p.role}
}

func (p *page) refs() int {
	return len(p.parents) + p.rootCount
}

// isLeaf returns true iff s, stored in p, is a present final translation.
func (p *page) isLeaf(s SPTE) bool {
	return s.Present() && (p.role.Level == 1 || s.Large())
}

func (p *page) leafGFN(slot int) uint64 {
	if p.leafGFNs == nil {
		return 0
	}
	return p.leafGFNs[slot]
}

func (p *page) setLeafGFN(slot int, gfn uint64) {
	if p.leafGFNs == nil {
		p.leafGFNs = make([]uint64, entriesPerPage)
	}
	p.leafGFNs[slot] = gfn
}

// livePage returns the page with the given ID, or nil if it was freed.
//
// +checklocks:m.mu
func (m *MMU) livePage(id PageID) *page {
	if int(id) >= len(m.arena) {
		return nil
	}
	return m.arena[id]
}

// pageAt returns the page stored in host frame frame.
//
// +checklocks:m.mu
func (m *MMU) pageAt(frame uint64) *page {
	id, ok := m.byHost[frame]
	if !ok {
		panic("shadow entry links to unknown frame")
	}
	return m.arena[id]
}

// getPage returns the page for key, allocating it from v's allowance if it
// does not exist.
//
// +checklocks:m.mu
func (m *MMU) getPage(v *VCPU, key pageKey) (*page, bool, error) {
	if id, ok := m.byKey[key]; ok {
		return m.arena[id], false, nil
	}
	frame, ok := v.takeFrame()
	if !ok {
		if frame, ok = m.pool.get(); !ok {
			return nil, false, ErrResourceExhausted
		}
	}
	m.tables.clearFrame(frame)
	p := &page{
		gfn:     key.gfn,
		role:    key.role,
		frame:   frame,
		parents: make(map[sptePtr]struct{}),
	}
	if n := len(m.freeIDs); n > 0 {
		p.id = m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		m.arena[p.id] = p
	} else {
		p.id = PageID(len(m.arena))
		m.arena = append(m.arena, p)
	}
	m.nextSerial++
	p.serial = m.nextSerial
	m.byKey[key] = p.id
	m.byHost[frame] = p.id
	m.order.ReplaceOrInsert(p)
	if !key.role.Direct {
		set, ok := m.byGFN[key.gfn]
		if !ok {
			set = make(map[PageID]struct{})
			m.byGFN[key.gfn] = set
		}
		set[p.id] = struct{}{}
	}
	m.stats.record(eventPageCreated)
	if log.IsLogging(log.Debug) {
		log.Debugf("shadow page %d: gfn %#x role %v frame %#x", p.id, key.gfn, key.role, frame)
	}
	return p, true, nil
}

// link points entry slot of parent at child.
//
// +checklocks:m.mu
func (m *MMU) link(parent *page, slot int, child *page) {
	s := SPTE(child.frame<<pagetables.PageShift) | pteP | pteA
	if child.role.Access.CanWrite() {
		s |= pteW
	}
	if child.role.Access.CanUser() {
		s |= pteU
	}
	if !child.role.Access.CanExec() {
		s |= pteNX
	}
	child.parents[sptePtr{parent.id, slot}] = struct{}{}
	m.setSPTE(parent, slot, s)
}

// dropSPTE replaces a present entry with repl, which must not be present.
// Leaf entries are removed from the reverse map; links release the child,
// freeing it if this was its last owner.
//
// +checklocks:m.mu
func (m *MMU) dropSPTE(p *page, slot int, repl SPTE) {
	s := p.sptes[slot]
	if !s.Present() {
		if s != repl {
			m.setSPTE(p, slot, repl)
		}
		return
	}
	m.pendingFlush = true
	if p.isLeaf(s) {
		m.rmap.remove(rmapKey{p.leafGFN(slot), p.role.Level}, sptePtr{p.id, slot})
		m.setSPTE(p, slot, repl)
		return
	}
	child := m.pageAt(s.Frame())
	delete(child.parents, sptePtr{p.id, slot})
	m.setSPTE(p, slot, repl)
	if child.refs() == 0 {
		m.freePage(child)
	}
}

// unindex removes p from the lookup indexes so that no new references to it
// are created.
//
// +checklocks:m.mu
func (m *MMU) unindex(p *page) {
	if id, ok := m.byKey[p.key()]; ok && id == p.id {
		delete(m.byKey, p.key())
	}
	if set, ok := m.byGFN[p.gfn]; ok {
		delete(set, p.id)
		if len(set) == 0 {
			delete(m.byGFN, p.gfn)
		}
	}
}

// freePage releases p and everything only it references. p must have no
// owners.
//
// +checklocks:m.mu
func (m *MMU) freePage(p *page) {
	for slot := range p.sptes {
		m.dropSPTE(p, slot, TrapNotPresent)
	}
	m.unindex(p)
	delete(m.byHost, p.frame)
	m.order.Delete(p)
	m.arena[p.id] = nil
	m.freeIDs = append(m.freeIDs, p.id)
	m.released = append(m.released, p.frame)
	m.stats.record(eventPageFreed)
}

// zapPage unlinks p from every parent and frees it. A page still used as a
// root is emptied and marked obsolete instead; its vCPUs load a new root on
// their next fault.
//
// +checklocks:m.mu
func (m *MMU) zapPage(p *page) {
	for ref := range p.parents {
		m.setSPTE(m.arena[ref.page], ref.slot, TrapNotPresent)
		delete(p.parents, ref)
		m.pendingFlush = true
	}
	m.stats.record(eventPageZapped)
	if p.rootCount == 0 {
		m.freePage(p)
		return
	}
	for slot := range p.sptes {
		m.dropSPTE(p, slot, TrapNotPresent)
	}
	m.unindex(p)
	p.obsolete = true
}

// putRoot drops v's reference on its root.
//
// +checklocks:m.mu
func (m *MMU) putRoot(v *VCPU) {
	if v.root == 0 {
		return
	}
	p := m.arena[v.root]
	v.root = 0
	p.rootCount--
	if p.refs() == 0 {
		m.freePage(p)
	}
}

// shadowedPages returns the live non-direct pages shadowing gfn.
//
// +checklocks:m.mu
func (m *MMU) shadowedPages(gfn uint64) []*page {
	set := m.byGFN[gfn]
	ids := make([]PageID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pages := make([]*page, len(ids))
	for i, id := range ids {
		pages[i] = m.arena[id]
	}
	return pages
}

// shadowed returns true iff any frame in [gfn, gfn+n) holds a shadowed guest
// page table.
//
// +checklocks:m.mu
func (m *MMU) shadowed(gfn, n uint64) bool {
	for i := uint64(0); i < n; i++ {
		if len(m.byGFN[gfn+i]) != 0 {
			return true
		}
	}
	return false
}

// writeProtect removes write access from every leaf mapping gfn. Large
// mappings covering gfn are dropped.
//
// +checklocks:m.mu
func (m *MMU) writeProtect(gfn uint64) {
	for _, ptr := range m.rmap.lookup(rmapKey{gfn, 1}) {
		p := m.arena[ptr.page]
		if s := p.sptes[ptr.slot]; s.Writable() {
			m.setSPTE(p, ptr.slot, s&^pteW)
			m.pendingFlush = true
		}
	}
	for _, ptr := range m.rmap.lookup(rmapKey{gfn &^ (largePages - 1), 2}) {
		m.dropSPTE(m.arena[ptr.page], ptr.slot, TrapNotPresent)
	}
}

// ZapGuestTable drops every shadow page shadowing the guest table at gfn,
// removing its write protection.
func (m *MMU) ZapGuestTable(gfn uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.zapGuestTableLocked(gfn)
	m.flushLocked()
	return n
}

// +checklocks:m.mu
func (m *MMU) zapGuestTableLocked(gfn uint64) int {
	n := 0
	for _, p := range m.shadowedPages(gfn) {
		// An earlier zap may have freed p as a descendant.
		if m.livePage(p.id) != p {
			continue
		}
		m.zapPage(p)
		n++
	}
	return n
}
