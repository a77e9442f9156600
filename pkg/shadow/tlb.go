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
	"gvisor.dev/shadowmmu/pkg/atomicbitops"
	"gvisor.dev/shadowmmu/pkg/pagetables"
	"gvisor.dev/shadowmmu/pkg/sync"
)

// vcpuSet is the set of vCPUs sharing an MMU. Flushing marks every member
// dirty; each vCPU drops its cached translations before its next access,
// the way an address space bounces the CPUs in its dirty set.
type vcpuSet struct {
	mu sync.Mutex

	// +checklocks:mu
	vcpus map[*VCPU]struct{}

	// +checklocks:mu
	nextID int
}

func (s *vcpuSet) add(v *VCPU) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vcpus == nil {
		s.vcpus = make(map[*VCPU]struct{})
	}
	s.vcpus[v] = struct{}{}
	id := s.nextID
	s.nextID++
	return id
}

func (s *vcpuSet) remove(v *VCPU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vcpus, v)
}

// FlushRemoteTLBs implements TLBFlusher.FlushRemoteTLBs.
func (s *vcpuSet) FlushRemoteTLBs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.vcpus {
		v.tlb.dirty.Store(true)
	}
}

// TLBEntry is a cached translation of one 4K page.
type TLBEntry struct {
	HFN    uint64
	Access pagetables.AccessRights
	Global bool
}

// TLB is a software translation cache owned by a vCPU. Only the flush
// request is safe for concurrent use.
type TLB struct {
	dirty   atomicbitops.Bool
	entries map[uint64]TLBEntry
	flushes uint64
}

// Lookup returns the cached translation for the page containing addr.
func (t *TLB) Lookup(addr uint64) (TLBEntry, bool) {
	e, ok := t.entries[addr>>pagetables.PageShift]
	return e, ok
}

// Insert caches a translation for the page containing addr.
func (t *TLB) Insert(addr uint64, e TLBEntry) {
	if t.entries == nil {
		t.entries = make(map[uint64]TLBEntry)
	}
	t.entries[addr>>pagetables.PageShift] = e
}

// FlushPage drops the translation for the page containing addr.
func (t *TLB) FlushPage(addr uint64) {
	delete(t.entries, addr>>pagetables.PageShift)
}

// FlushAll drops every translation.
func (t *TLB) FlushAll() {
	clear(t.entries)
	t.flushes++
}

// FlushNonGlobal drops every non-global translation.
func (t *TLB) FlushNonGlobal() {
	for k, e := range t.entries {
		if !e.Global {
			delete(t.entries, k)
		}
	}
	t.flushes++
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	return len(t.entries)
}

// Flushes returns the number of full flushes performed.
func (t *TLB) Flushes() uint64 {
	return t.flushes
}

// sync performs a flush requested by FlushRemoteTLBs, if any.
func (t *TLB) sync() {
	if t.dirty.Swap(false) {
		t.FlushAll()
	}
}
