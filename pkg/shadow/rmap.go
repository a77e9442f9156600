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
	"sort"

	"gvisor.dev/shadowmmu/pkg/log"
)

// rmapKey identifies the guest frame a leaf entry maps. Large entries are
// keyed by the first frame of the range at level 2.
type rmapKey struct {
	gfn   uint64
	level int
}

// sptePtr locates one entry in the arena.
type sptePtr struct {
	page PageID
	slot int
}

// rmap maps guest frames to the present leaf entries mapping them.
type rmap map[rmapKey]map[sptePtr]struct{}

func (r rmap) add(k rmapKey, p sptePtr) {
	set, ok := r[k]
	if !ok {
		set = make(map[sptePtr]struct{})
		r[k] = set
	}
	set[p] = struct{}{}
}

func (r rmap) remove(k rmapKey, p sptePtr) {
	set := r[k]
	if _, ok := set[p]; !ok {
		log.Warningf("rmap: no entry %+v for %+v", p, k)
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(r, k)
	}
}

// lookup returns the entries for k in a stable order.
func (r rmap) lookup(k rmapKey) []sptePtr {
	set := r[k]
	out := make([]sptePtr, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].page != out[j].page {
			return out[i].page < out[j].page
		}
		return out[i].slot < out[j].slot
	})
	return out
}

// RmapLen returns the number of reverse map entries for gfn at level.
func (m *MMU) RmapLen(gfn uint64, level int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rmap[rmapKey{gfn, level}])
}

// CheckRmap verifies that every present leaf entry has exactly one reverse
// map entry and that every reverse map entry points at a present leaf entry
// for its frame.
func (m *MMU) CheckRmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := 0
	for _, p := range m.arena {
		if p == nil {
			continue
		}
		for slot, s := range p.sptes {
			if !p.isLeaf(s) {
				continue
			}
			k := rmapKey{p.leafGFN(slot), p.role.Level}
			if _, ok := m.rmap[k][sptePtr{p.id, slot}]; !ok {
				return fmt.Errorf("page %d (%v) slot %d maps gfn %#x without an rmap entry", p.id, p.role, slot, k.gfn)
			}
			seen++
		}
	}
	total := 0
	for k, set := range m.rmap {
		for ptr := range set {
			p := m.livePage(ptr.page)
			if p == nil {
				return fmt.Errorf("rmap %+v points at freed page %d", k, ptr.page)
			}
			if !p.isLeaf(p.sptes[ptr.slot]) || p.leafGFN(ptr.slot) != k.gfn || p.role.Level != k.level {
				return fmt.Errorf("rmap %+v points at page %d slot %d holding %v", k, ptr.page, ptr.slot, p.sptes[ptr.slot])
			}
			total++
		}
	}
	if total != seen {
		return fmt.Errorf("rmap holds %d entries for %d present leaves", total, seen)
	}
	return nil
}
