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
	"gvisor.dev/shadowmmu/pkg/log"
)

// InvalidateFrames drops every leaf mapping of guest frames in [start, end).
// It is called after the invalidation sequence was bumped, so faults that
// resolved a frame before the call either fail their sequence check or had
// their mapping installed before this runs.
func (m *MMU) InvalidateFrames(start, end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ptrs []sptePtr
	for k, set := range m.rmap {
		last := k.gfn + 1
		if k.level == 2 {
			last = k.gfn + largePages
		}
		if k.gfn >= end || last <= start {
			continue
		}
		for ptr := range set {
			ptrs = append(ptrs, ptr)
		}
	}
	for _, ptr := range ptrs {
		m.dropSPTE(m.arena[ptr.page], ptr.slot, TrapNotPresent)
	}
	m.flushLocked()
	if len(ptrs) > 0 && log.IsLogging(log.Debug) {
		log.Debugf("shadow: invalidated %d mappings of gfn [%#x, %#x)", len(ptrs), start, end)
	}
}
