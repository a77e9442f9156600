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

	"gvisor.dev/shadowmmu/pkg/guestmem"
)

// tableMemory is the CPU-visible copy of the shadow pages. Frame f lives at
// offset (f-base)*4096.
type tableMemory struct {
	mem  *guestmem.Memory
	base uint64
}

func (t *tableMemory) offset(frame uint64, slot int) uint64 {
	return (frame-t.base)<<12 + uint64(slot)*8
}

// publish makes entry slot of frame visible to the CPU.
func (t *tableMemory) publish(frame uint64, slot int, v SPTE) {
	if err := t.mem.StoreGuestEntry(t.offset(frame, slot), 8, uint64(v)); err != nil {
		panic(fmt.Sprintf("publishing shadow entry %d of frame %#x: %v", slot, frame, err))
	}
}

// clearFrame resets every entry of frame to TrapNotPresent.
func (t *tableMemory) clearFrame(frame uint64) {
	if err := t.mem.Zero(t.offset(frame, 0), 4096); err != nil {
		panic(fmt.Sprintf("clearing shadow frame %#x: %v", frame, err))
	}
}

// load reads a published entry.
func (t *tableMemory) load(frame uint64, slot int) (SPTE, error) {
	if frame < t.base || slot < 0 || slot >= entriesPerPage {
		return 0, fmt.Errorf("no shadow table at frame %#x slot %d", frame, slot)
	}
	v, err := t.mem.LoadGuestEntry(t.offset(frame, slot), 8)
	return SPTE(v), err
}

// setSPTE updates an entry in the arena and publishes it.
//
// +checklocks:m.mu
func (m *MMU) setSPTE(p *page, slot int, v SPTE) {
	p.sptes[slot] = v
	m.tables.publish(p.frame, slot, v)
}

// ReadTable reads entry slot of the published shadow table at host frame
// frame. It emulates the CPU's page walker and takes no locks.
func (m *MMU) ReadTable(frame uint64, slot int) (SPTE, error) {
	return m.tables.load(frame, slot)
}
