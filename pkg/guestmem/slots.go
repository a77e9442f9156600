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

package guestmem

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"gvisor.dev/shadowmmu/pkg/atomicbitops"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/sync"
)

// ErrSlotOverlap is returned when a new slot intersects an existing one.
var ErrSlotOverlap = errors.New("memory slot overlaps an existing slot")

// Kind is the kind of memory backing a slot.
type Kind uint8

// Slot kinds.
const (
	RAM Kind = iota
	MMIO
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == MMIO {
		return "mmio"
	}
	return "ram"
}

// Slot maps a range of guest frames onto host frames.
type Slot struct {
	// BaseGFN is the first guest frame in the slot.
	BaseGFN uint64

	// Pages is the number of frames in the slot.
	Pages uint64

	// HostFrame is the host frame backing BaseGFN. Unused for MMIO.
	HostFrame uint64

	// Kind is the kind of memory.
	Kind Kind
}

// End returns the first guest frame after the slot.
func (s Slot) End() uint64 {
	return s.BaseGFN + s.Pages
}

// Contains returns true iff gfn lies within the slot.
func (s Slot) Contains(gfn uint64) bool {
	return gfn >= s.BaseGFN && gfn < s.End()
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return fmt.Sprintf("%v[gfn %#x-%#x -> hfn %#x]", s.Kind, s.BaseGFN, s.End(), s.HostFrame)
}

// Subscriber is notified when the host frames backing a guest range are
// about to change.
type Subscriber interface {
	// InvalidateFrames drops all cached translations to guest frames in
	// [start, end).
	InvalidateFrames(start, end uint64)
}

// SlotSet is the guest physical address map.
//
// Frames outside every slot, and frames in MMIO slots, resolve to the MMIO
// sentinel.
type SlotSet struct {
	mu sync.RWMutex

	// +checklocks:mu
	slots *btree.BTreeG[Slot]

	pinMu sync.Mutex

	// pins counts outstanding ResolveFrame references per host frame.
	//
	// +checklocks:pinMu
	pins map[uint64]int

	// seq is the invalidation sequence number.
	seq atomicbitops.Uint64

	subMu sync.Mutex

	// +checklocks:subMu
	subs []Subscriber
}

// NewSlotSet returns an empty SlotSet.
func NewSlotSet() *SlotSet {
	return &SlotSet{
		slots: btree.NewG(8, func(a, b Slot) bool { return a.BaseGFN < b.BaseGFN }),
		pins:  make(map[uint64]int),
	}
}

// find returns the slot containing gfn.
//
// +checklocksread:s.mu
func (s *SlotSet) find(gfn uint64) (Slot, bool) {
	var (
		found Slot
		ok    bool
	)
	s.slots.DescendLessOrEqual(Slot{BaseGFN: gfn}, func(slot Slot) bool {
		found, ok = slot, slot.Contains(gfn)
		return false
	})
	return found, ok
}

// AddSlot inserts a slot.
func (s *SlotSet) AddSlot(slot Slot) error {
	if slot.Pages == 0 {
		return fmt.Errorf("empty slot %v", slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var overlap bool
	s.slots.Ascend(func(other Slot) bool {
		if other.BaseGFN < slot.End() && slot.BaseGFN < other.End() {
			overlap = true
			return false
		}
		return true
	})
	if overlap {
		return fmt.Errorf("%w: %v", ErrSlotOverlap, slot)
	}
	s.slots.ReplaceOrInsert(slot)
	log.Debugf("memory slot added: %v", slot)
	return nil
}

// RemoveSlot deletes the slot starting at base and invalidates its range.
func (s *SlotSet) RemoveSlot(base uint64) error {
	s.mu.Lock()
	slot, ok := s.slots.Delete(Slot{BaseGFN: base})
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no memory slot at gfn %#x", base)
	}
	s.Invalidate(slot.BaseGFN, slot.End())
	return nil
}

// Remap moves the slot starting at base to a new host frame and invalidates
// any translations to it.
func (s *SlotSet) Remap(base, hostFrame uint64) error {
	s.mu.Lock()
	slot, ok := s.slots.Get(Slot{BaseGFN: base})
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no memory slot at gfn %#x", base)
	}
	slot.HostFrame = hostFrame
	s.slots.ReplaceOrInsert(slot)
	s.mu.Unlock()
	s.Invalidate(slot.BaseGFN, slot.End())
	return nil
}

// Slots returns all slots in guest frame order.
func (s *SlotSet) Slots() []Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Slot, 0, s.slots.Len())
	s.slots.Ascend(func(slot Slot) bool {
		out = append(out, slot)
		return true
	})
	return out
}

// Subscribe registers sub for invalidation notifications.
func (s *SlotSet) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, sub)
}

// InvalidationSequence returns the current invalidation sequence number.
func (s *SlotSet) InvalidationSequence() uint64 {
	return s.seq.Load()
}

// Invalidate announces that the backing of guest frames [start, end) is
// changing. The sequence number is bumped before subscribers run, so a
// translation resolved before the bump is either rejected by its sequence
// check or zapped by a subscriber.
func (s *SlotSet) Invalidate(start, end uint64) {
	s.seq.Add(1)
	s.subMu.Lock()
	subs := append([]Subscriber(nil), s.subs...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.InvalidateFrames(start, end)
	}
}

// ResolveFrame returns the host frame backing gfn and takes a reference on
// it, or reports mmio if gfn is not RAM. Every successful resolution must be
// paired with ReleaseFrame.
func (s *SlotSet) ResolveFrame(gfn uint64) (hfn uint64, mmio bool) {
	s.mu.RLock()
	slot, ok := s.find(gfn)
	s.mu.RUnlock()
	if !ok || slot.Kind == MMIO {
		return 0, true
	}
	hfn = slot.HostFrame + (gfn - slot.BaseGFN)
	s.pinMu.Lock()
	s.pins[hfn]++
	s.pinMu.Unlock()
	return hfn, false
}

// ReleaseFrame drops a reference taken by ResolveFrame.
func (s *SlotSet) ReleaseFrame(hfn uint64) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	n, ok := s.pins[hfn]
	if !ok {
		log.Warningf("releasing unpinned host frame %#x", hfn)
		return
	}
	if n == 1 {
		delete(s.pins, hfn)
		return
	}
	s.pins[hfn] = n - 1
}

// Pins returns the number of outstanding references on hfn.
func (s *SlotSet) Pins(hfn uint64) int {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[hfn]
}

// TotalPins returns the number of outstanding references on all frames.
func (s *SlotSet) TotalPins() int {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	total := 0
	for _, n := range s.pins {
		total += n
	}
	return total
}

// CanMapLarge returns true iff [gfn, gfn+pages) is RAM within a single slot
// and the host frame backing gfn is aligned to pages.
func (s *SlotSet) CanMapLarge(gfn, pages uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.find(gfn)
	if !ok || slot.Kind != RAM || gfn+pages > slot.End() {
		return false
	}
	return (slot.HostFrame+(gfn-slot.BaseGFN))%pages == 0
}

// HostToGuest returns the guest frame backed by hfn.
func (s *SlotSet) HostToGuest(hfn uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		gfn uint64
		ok  bool
	)
	s.slots.Ascend(func(slot Slot) bool {
		if slot.Kind == RAM && hfn >= slot.HostFrame && hfn < slot.HostFrame+slot.Pages {
			gfn, ok = slot.BaseGFN+(hfn-slot.HostFrame), true
			return false
		}
		return true
	})
	return gfn, ok
}
