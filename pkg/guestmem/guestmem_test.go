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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func newTestMemory(t *testing.T, size uint64) *Memory {
	t.Helper()
	m, err := NewMemory(size)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return m
}

func TestEntryAccess(t *testing.T) {
	m := newTestMemory(t, 0x2000)
	if err := m.StoreGuestEntry(0x1008, 8, 0x7027); err != nil {
		t.Fatalf("StoreGuestEntry: %v", err)
	}
	if v, err := m.LoadGuestEntry(0x1008, 8); err != nil || v != 0x7027 {
		t.Errorf("LoadGuestEntry = %#x, %v; want 0x7027", v, err)
	}
	// Little endian layout is visible through byte reads.
	buf := make([]byte, 2)
	if err := m.ReadGuest(0x1008, buf); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if diff := cmp.Diff([]byte{0x27, 0x70}, buf); diff != "" {
		t.Errorf("ReadGuest mismatch (-want +got):\n%s", diff)
	}
	if v, err := m.LoadGuestEntry(0x1008, 4); err != nil || v != 0x7027 {
		t.Errorf("32-bit LoadGuestEntry = %#x, %v", v, err)
	}
}

func TestEntryErrors(t *testing.T) {
	m := newTestMemory(t, 0x1000)
	if _, err := m.LoadGuestEntry(0x1000, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("load past end: got %v, want %v", err, ErrOutOfRange)
	}
	if _, err := m.LoadGuestEntry(0x4, 8); !errors.Is(err, ErrUnaligned) {
		t.Errorf("unaligned load: got %v, want %v", err, ErrUnaligned)
	}
	if err := m.WriteGuest(0xfff, []byte{1, 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end: got %v, want %v", err, ErrOutOfRange)
	}
}

func TestCompareAndSwap(t *testing.T) {
	m := newTestMemory(t, 0x1000)
	if err := m.StoreGuestEntry(0x10, 4, 0x1); err != nil {
		t.Fatalf("StoreGuestEntry: %v", err)
	}
	if err := m.CompareAndSwapGuestEntry(0x10, 4, 0x2, 0x3); !errors.Is(err, ErrEntryChanged) {
		t.Errorf("CAS with stale old value: got %v, want %v", err, ErrEntryChanged)
	}
	if err := m.CompareAndSwapGuestEntry(0x10, 4, 0x1, 0x21); err != nil {
		t.Errorf("CAS: %v", err)
	}
	if v, _ := m.LoadGuestEntry(0x10, 4); v != 0x21 {
		t.Errorf("entry = %#x, want 0x21", v)
	}
}

func TestConcurrentBitSet(t *testing.T) {
	m := newTestMemory(t, 0x1000)
	const workers = 8
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		bit := uint64(1) << i
		g.Go(func() error {
			for {
				old, err := m.LoadGuestEntry(0x100, 8)
				if err != nil {
					return err
				}
				err = m.CompareAndSwapGuestEntry(0x100, 8, old, old|bit)
				if err == nil {
					return nil
				}
				if !errors.Is(err, ErrEntryChanged) {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if v, _ := m.LoadGuestEntry(0x100, 8); v != 1<<workers-1 {
		t.Errorf("entry = %#x, want %#x", v, 1<<workers-1)
	}
}

type recordingSubscriber struct {
	slots *SlotSet
	seqs  []uint64
	got   [][2]uint64
}

func (r *recordingSubscriber) InvalidateFrames(start, end uint64) {
	r.seqs = append(r.seqs, r.slots.InvalidationSequence())
	r.got = append(r.got, [2]uint64{start, end})
}

func newTestSlots(t *testing.T) *SlotSet {
	t.Helper()
	s := NewSlotSet()
	for _, slot := range []Slot{
		{BaseGFN: 0, Pages: 0x400, HostFrame: 0x1000},
		{BaseGFN: 0x400, Pages: 0x10, Kind: MMIO},
		{BaseGFN: 0x800, Pages: 0x200, HostFrame: 0x2001},
	} {
		if err := s.AddSlot(slot); err != nil {
			t.Fatalf("AddSlot(%v): %v", slot, err)
		}
	}
	return s
}

func TestResolveFrame(t *testing.T) {
	s := newTestSlots(t)
	for _, tc := range []struct {
		gfn      uint64
		wantHFN  uint64
		wantMMIO bool
	}{
		{gfn: 0, wantHFN: 0x1000},
		{gfn: 0x3ff, wantHFN: 0x13ff},
		{gfn: 0x400, wantMMIO: true},
		{gfn: 0x500, wantMMIO: true},
		{gfn: 0x801, wantHFN: 0x2002},
	} {
		hfn, mmio := s.ResolveFrame(tc.gfn)
		if mmio != tc.wantMMIO || (!mmio && hfn != tc.wantHFN) {
			t.Errorf("ResolveFrame(%#x) = %#x, %v; want %#x, %v", tc.gfn, hfn, mmio, tc.wantHFN, tc.wantMMIO)
		}
		if !mmio {
			if s.Pins(hfn) != 1 {
				t.Errorf("Pins(%#x) = %d, want 1", hfn, s.Pins(hfn))
			}
			s.ReleaseFrame(hfn)
		}
	}
	if n := s.TotalPins(); n != 0 {
		t.Errorf("TotalPins = %d after releasing everything", n)
	}
	if gfn, ok := s.HostToGuest(0x2002); !ok || gfn != 0x801 {
		t.Errorf("HostToGuest(0x2002) = %#x, %v", gfn, ok)
	}
}

func TestOverlap(t *testing.T) {
	s := newTestSlots(t)
	if err := s.AddSlot(Slot{BaseGFN: 0x3f0, Pages: 0x20}); !errors.Is(err, ErrSlotOverlap) {
		t.Errorf("AddSlot overlapping: got %v, want %v", err, ErrSlotOverlap)
	}
}

func TestCanMapLarge(t *testing.T) {
	s := newTestSlots(t)
	if !s.CanMapLarge(0x200, 0x200) {
		t.Errorf("aligned RAM range rejected")
	}
	if s.CanMapLarge(0x300, 0x200) {
		t.Errorf("range crossing into MMIO accepted")
	}
	// Host frame 0x2001 is not 512-aligned.
	if s.CanMapLarge(0x800, 0x200) {
		t.Errorf("misaligned host range accepted")
	}
}

func TestInvalidateOrdering(t *testing.T) {
	s := newTestSlots(t)
	sub := &recordingSubscriber{slots: s}
	s.Subscribe(sub)
	before := s.InvalidationSequence()
	if err := s.Remap(0x800, 0x4000); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if diff := cmp.Diff([][2]uint64{{0x800, 0xa00}}, sub.got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	// Subscribers observe the bumped sequence.
	if len(sub.seqs) != 1 || sub.seqs[0] != before+1 {
		t.Errorf("subscriber saw sequence %v, want [%d]", sub.seqs, before+1)
	}
	if hfn, _ := s.ResolveFrame(0x800); hfn != 0x4000 {
		t.Errorf("ResolveFrame after Remap = %#x, want 0x4000", hfn)
	}
}
