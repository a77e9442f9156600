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

package pagetables

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// mapMemory is a sparse guest memory for tests.
type mapMemory map[uint64]uint64

func (m mapMemory) LoadGuestEntry(gpa uint64, size int) (uint64, error) {
	if gpa%uint64(size) != 0 {
		return 0, fmt.Errorf("unaligned load at %#x", gpa)
	}
	return m[gpa], nil
}

func (m mapMemory) StoreGuestEntry(gpa uint64, size int, v uint64) error {
	if gpa%uint64(size) != 0 {
		return fmt.Errorf("unaligned store at %#x", gpa)
	}
	if size == 4 {
		v &= 0xffffffff
	}
	m[gpa] = v
	return nil
}

func TestIndex(t *testing.T) {
	for _, tc := range []struct {
		format Format
		addr   uint64
		want   []int // Level 1 first.
	}{
		{Long, 0x1000, []int{1, 0, 0, 0}},
		{Long, 0x00007f1234567000, []int{0x167, 0x1a2, 0x048, 0xfe}},
		{PAE, 0xc0201000, []int{1, 1, 3}},
		{PAE, 0x7fe00000, []int{0, 0x1ff, 1}},
		{Legacy32, 0xc0401000, []int{1, 0x301}},
		{Legacy32, 0xfffff000, []int{0x3ff, 0x3ff}},
	} {
		t.Run(fmt.Sprintf("%v/%#x", tc.format.Mode(), tc.addr), func(t *testing.T) {
			var got []int
			for level := 1; level <= tc.format.Levels(); level++ {
				got = append(got, tc.format.Index(tc.addr, level))
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("indices mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntries(t *testing.T) {
	for _, tc := range []struct {
		format Format
		want   []int
	}{
		{Legacy32, []int{1024, 1024}},
		{PAE, []int{512, 512, 4}},
		{Long, []int{512, 512, 512, 512}},
	} {
		var got []int
		for level := 1; level <= tc.format.Levels(); level++ {
			got = append(got, tc.format.Entries(level))
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%v entries mismatch (-want +got):\n%s", tc.format.Mode(), diff)
		}
	}
}

func TestPSE36(t *testing.T) {
	// A 4MB page at physical 0x12_00400000: bits 32..39 live in PDE bits 13..20.
	pte := PTE(0x00400000) | PTE(0x12)<<13 | Present | Super
	if !Legacy32.LargePage(pte, 2) {
		t.Fatalf("LargePage(%v, 2) = false", pte)
	}
	got := Legacy32.LargeFrame(pte, 2, 0x0c123000)
	want := uint64(0x1200400000+0x123000) >> PageShift
	if got != want {
		t.Errorf("LargeFrame = %#x, want %#x", got, want)
	}
}

func TestLargeFrame(t *testing.T) {
	pte := PTE(0x40000000) | Present | Super | Writable
	for _, f := range []Format{PAE, Long} {
		if got, want := f.LargeFrame(pte, 2, 0x1234567), uint64(0x40034567)>>PageShift; got != want {
			t.Errorf("%v: LargeFrame = %#x, want %#x", f.Mode(), got, want)
		}
	}
}

func TestReservedBits(t *testing.T) {
	for _, tc := range []struct {
		format Format
		pte    PTE
		level  int
		want   bool
	}{
		{Long, Present | Super, 2, false},
		{Long, Present | Super, 3, true},
		{Long, Present | Super, 4, true},
		{Long, Present | ExecuteDisable, 1, false},
		{PAE, Present | ExecuteDisable, 1, true},
		{PAE, Present | Super, 3, true},
		{Legacy32, Present | Super, 2, false},
		{Legacy32, Present | Super | 1<<21, 2, true},
		// Bit 7 of a level 1 entry is PAT, not a page size bit.
		{Long, Present | Super, 1, false},
	} {
		if got := tc.format.ReservedBits(tc.pte, tc.level); got != tc.want {
			t.Errorf("%v.ReservedBits(%v, %d) = %v, want %v", tc.format.Mode(), tc.pte, tc.level, got, tc.want)
		}
	}
}

func TestAccess(t *testing.T) {
	if got, want := Long.Access(Present|Writable|ExecuteDisable), Write; got != want {
		t.Errorf("Long access = %v, want %v", got, want)
	}
	if got, want := PAE.Access(Present|User), UserAccess|Exec; got != want {
		t.Errorf("PAE access = %v, want %v", got, want)
	}
	if PAE.CheckedLevel(3) {
		t.Errorf("PAE level 3 should not carry access bits")
	}
}

// walk translates addr through tables built by a Builder.
func walk(t *testing.T, f Format, mem Memory, cr3, addr uint64) (uint64, bool) {
	t.Helper()
	table := f.RootTable(cr3)
	for level := f.Levels(); level >= 1; level-- {
		raw, err := mem.LoadGuestEntry(EntryAddr(f, table, addr, level), f.EntrySize())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		pte := PTE(raw)
		if !pte.Valid() {
			return 0, false
		}
		if level > 1 && f.LargePage(pte, level) {
			return f.LargeFrame(pte, level, addr)<<PageShift | addr&(PageSize-1), true
		}
		if level == 1 {
			return f.LeafFrame(pte)<<PageShift | addr&(PageSize-1), true
		}
		table = f.TableAddr(pte)
	}
	return 0, false
}

func TestBuilderRoundTrip(t *testing.T) {
	for _, f := range []Format{Legacy32, PAE, Long} {
		t.Run(f.Mode().String(), func(t *testing.T) {
			mem := mapMemory{}
			b, err := NewBuilder(f, mem, &BumpAllocator{Next: 0x100000, Limit: 0x200000})
			if err != nil {
				t.Fatalf("NewBuilder: %v", err)
			}
			mappings := map[uint64]uint64{
				0x1000:     0x7000,
				0x2000:     0x8000,
				0x40001000: 0x9000,
			}
			for va, pa := range mappings {
				if err := b.Map(va, pa, Writable|User); err != nil {
					t.Fatalf("Map(%#x): %v", va, err)
				}
			}
			if err := b.MapLarge(0x800000, 0x400000, Writable); err != nil {
				t.Fatalf("MapLarge: %v", err)
			}
			mappings[0x800123] = 0x400123

			for va, pa := range mappings {
				got, ok := walk(t, f, mem, b.CR3(), va)
				if !ok || got != pa {
					t.Errorf("walk(%#x) = %#x, %v; want %#x", va, got, ok, pa)
				}
			}
			if _, ok := walk(t, f, mem, b.CR3(), 0x3000); ok {
				t.Errorf("walk(0x3000) found a mapping")
			}

			if err := b.Unmap(0x2000); err != nil {
				t.Fatalf("Unmap: %v", err)
			}
			if _, ok := walk(t, f, mem, b.CR3(), 0x2000); ok {
				t.Errorf("0x2000 still mapped after Unmap")
			}
			if pte, err := b.Entry(0x1000, 1); err != nil || !pte.Has(Present|Writable|User) {
				t.Errorf("Entry(0x1000) = %v, %v", pte, err)
			}
		})
	}
}

func TestBuilderLargeConflict(t *testing.T) {
	mem := mapMemory{}
	b, err := NewBuilder(Long, mem, &BumpAllocator{Next: 0x100000, Limit: 0x200000})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.MapLarge(0x200000, 0x200000, 0); err != nil {
		t.Fatalf("MapLarge: %v", err)
	}
	if err := b.Map(0x201000, 0x5000, 0); err == nil {
		t.Errorf("Map under a large page succeeded")
	}
}

func TestAlign(t *testing.T) {
	if got := RoundUp[uint64](0x1001, PageSize); got != 0x2000 {
		t.Errorf("RoundUp = %#x", got)
	}
	if got := RoundDown[uint32](0x1fff, PageSize); got != 0x1000 {
		t.Errorf("RoundDown = %#x", got)
	}
	if IsAligned[uint64](0x1001, PageSize) {
		t.Errorf("IsAligned(0x1001) = true")
	}
}
