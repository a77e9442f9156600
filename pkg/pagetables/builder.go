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
	"errors"
	"fmt"
)

// Memory is the guest physical memory a Builder writes tables into.
type Memory interface {
	// LoadGuestEntry atomically loads a size byte entry at gpa.
	LoadGuestEntry(gpa uint64, size int) (uint64, error)

	// StoreGuestEntry atomically stores a size byte entry at gpa.
	StoreGuestEntry(gpa uint64, size int, v uint64) error
}

// Allocator returns the guest physical address of a zeroed, page aligned
// table.
type Allocator interface {
	NewTable() (uint64, error)
}

// ErrNotMapped is returned when an intermediate table is missing.
var ErrNotMapped = errors.New("address not mapped")

// directoryBits are set on intermediate entries created by a Builder.
const directoryBits = Present | Writable | User

// Builder constructs guest page tables for any Format.
type Builder struct {
	format Format
	mem    Memory
	alloc  Allocator
	root   uint64
}

// NewBuilder allocates an empty root table.
func NewBuilder(f Format, mem Memory, alloc Allocator) (*Builder, error) {
	root, err := alloc.NewTable()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &Builder{format: f, mem: mem, alloc: alloc, root: root}, nil
}

// Format returns the format being built.
func (b *Builder) Format() Format {
	return b.format
}

// CR3 returns the value to load into CR3 for these tables.
func (b *Builder) CR3() uint64 {
	return b.root
}

// table returns the address of the table at level covering addr, allocating
// intermediate tables if alloc is set.
func (b *Builder) table(addr uint64, level int, alloc bool) (uint64, error) {
	f := b.format
	table := f.RootTable(b.root)
	for l := f.Levels(); l > level; l-- {
		gpa := EntryAddr(f, table, addr, l)
		raw, err := b.mem.LoadGuestEntry(gpa, f.EntrySize())
		if err != nil {
			return 0, err
		}
		pte := PTE(raw)
		if !pte.Valid() {
			if !alloc {
				return 0, ErrNotMapped
			}
			next, err := b.alloc.NewTable()
			if err != nil {
				return 0, fmt.Errorf("allocating level %d table: %w", l-1, err)
			}
			pte = PTE(next) | directoryBits
			if !f.CheckedLevel(l) {
				pte = PTE(next) | Present
			}
			if err := b.mem.StoreGuestEntry(gpa, f.EntrySize(), uint64(pte)); err != nil {
				return 0, err
			}
		} else if f.LargePage(pte, l) {
			return 0, fmt.Errorf("address %#x is covered by a large page at level %d", addr, l)
		}
		table = f.TableAddr(pte)
	}
	return table, nil
}

// Map maps the 4K page at vaddr to gpa with the given flags. Present is
// always set.
func (b *Builder) Map(vaddr, gpa uint64, flags PTE) error {
	if !IsAligned(gpa, PageSize) {
		return fmt.Errorf("unaligned frame address %#x", gpa)
	}
	table, err := b.table(vaddr, 1, true)
	if err != nil {
		return err
	}
	pte := PTE(gpa) | flags | Present
	return b.mem.StoreGuestEntry(EntryAddr(b.format, table, vaddr, 1), b.format.EntrySize(), uint64(pte))
}

// MapLarge maps the level 2 large page containing vaddr to gpa.
func (b *Builder) MapLarge(vaddr, gpa uint64, flags PTE) error {
	f := b.format
	size := PageSizeAt(f, 2)
	if !IsAligned(gpa, size) {
		return fmt.Errorf("unaligned large frame address %#x", gpa)
	}
	table, err := b.table(vaddr, 2, true)
	if err != nil {
		return err
	}
	var pte PTE
	if f.Mode() == ModeLegacy32 {
		if gpa >= 1<<40 {
			return fmt.Errorf("frame address %#x beyond PSE-36 range", gpa)
		}
		pte = PTE(gpa&0xffc00000) | PTE((gpa>>32)&0xff)<<13
	} else {
		pte = PTE(gpa)
	}
	pte |= flags | Present | Super
	return b.mem.StoreGuestEntry(EntryAddr(f, table, vaddr, 2), f.EntrySize(), uint64(pte))
}

// Unmap clears the leaf entry for vaddr.
func (b *Builder) Unmap(vaddr uint64) error {
	gpa, err := b.EntryAddr(vaddr, 1)
	if err != nil {
		return err
	}
	return b.mem.StoreGuestEntry(gpa, b.format.EntrySize(), 0)
}

// EntryAddr returns the guest physical address of the entry for vaddr at
// level. Tables above level must exist.
func (b *Builder) EntryAddr(vaddr uint64, level int) (uint64, error) {
	table, err := b.table(vaddr, level, false)
	if err != nil {
		return 0, err
	}
	return EntryAddr(b.format, table, vaddr, level), nil
}

// Entry returns the entry for vaddr at level.
func (b *Builder) Entry(vaddr uint64, level int) (PTE, error) {
	gpa, err := b.EntryAddr(vaddr, level)
	if err != nil {
		return 0, err
	}
	raw, err := b.mem.LoadGuestEntry(gpa, b.format.EntrySize())
	return PTE(raw), err
}

// SetEntry overwrites the entry for vaddr at level.
func (b *Builder) SetEntry(vaddr uint64, level int, pte PTE) error {
	gpa, err := b.EntryAddr(vaddr, level)
	if err != nil {
		return err
	}
	return b.mem.StoreGuestEntry(gpa, b.format.EntrySize(), uint64(pte))
}

// BumpAllocator hands out consecutive zeroed pages from a fixed range. The
// memory is assumed to be zero initially.
type BumpAllocator struct {
	Next  uint64
	Limit uint64
}

// NewTable implements Allocator.NewTable.
func (a *BumpAllocator) NewTable() (uint64, error) {
	if a.Next+PageSize > a.Limit {
		return 0, fmt.Errorf("table area exhausted at %#x", a.Next)
	}
	addr := a.Next
	a.Next += PageSize
	return addr, nil
}
