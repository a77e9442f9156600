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

// Format describes one guest paging mode. Levels are numbered from 1 (the
// page table holding 4K leaves) up to Levels() (the table CR3 points at).
type Format interface {
	// Mode returns the paging mode.
	Mode() Mode

	// Levels returns the depth of the hierarchy.
	Levels() int

	// EntrySize returns the size of one entry in bytes.
	EntrySize() int

	// Entries returns the number of entries in a table at the given level.
	Entries(level int) int

	// Shift returns log2 of the address span of one entry at level.
	Shift(level int) uint

	// Index returns the index of addr within a table at the given level.
	Index(addr uint64, level int) int

	// RootTable returns the guest physical address of the top level table
	// for the given CR3 value.
	RootTable(cr3 uint64) uint64

	// TableAddr returns the guest physical address of the table a directory
	// entry points at.
	TableAddr(pte PTE) uint64

	// LargePage returns true iff pte maps a large page at level.
	LargePage(pte PTE, level int) bool

	// LargeFrame returns the guest frame of the 4K page containing addr
	// within the large page mapped by pte at level.
	LargeFrame(pte PTE, level int, addr uint64) uint64

	// LeafFrame returns the guest frame mapped by a level 1 entry.
	LeafFrame(pte PTE) uint64

	// CheckedLevel returns true iff entries at level carry access and
	// accessed bits. PAE page directory pointers do not.
	CheckedLevel(level int) bool

	// HasNX returns true iff the execute disable bit is honored.
	HasNX() bool

	// ReservedBits returns true iff pte sets bits that must be zero at level.
	ReservedBits(pte PTE, level int) bool

	// Access returns the rights granted by a single entry.
	Access(pte PTE) AccessRights
}

// x86Format is the single Format implementation, parameterized per mode.
type x86Format struct {
	mode        Mode
	levels      int
	entrySize   int
	indexBits   uint
	rootEntries int
	addrMask    uint64
	nx          bool
}

// Formats for each supported mode.
var (
	Legacy32 Format = &x86Format{
		mode:      ModeLegacy32,
		levels:    2,
		entrySize: 4,
		indexBits: 10,
		addrMask:  0xfffff000,
	}
	PAE Format = &x86Format{
		mode:        ModePAE,
		levels:      3,
		entrySize:   8,
		indexBits:   9,
		rootEntries: 4,
		addrMask:    0x000ffffffffff000,
	}
	Long Format = &x86Format{
		mode:      ModeLong,
		levels:    4,
		entrySize: 8,
		indexBits: 9,
		addrMask:  0x000ffffffffff000,
		nx:        true,
	}
)

// pse36Mask selects PDE bits 13..20, which hold physical address bits
// 32..39 of a 4MB page.
const pse36Mask = 0xff << 13

func (f *x86Format) Mode() Mode     { return f.mode }
func (f *x86Format) Levels() int    { return f.levels }
func (f *x86Format) EntrySize() int { return f.entrySize }
func (f *x86Format) HasNX() bool    { return f.nx }

func (f *x86Format) Entries(level int) int {
	if level == f.levels && f.rootEntries != 0 {
		return f.rootEntries
	}
	return 1 << f.indexBits
}

func (f *x86Format) Shift(level int) uint {
	return PageShift + f.indexBits*uint(level-1)
}

func (f *x86Format) Index(addr uint64, level int) int {
	return int((addr >> f.Shift(level)) & uint64(f.Entries(level)-1))
}

func (f *x86Format) RootTable(cr3 uint64) uint64 {
	if f.rootEntries != 0 {
		return cr3 & 0xffffffe0
	}
	return cr3 & f.addrMask
}

func (f *x86Format) TableAddr(pte PTE) uint64 {
	return uint64(pte) & f.addrMask
}

func (f *x86Format) LargePage(pte PTE, level int) bool {
	return level == 2 && pte.IsSuper()
}

func (f *x86Format) LargeFrame(pte PTE, level int, addr uint64) uint64 {
	size := uint64(1) << f.Shift(level)
	var base uint64
	if f.mode == ModeLegacy32 {
		base = uint64(pte)&0xffc00000 | (uint64(pte)&pse36Mask)>>13<<32
	} else {
		base = uint64(pte) & f.addrMask &^ (size - 1)
	}
	return (base + addr&(size-1)) >> PageShift
}

func (f *x86Format) LeafFrame(pte PTE) uint64 {
	return f.TableAddr(pte) >> PageShift
}

func (f *x86Format) CheckedLevel(level int) bool {
	return !(f.rootEntries != 0 && level == f.levels)
}

func (f *x86Format) ReservedBits(pte PTE, level int) bool {
	if level > 1 && pte.IsSuper() && !f.LargePage(pte, level) {
		return true
	}
	if !f.nx && pte&ExecuteDisable != 0 {
		return true
	}
	if f.mode == ModeLegacy32 && level == 2 && pte.IsSuper() && pte&(1<<21) != 0 {
		return true
	}
	return false
}

func (f *x86Format) Access(pte PTE) AccessRights {
	a := Exec
	if pte&Writable != 0 {
		a |= Write
	}
	if pte&User != 0 {
		a |= UserAccess
	}
	if f.nx && pte&ExecuteDisable != 0 {
		a &^= Exec
	}
	return a
}

// EntryAddr returns the guest physical address of the entry for addr in the
// table at tableAddr.
func EntryAddr(f Format, tableAddr, addr uint64, level int) uint64 {
	return tableAddr + uint64(f.Index(addr, level)*f.EntrySize())
}

// PageSizeAt returns the number of bytes mapped by one entry at level.
func PageSizeAt(f Format, level int) uint64 {
	return 1 << f.Shift(level)
}
