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

// Package shadow implements a shadow MMU.
//
// The guest owns its page tables and may change them at any time. The MMU
// walks them on demand and maintains a parallel set of shadow page tables
// in host memory that the CPU uses directly. Shadow entries are created
// lazily by page faults and torn down by guest invalidations, guest writes
// to its own page tables and host memory slot changes.
//
// Lock ordering:
//
//	MMU.mu
//	  guestmem.SlotSet internal locks
//	  framePool.mu
//	  vcpuSet.mu
//
// Guest memory is never accessed under a lock except through atomic entry
// loads and stores.
package shadow

import (
	"fmt"
	"strings"

	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// FaultCode is an x86 page fault error code.
type FaultCode uint32

// Fault code bits.
const (
	FaultPresent  FaultCode = 1 << 0
	FaultWrite    FaultCode = 1 << 1
	FaultUser     FaultCode = 1 << 2
	FaultReserved FaultCode = 1 << 3
	FaultFetch    FaultCode = 1 << 4
)

// String implements fmt.Stringer.
func (c FaultCode) String() string {
	var parts []string
	if c&FaultPresent != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	for _, b := range []struct {
		bit  FaultCode
		name string
	}{{FaultWrite, "write"}, {FaultUser, "user"}, {FaultReserved, "reserved"}, {FaultFetch, "fetch"}} {
		if c&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// accessRequest is the kind of access that faulted.
type accessRequest struct {
	write bool
	user  bool
	fetch bool
}

func decodeFault(code FaultCode) accessRequest {
	return accessRequest{
		write: code&FaultWrite != 0,
		user:  code&FaultUser != 0,
		fetch: code&FaultFetch != 0,
	}
}

// code returns the request bits of a fault code for this access.
func (r accessRequest) code() FaultCode {
	var c FaultCode
	if r.write {
		c |= FaultWrite
	}
	if r.user {
		c |= FaultUser
	}
	if r.fetch {
		c |= FaultFetch
	}
	return c
}

// GuestFault is a page fault that must be delivered to the guest.
type GuestFault struct {
	Addr uint64
	Code FaultCode
}

// Error implements error.Error.
func (f *GuestFault) Error() string {
	return fmt.Sprintf("guest page fault at %#x (%v)", f.Addr, f.Code)
}

// GuestTranslation is the result of a successful guest walk. Per-level
// arrays are indexed by level-1.
type GuestTranslation struct {
	// Addr is the translated virtual address.
	Addr uint64

	// Level is the level of the leaf entry: 1, or 2 for a large page.
	Level int

	// TableGFNs holds the guest frame of the table read at each level.
	TableGFNs [pagetables.MaxLevels]uint64

	// Entries holds the entry read at each level, including any accessed
	// and dirty bits set by the walk.
	Entries [pagetables.MaxLevels]pagetables.PTE

	// EntryAddrs holds the guest physical address of each entry.
	EntryAddrs [pagetables.MaxLevels]uint64

	// TableAccess holds the rights inherited by the table at each level,
	// i.e. the intersection of every entry above it.
	TableAccess [pagetables.MaxLevels]pagetables.AccessRights

	// ParentAccess is the intersection of the directory entries above the
	// leaf.
	ParentAccess pagetables.AccessRights

	// LeafAccess is the effective access of the translation.
	LeafAccess pagetables.AccessRights

	// GFN is the guest frame of the 4K page containing Addr.
	GFN uint64

	// Code is the fault code of the access that caused the walk.
	Code FaultCode
}

// GPA returns the guest physical address Addr translates to.
func (t *GuestTranslation) GPA() uint64 {
	return t.GFN<<pagetables.PageShift | t.Addr&(pagetables.PageSize-1)
}

// Leaf returns the leaf guest entry.
func (t *GuestTranslation) Leaf() pagetables.PTE {
	return t.Entries[t.Level-1]
}

// SPTE is a shadow page table entry. It has one of three shapes: present,
// trapping not-present (zero) and silently not-present (SilentNotPresent).
type SPTE uint64

const (
	// spteAddrMask selects the host frame address.
	spteAddrMask SPTE = 0x000ffffffffff000

	// TrapNotPresent forces a fault into the MMU on access.
	TrapNotPresent SPTE = 0

	// SilentNotPresent mirrors an absent guest entry. Faults on it go
	// straight to the guest.
	SilentNotPresent SPTE = 0x7ff << 52

	pteP  = SPTE(pagetables.Present)
	pteW  = SPTE(pagetables.Writable)
	pteU  = SPTE(pagetables.User)
	pteA  = SPTE(pagetables.Accessed)
	pteD  = SPTE(pagetables.Dirty)
	ptePS = SPTE(pagetables.Super)
	pteG  = SPTE(pagetables.Global)
	pteNX = SPTE(pagetables.ExecuteDisable)
)

// Present returns true iff the entry maps something.
func (s SPTE) Present() bool { return s&pteP != 0 }

// Trapping returns true iff the entry is the trapping sentinel.
func (s SPTE) Trapping() bool { return s == TrapNotPresent }

// Silent returns true iff the entry is the silently not-present marker.
func (s SPTE) Silent() bool { return s == SilentNotPresent }

// Frame returns the host frame the entry points at.
func (s SPTE) Frame() uint64 { return uint64(s&spteAddrMask) >> pagetables.PageShift }

// Writable returns true iff writes are allowed.
func (s SPTE) Writable() bool { return s&pteW != 0 }

// User returns true iff user accesses are allowed.
func (s SPTE) User() bool { return s&pteU != 0 }

// Large returns true iff the entry maps a large page.
func (s SPTE) Large() bool { return s&ptePS != 0 }

// Global returns true iff s is a global translation.
func (s SPTE) Global() bool { return s&pteG != 0 }

// NoExec returns true iff instruction fetches are forbidden.
func (s SPTE) NoExec() bool { return s&pteNX != 0 }

// Dirty returns true iff the dirty bit is set.
func (s SPTE) Dirty() bool { return s&pteD != 0 }

// String implements fmt.Stringer.
func (s SPTE) String() string {
	switch {
	case s.Trapping():
		return "trap"
	case s.Silent():
		return "notrap"
	}
	return pagetables.PTE(s).String()
}

// PageID is a handle to a shadow page. The zero value is invalid.
type PageID uint32

// Role distinguishes shadow pages that shadow the same guest frame.
type Role struct {
	// Level is the shadow level of the page.
	Level int

	// Quadrant selects the part of a larger 32-bit guest table this page
	// shadows.
	Quadrant int

	// Access is the intersection of the guest directory rights above the
	// page.
	Access pagetables.AccessRights

	// Direct is set for pages without a guest table behind them: splits of
	// guest large pages and the 32-bit root.
	Direct bool

	// GuestMode is the guest paging mode the page was built for.
	GuestMode pagetables.Mode
}

// String implements fmt.Stringer.
func (r Role) String() string {
	s := fmt.Sprintf("L%d/q%d/%v/%v", r.Level, r.Quadrant, r.Access, r.GuestMode)
	if r.Direct {
		s += "/direct"
	}
	return s
}

// pageKey identifies a shadow page in the cache.
type pageKey struct {
	gfn  uint64
	role Role
}

// entriesPerPage is the number of entries in every shadow page.
const entriesPerPage = 512

// shadowIndex returns the index of addr in a shadow page at level.
func shadowIndex(addr uint64, level int) int {
	return int(addr>>shadowShift(level)) & (entriesPerPage - 1)
}

// shadowShift returns log2 of the span of one shadow entry at level.
func shadowShift(level int) uint {
	return pagetables.PageShift + 9*uint(level-1)
}

// shadowRootLevel returns the level of the shadow root for a guest mode.
// 32-bit guests are shadowed with PAE-style tables.
func shadowRootLevel(mode pagetables.Mode) int {
	if mode == pagetables.ModeLong {
		return 4
	}
	return 3
}

// RootLevel returns the level of shadow roots for a guest in mode.
func RootLevel(mode pagetables.Mode) int {
	return shadowRootLevel(mode)
}

// TableIndex returns the entry translating addr in a shadow table at level.
func TableIndex(addr uint64, level int) int {
	return shadowIndex(addr, level)
}

// largePages is the number of 4K frames in a level 2 shadow entry.
const largePages = 1 << 9
