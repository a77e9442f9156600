// Copyright 2018 The gVisor Authors.
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

// Package pagetables describes x86 guest page-table formats.
//
// A Format captures everything that differs between the three supported
// paging modes (32-bit legacy, PAE and 4-level long mode): entry width,
// per-level index arithmetic, large page encoding and which bits are
// reserved. Code walking guest tables is written once against Format.
package pagetables

import (
	"fmt"
	"strings"
)

// Base page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// MaxLevels is the deepest supported hierarchy (long mode).
	MaxLevels = 4
)

// PTE is a raw page table entry. 32-bit entries are zero extended.
type PTE uint64

// Bits in page table entries.
const (
	Present        PTE = 1 << 0
	Writable       PTE = 1 << 1
	User           PTE = 1 << 2
	WriteThrough   PTE = 1 << 3
	CacheDisable   PTE = 1 << 4
	Accessed       PTE = 1 << 5
	Dirty          PTE = 1 << 6
	Super          PTE = 1 << 7
	Global         PTE = 1 << 8
	ExecuteDisable PTE = 1 << 63
)

// Valid returns true iff the present bit is set.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// IsSuper returns true iff the page size bit is set.
func (p PTE) IsSuper() bool {
	return p&Super != 0
}

// Has returns true iff all of the given bits are set.
func (p PTE) Has(bits PTE) bool {
	return p&bits == bits
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	var flags []string
	for _, b := range []struct {
		bit  PTE
		name string
	}{
		{Present, "P"}, {Writable, "W"}, {User, "U"}, {Accessed, "A"},
		{Dirty, "D"}, {Super, "PS"}, {Global, "G"}, {ExecuteDisable, "NX"},
	} {
		if p&b.bit != 0 {
			flags = append(flags, b.name)
		}
	}
	return fmt.Sprintf("%#x[%s]", uint64(p), strings.Join(flags, "|"))
}

// AccessRights is the set of rights granted by a translation. Read access is
// implied by presence.
type AccessRights uint8

// Access right bits.
const (
	Write AccessRights = 1 << iota
	UserAccess
	Exec

	// AllAccess is the identity for intersection.
	AllAccess = Write | UserAccess | Exec
)

// CanWrite returns true iff writes are permitted.
func (a AccessRights) CanWrite() bool { return a&Write != 0 }

// CanUser returns true iff user-mode accesses are permitted.
func (a AccessRights) CanUser() bool { return a&UserAccess != 0 }

// CanExec returns true iff instruction fetches are permitted.
func (a AccessRights) CanExec() bool { return a&Exec != 0 }

// String implements fmt.Stringer.
func (a AccessRights) String() string {
	b := []byte("r---")
	if a.CanWrite() {
		b[1] = 'w'
	}
	if a.CanExec() {
		b[2] = 'x'
	}
	if a.CanUser() {
		b[3] = 'u'
	}
	return string(b)
}

// Mode is a guest paging mode.
type Mode uint8

// Supported paging modes.
const (
	ModeLegacy32 Mode = iota + 1
	ModePAE
	ModeLong
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeLegacy32:
		return "legacy32"
	case ModePAE:
		return "pae"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "legacy32", "32", "x86":
		return ModeLegacy32, nil
	case "pae":
		return ModePAE, nil
	case "long", "64", "amd64":
		return ModeLong, nil
	}
	return 0, fmt.Errorf("unknown paging mode %q", s)
}

// ForMode returns the Format for the given mode.
func ForMode(m Mode) (Format, error) {
	switch m {
	case ModeLegacy32:
		return Legacy32, nil
	case ModePAE:
		return PAE, nil
	case ModeLong:
		return Long, nil
	}
	return nil, fmt.Errorf("no page table format for %v", m)
}
