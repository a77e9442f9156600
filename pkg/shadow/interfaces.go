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

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	// ReadGuest copies guest memory at gpa into dst.
	ReadGuest(gpa uint64, dst []byte) error

	// WriteGuest copies src into guest memory at gpa.
	WriteGuest(gpa uint64, src []byte) error

	// LoadGuestEntry atomically loads a 4 or 8 byte entry. It is safe to
	// call with MMU locks held.
	LoadGuestEntry(gpa uint64, size int) (uint64, error)

	// CompareAndSwapGuestEntry atomically replaces old with new. It
	// returns guestmem.ErrEntryChanged if the entry did not hold old.
	CompareAndSwapGuestEntry(gpa uint64, size int, old, new uint64) error
}

// FrameResolver maps guest frames to host frames.
type FrameResolver interface {
	// InvalidationSequence returns a counter bumped before any host frame
	// backing a guest frame changes.
	InvalidationSequence() uint64

	// ResolveFrame returns the host frame backing gfn and takes a
	// reference on it, or mmio if gfn is not RAM.
	ResolveFrame(gfn uint64) (hfn uint64, mmio bool)

	// ReleaseFrame drops a reference taken by ResolveFrame.
	ReleaseFrame(hfn uint64)

	// CanMapLarge returns true iff [gfn, gfn+pages) is RAM backed by
	// contiguous host frames aligned to pages.
	CanMapLarge(gfn, pages uint64) bool
}

// TLBFlusher flushes translations cached by all vCPUs.
type TLBFlusher interface {
	FlushRemoteTLBs()
}

// FaultInjector delivers a page fault to the guest.
type FaultInjector interface {
	InjectGuestFault(addr uint64, code FaultCode)
}

// FaultInjectorFunc adapts a function to FaultInjector.
type FaultInjectorFunc func(addr uint64, code FaultCode)

// InjectGuestFault implements FaultInjector.InjectGuestFault.
func (f FaultInjectorFunc) InjectGuestFault(addr uint64, code FaultCode) {
	f(addr, code)
}
