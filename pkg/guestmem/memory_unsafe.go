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

// Package guestmem provides simulated guest physical memory and the memory
// slots that back it with host frames.
package guestmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"gvisor.dev/shadowmmu/pkg/log"
)

var (
	// ErrEntryChanged is returned by CompareAndSwapGuestEntry when the
	// entry no longer holds the expected value.
	ErrEntryChanged = errors.New("guest entry changed concurrently")

	// ErrOutOfRange is returned for accesses beyond the end of memory.
	ErrOutOfRange = errors.New("guest physical address out of range")

	// ErrUnaligned is returned for entry accesses that are not naturally
	// aligned.
	ErrUnaligned = errors.New("unaligned guest entry access")
)

// Memory is a contiguous range of guest physical memory starting at address
// zero, backed by an anonymous host mapping.
//
// Entry accessors are atomic with respect to each other; byte range copies
// are not.
type Memory struct {
	data []byte
}

// NewMemory maps size bytes of zeroed memory.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 || size%4096 != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive page multiple", size)
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of guest memory: %w", size, err)
	}
	log.Debugf("guest memory: mapped [%#x, %#x)", 0, size)
	return &Memory{data: data}, nil
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Release unmaps the memory. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *Memory) check(gpa uint64, n int) error {
	if n < 0 || gpa > uint64(len(m.data)) || uint64(len(m.data))-gpa < uint64(n) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, gpa, gpa+uint64(n))
	}
	return nil
}

func (m *Memory) checkEntry(gpa uint64, size int) error {
	if size != 4 && size != 8 {
		return fmt.Errorf("invalid entry size %d", size)
	}
	if gpa%uint64(size) != 0 {
		return fmt.Errorf("%w: %#x/%d", ErrUnaligned, gpa, size)
	}
	return m.check(gpa, size)
}

func (m *Memory) ptr(gpa uint64) unsafe.Pointer {
	return unsafe.Pointer(&m.data[gpa])
}

// ReadGuest copies len(dst) bytes at gpa into dst.
func (m *Memory) ReadGuest(gpa uint64, dst []byte) error {
	if err := m.check(gpa, len(dst)); err != nil {
		return err
	}
	copy(dst, m.data[gpa:])
	return nil
}

// WriteGuest copies src to gpa. Naturally aligned 4 and 8 byte writes are
// performed atomically.
func (m *Memory) WriteGuest(gpa uint64, src []byte) error {
	if err := m.check(gpa, len(src)); err != nil {
		return err
	}
	switch {
	case len(src) == 8 && gpa%8 == 0:
		atomic.StoreUint64((*uint64)(m.ptr(gpa)), *(*uint64)(unsafe.Pointer(&src[0])))
	case len(src) == 4 && gpa%4 == 0:
		atomic.StoreUint32((*uint32)(m.ptr(gpa)), *(*uint32)(unsafe.Pointer(&src[0])))
	default:
		copy(m.data[gpa:], src)
	}
	return nil
}

// LoadGuestEntry atomically loads the size byte entry at gpa.
func (m *Memory) LoadGuestEntry(gpa uint64, size int) (uint64, error) {
	if err := m.checkEntry(gpa, size); err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(atomic.LoadUint32((*uint32)(m.ptr(gpa)))), nil
	}
	return atomic.LoadUint64((*uint64)(m.ptr(gpa))), nil
}

// StoreGuestEntry atomically stores the size byte entry at gpa.
func (m *Memory) StoreGuestEntry(gpa uint64, size int, v uint64) error {
	if err := m.checkEntry(gpa, size); err != nil {
		return err
	}
	if size == 4 {
		atomic.StoreUint32((*uint32)(m.ptr(gpa)), uint32(v))
		return nil
	}
	atomic.StoreUint64((*uint64)(m.ptr(gpa)), v)
	return nil
}

// CompareAndSwapGuestEntry atomically replaces old with new at gpa. It
// returns ErrEntryChanged if the entry did not hold old.
func (m *Memory) CompareAndSwapGuestEntry(gpa uint64, size int, old, new uint64) error {
	if err := m.checkEntry(gpa, size); err != nil {
		return err
	}
	var ok bool
	if size == 4 {
		ok = atomic.CompareAndSwapUint32((*uint32)(m.ptr(gpa)), uint32(old), uint32(new))
	} else {
		ok = atomic.CompareAndSwapUint64((*uint64)(m.ptr(gpa)), old, new)
	}
	if !ok {
		return ErrEntryChanged
	}
	return nil
}

// Zero clears [gpa, gpa+n).
func (m *Memory) Zero(gpa uint64, n int) error {
	if err := m.check(gpa, n); err != nil {
		return err
	}
	clear(m.data[gpa : gpa+uint64(n)])
	return nil
}
