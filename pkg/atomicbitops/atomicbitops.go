// Copyright 2024 The gVisor Authors.
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

// Package atomicbitops holds counters and flags that can only be accessed
// atomically.
//
// The types are meant to be embedded in structs shared between goroutines,
// such as per-MMU statistics and TLB flush requests.
package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/shadowmmu/pkg/sync"
)

// Uint32 is an atomic uint32. The zero value is zero.
type Uint32 struct {
	_     sync.NoCopy
	value uint32
}

// Load returns the value.
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// Store sets the value to v.
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}

// Add adds v and returns the new value.
func (u *Uint32) Add(v uint32) uint32 {
	return atomic.AddUint32(&u.value, v)
}

// Swap sets the value to v and returns the old value.
func (u *Uint32) Swap(v uint32) uint32 {
	return atomic.SwapUint32(&u.value, v)
}

// Uint64 is an atomic uint64, 64-bit aligned on every platform. The zero
// value is zero.
type Uint64 struct {
	_     sync.NoCopy
	value atomic.Uint64
}

// Load returns the value.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Add adds v and returns the new value.
func (u *Uint64) Add(v uint64) uint64 {
	return u.value.Add(v)
}

// CompareAndSwap sets the value to newVal if it is oldVal.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}

// Bool is an atomic flag stored in a Uint32 as 0 or 1.
type Bool struct {
	Uint32
}

func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Load returns the flag.
func (b *Bool) Load() bool {
	return b.Uint32.Load() == 1
}

// Store sets the flag to v.
func (b *Bool) Store(v bool) {
	b.Uint32.Store(b32(v))
}

// Swap sets the flag to v and returns its old value.
func (b *Bool) Swap(v bool) bool {
	return b.Uint32.Swap(b32(v)) == 1
}
