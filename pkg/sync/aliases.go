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

// Package sync provides the synchronization primitives used by the shadow
// MMU packages.
package sync

import (
	"sync"
)

// Mutex is an alias of sync.Mutex.
type Mutex = sync.Mutex

// RWMutex is an alias of sync.RWMutex.
type RWMutex = sync.RWMutex

// NoCopy may be embedded into structs which must not be copied after first
// use. go vet's copylocks check reports copies.
type NoCopy struct{}

// Lock is a no-op used by the copylocks checker.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by the copylocks checker.
func (*NoCopy) Unlock() {}
