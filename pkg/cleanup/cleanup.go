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

// Package cleanup undoes partial construction on error paths.
package cleanup

// Cleanup holds undo functions for a construction in progress:
//
//	cu := cleanup.Make(func() { mem.Release() })
//	defer cu.Clean()
//	...
//	cu.Add(func() { mmu.Release() })
//	...
//	cu.Release()
//	return m, nil
type Cleanup struct {
	undo []func()
}

// Make returns a Cleanup that runs f on Clean.
func Make(f func()) Cleanup {
	return Cleanup{undo: []func(){f}}
}

// Add registers f to run first on Clean.
func (c *Cleanup) Add(f func()) {
	c.undo = append(c.undo, f)
}

// Clean runs the registered functions, most recent first. Later calls do
// nothing.
func (c *Cleanup) Clean() {
	run(c.undo)
	c.undo = nil
}

// Release disarms c. The returned function runs what Clean would have.
func (c *Cleanup) Release() func() {
	undo := c.undo
	c.undo = nil
	return func() { run(undo) }
}

func run(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
