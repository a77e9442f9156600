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

import (
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/sync"
)

// framePool is a bounded pool of host frames for shadow pages.
type framePool struct {
	mu sync.Mutex

	// free is a stack of unused frames.
	//
	// +checklocks:mu
	free []uint64
}

func newFramePool(base uint64, n int) *framePool {
	p := &framePool{free: make([]uint64, n)}
	// Hand out low frames first.
	for i := range p.free {
		p.free[i] = base + uint64(n-1-i)
	}
	return p
}

func (p *framePool) get() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	f := p.free[n-1]
	p.free = p.free[:n-1]
	return f, true
}

func (p *framePool) put(frames ...uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, frames...)
}

func (p *framePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// reclaim zaps shadow pages that are not in use as a root, oldest first,
// until the pool holds at least want frames or no candidates remain. Pages
// still linked from a parent are unlinked before they are freed.
//
// +checklocks:m.mu
func (m *MMU) reclaim(want int) {
	var victims []*page
	m.order.Ascend(func(p *page) bool {
		if p.rootCount == 0 {
			victims = append(victims, p)
		}
		return true
	})
	n := 0
	for _, p := range victims {
		if m.pool.available()+len(m.released) >= want {
			break
		}
		// Earlier zaps free whole subtrees.
		if m.livePage(p.id) != p {
			continue
		}
		m.zapPage(p)
		m.stats.record(eventPageReclaimed)
		n++
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("shadow reclaim: zapped %d pages, %d frames free", n, m.pool.available())
	}
}
