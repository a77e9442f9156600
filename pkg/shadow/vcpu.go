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
	"fmt"
	"time"

	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

// exhaustedLog reports allocation failures without flooding the log.
var exhaustedLog = log.BasicRateLimitedLogger(time.Second)

// VCPU is the per virtual CPU state of the MMU. Methods must be called from
// the goroutine running the vCPU.
type VCPU struct {
	id       int
	mmu      *MMU
	injector FaultInjector

	format pagetables.Format
	cr3    uint64
	wp     bool

	// cache holds host frames charged to this vCPU before taking the MMU
	// lock, enough for the pages a single fault may create.
	cache []uint64

	flood floodDetector

	tlb TLB

	// +checklocks:mmu.mu
	root PageID
}

// floodDetector counts consecutive emulated writes to the same guest table.
type floodDetector struct {
	gfn   uint64
	count int
}

func (f *floodDetector) observe(gfn uint64) int {
	if f.count == 0 || f.gfn != gfn {
		f.gfn, f.count = gfn, 0
	}
	f.count++
	return f.count
}

func (f *floodDetector) reset() {
	f.count = 0
}

// NewVCPU returns a new vCPU with paging disabled. Faults are delivered to
// the guest through injector.
func (m *MMU) NewVCPU(injector FaultInjector) *VCPU {
	v := &VCPU{
		mmu:      m,
		injector: injector,
		wp:       true,
	}
	v.id = m.vcpus.add(v)
	return v
}

// ID returns the vCPU index.
func (v *VCPU) ID() int { return v.id }

// Format returns the current guest page table format, or nil.
func (v *VCPU) Format() pagetables.Format { return v.format }

// CR3 returns the current guest page table pointer.
func (v *VCPU) CR3() uint64 { return v.cr3 }

// TLB returns the vCPU's translation cache. Pending remote flushes are
// applied first.
func (v *VCPU) TLB() *TLB {
	v.tlb.sync()
	return &v.tlb
}

// SetWriteProtect sets the CR0.WP state.
func (v *VCPU) SetWriteProtect(wp bool) {
	v.wp = wp
	v.tlb.FlushAll()
}

// NotifyRootChanged switches the vCPU to the page tables at cr3 in the given
// mode. The old root is released; the new one is built on the next fault.
func (v *VCPU) NotifyRootChanged(cr3 uint64, mode pagetables.Mode) error {
	f, err := pagetables.ForMode(mode)
	if err != nil {
		return err
	}
	m := v.mmu
	m.mu.Lock()
	m.putRoot(v)
	v.format = f
	v.cr3 = cr3
	m.flushLocked()
	m.mu.Unlock()
	v.tlb.FlushNonGlobal()
	if log.IsLogging(log.Debug) {
		log.Debugf("vcpu %d: root changed to %#x (%v)", v.id, cr3, mode)
	}
	return nil
}

// RootFrame returns the host frame of the current shadow root.
func (v *VCPU) RootFrame() (uint64, bool) {
	m := v.mmu
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.root == 0 {
		return 0, false
	}
	p := m.arena[v.root]
	if p.obsolete {
		return 0, false
	}
	return p.frame, true
}

// Release drops the vCPU's root and returns its frame allowance.
func (v *VCPU) Release() {
	m := v.mmu
	m.mu.Lock()
	m.putRoot(v)
	m.flushLocked()
	m.mu.Unlock()
	m.pool.put(v.cache...)
	v.cache = nil
	m.vcpus.remove(v)
}

// allowance is the number of frames a fault may consume: a new root plus
// one page per level below it.
func (v *VCPU) allowance() int {
	return shadowRootLevel(v.format.Mode())
}

func (v *VCPU) fill(n int) {
	for len(v.cache) < n {
		f, ok := v.mmu.pool.get()
		if !ok {
			return
		}
		v.cache = append(v.cache, f)
	}
}

// topup charges the vCPU with enough frames for one fault, reclaiming
// shadow pages if the pool runs dry.
func (v *VCPU) topup() error {
	need := v.allowance()
	v.fill(need)
	if len(v.cache) >= need {
		return nil
	}
	m := v.mmu
	m.mu.Lock()
	m.reclaim(need - len(v.cache))
	m.flushLocked()
	m.mu.Unlock()
	v.fill(need)
	if len(v.cache) < need {
		m.stats.record(eventExhausted)
		exhaustedLog.Warningf("vcpu %d: %d shadow frames available, need %d", v.id, len(v.cache), need)
		return fmt.Errorf("vcpu %d: %w", v.id, ErrResourceExhausted)
	}
	return nil
}

func (v *VCPU) takeFrame() (uint64, bool) {
	if v == nil || len(v.cache) == 0 {
		return 0, false
	}
	n := len(v.cache)
	f := v.cache[n-1]
	v.cache = v.cache[:n-1]
	return f, true
}

// loadRoot makes sure v has a usable shadow root.
//
// +checklocks:m.mu
func (m *MMU) loadRoot(v *VCPU) error {
	if v.root != 0 && !m.arena[v.root].obsolete {
		return nil
	}
	m.putRoot(v)
	mode := v.format.Mode()
	table := v.format.RootTable(v.cr3)
	role := Role{
		Level:     shadowRootLevel(mode),
		Access:    pagetables.AllAccess,
		GuestMode: mode,
	}
	switch mode {
	case pagetables.ModeLegacy32:
		// The guest has no third level; the root only selects quadrants.
		role.Direct = true
	case pagetables.ModePAE:
		// PDPTs are 32-byte aligned; several may share a frame.
		role.Quadrant = int(table&(pagetables.PageSize-1)) >> 5
	}
	p, created, err := m.getPage(v, pageKey{gfn: table >> pagetables.PageShift, role: role})
	if err != nil {
		return err
	}
	if created && !role.Direct {
		m.writeProtect(p.gfn)
	}
	p.rootCount++
	v.root = p.id
	return nil
}

// walker returns a walker for the current guest state.
func (v *VCPU) walker() *Walker {
	return &Walker{
		Mem:          v.mmu.mem,
		Format:       v.format,
		CR3:          v.cr3,
		WriteProtect: v.wp,
		MaxAttempts:  v.mmu.cfg.MaxWalkAttempts,
	}
}

// TranslateForDebug translates addr through the guest tables without
// setting any guest bits or touching shadow state.
func (v *VCPU) TranslateForDebug(addr uint64) (uint64, bool) {
	if v.format == nil {
		return addr, true
	}
	tr, err := v.walker().walk(addr, accessRequest{}, false)
	if err != nil {
		return 0, false
	}
	return tr.GPA(), true
}

// ShadowLookup returns the present shadow leaf entry translating addr and
// its level.
func (v *VCPU) ShadowLookup(addr uint64) (SPTE, int, bool) {
	m := v.mmu
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.root == 0 {
		return 0, 0, false
	}
	p := m.arena[v.root]
	for level := p.role.Level; level >= 1; level-- {
		s := p.sptes[shadowIndex(addr, level)]
		if !s.Present() {
			return s, level, false
		}
		if p.isLeaf(s) {
			return s, level, true
		}
		p = m.pageAt(s.Frame())
	}
	return 0, 0, false
}
