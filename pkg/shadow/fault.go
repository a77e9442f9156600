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
	"errors"
	"time"

	"gvisor.dev/shadowmmu/pkg/log"
)

// retryLog reports faults that are dropped for a retry.
var retryLog = log.BasicRateLimitedLogger(time.Second)

// FaultResult is the outcome of HandlePageFault.
type FaultResult struct {
	// Resolved is set when a shadow translation for the address is in
	// place and the access can be retried.
	Resolved bool

	// NeedsEmulation is set when the faulting instruction must be
	// emulated: the target is MMIO or a write-protected guest page table.
	NeedsEmulation bool

	// Injected is set when the fault was delivered to the guest.
	Injected bool
}

// HandlePageFault handles a page fault taken while running on shadow
// tables. If neither Resolved, NeedsEmulation nor Injected is set, nothing
// was installed and the access will simply fault again. Only
// ErrResourceExhausted is returned as an error.
func (v *VCPU) HandlePageFault(addr uint64, code FaultCode) (FaultResult, error) {
	if v.format == nil {
		panic("page fault with paging disabled")
	}
	m := v.mmu
	m.stats.record(eventFault)
	v.tlb.sync()
	req := decodeFault(code)

	if err := v.topup(); err != nil {
		return FaultResult{}, err
	}

	tr, err := v.walker().walk(addr, req, true)
	if err != nil {
		var gf *GuestFault
		if errors.As(err, &gf) {
			m.stats.record(eventGuestFault)
			v.injector.InjectGuestFault(gf.Addr, gf.Code)
			return FaultResult{Injected: true}, nil
		}
		m.stats.record(eventWalkRetry)
		retryLog.Infof("vcpu %d: fault at %#x: %v", v.id, addr, err)
		return FaultResult{}, nil
	}

	gfn := tr.GFN
	base := tr.GFN &^ (largePages - 1)
	large := tr.Level == 2 && m.cfg.EnableLargePages && m.resolver.CanMapLarge(base, largePages)
	if large {
		// A guest table inside the range forces 4K mappings.
		m.mu.Lock()
		large = !m.shadowed(base, largePages)
		m.mu.Unlock()
	}
	if large {
		gfn = base
	}

	seq := m.resolver.InvalidationSequence()
	hfn, mmio := m.resolver.ResolveFrame(gfn)
	if mmio {
		m.stats.record(eventMMIO)
		return FaultResult{NeedsEmulation: true}, nil
	}
	defer m.resolver.ReleaseFrame(hfn)

	m.mu.Lock()
	if m.resolver.InvalidationSequence() != seq {
		m.mu.Unlock()
		m.stats.record(eventRaceAbort)
		retryLog.Infof("vcpu %d: fault at %#x raced an invalidation of gfn %#x", v.id, addr, gfn)
		return FaultResult{}, nil
	}
	if large && m.shadowed(base, largePages) {
		// The range became a guest table since the check above; the pinned
		// frame is not the one a 4K mapping would use.
		m.mu.Unlock()
		m.stats.record(eventStale)
		return FaultResult{}, nil
	}
	var res fetchResult
	err = m.loadRoot(v)
	if err == nil {
		res, err = m.fetch(v, &tr, req, hfn, large)
	}
	m.flushLocked()
	m.mu.Unlock()

	switch {
	case err == errStale:
		m.stats.record(eventStale)
		return FaultResult{}, nil
	case err != nil:
		m.stats.record(eventExhausted)
		exhaustedLog.Warningf("vcpu %d: fault at %#x: %v", v.id, addr, err)
		return FaultResult{}, err
	}
	if !res.tableWrite {
		v.flood.reset()
	}
	m.stats.record(eventFixed)
	if log.IsLogging(log.Debug) {
		log.Debugf("vcpu %d: fault at %#x (%v) -> gfn %#x hfn %#x large=%t emulate=%t", v.id, addr, code, tr.GFN, hfn, large, res.emulate)
	}
	return FaultResult{Resolved: true, NeedsEmulation: res.emulate}, nil
}
