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

package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
	"gvisor.dev/shadowmmu/pkg/shadow"
)

// errNoProgress is returned by a step that must be retried later.
var errNoProgress = errors.New("access made no progress")

// maxTrapsPerStep bounds consecutive resolved traps before backing off.
const maxTrapsPerStep = 8

// Outcome is the disposition of an access.
type Outcome int

// Outcomes.
const (
	// Completed accesses read or wrote guest memory.
	Completed Outcome = iota

	// Faulted accesses raised a page fault in the guest.
	Faulted

	// MMIO accesses are handed to device emulation.
	MMIO

	// Emulated accesses were writes to guest page tables completed by the
	// instruction emulator.
	Emulated
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Faulted:
		return "guest fault"
	case MMIO:
		return "mmio"
	case Emulated:
		return "emulated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Access is an 8-byte guest memory access.
type Access struct {
	// Addr is the virtual address. It must be 8-byte aligned.
	Addr uint64

	// Code holds the write, user and fetch request bits.
	Code shadow.FaultCode

	// Value is written by write accesses.
	Value uint64
}

func (a Access) write() bool { return a.Code&shadow.FaultWrite != 0 }

// Result describes a finished access.
type Result struct {
	Outcome Outcome

	// Value is the value read.
	Value uint64

	// GPA is the guest physical address accessed.
	GPA uint64

	// Traps is the number of shadow page faults taken.
	Traps int

	// TLBHit is set if the translation came from the TLB.
	TLBHit bool

	// Fault is the guest fault raised, if Outcome is Faulted.
	Fault shadow.GuestFault
}

// Stats counts vCPU activity.
type Stats struct {
	Accesses  uint64
	Completed uint64
	Faulted   uint64
	MMIO      uint64
	Emulated  uint64
	Invlpgs   uint64
	TLBHits   uint64
	Traps     uint64
}

// Add adds o to s.
func (s *Stats) Add(o Stats) {
	s.Accesses += o.Accesses
	s.Completed += o.Completed
	s.Faulted += o.Faulted
	s.MMIO += o.MMIO
	s.Emulated += o.Emulated
	s.Invlpgs += o.Invlpgs
	s.TLBHits += o.TLBHits
	s.Traps += o.Traps
}

func (s *Stats) record(r Result) {
	s.Accesses++
	s.Traps += uint64(r.Traps)
	if r.TLBHit {
		s.TLBHits++
	}
	switch r.Outcome {
	case Completed:
		s.Completed++
	case Faulted:
		s.Faulted++
	case MMIO:
		s.MMIO++
	case Emulated:
		s.Emulated++
	}
}

// VCPU is a simulated CPU. It must be used by one goroutine at a time.
type VCPU struct {
	m *Machine
	v *shadow.VCPU

	// fault is the last fault delivered to the guest.
	fault   shadow.GuestFault
	faulted bool

	stats Stats
}

// InjectGuestFault implements shadow.FaultInjector.InjectGuestFault.
func (c *VCPU) InjectGuestFault(addr uint64, code shadow.FaultCode) {
	c.fault = shadow.GuestFault{Addr: addr, Code: code}
	c.faulted = true
}

// LastFault returns the last fault delivered to the guest.
func (c *VCPU) LastFault() (shadow.GuestFault, bool) {
	return c.fault, c.faulted
}

// MMU returns the vCPU's shadow MMU state.
func (c *VCPU) MMU() *shadow.VCPU {
	return c.v
}

// Stats returns the vCPU's counters.
func (c *VCPU) Stats() Stats {
	return c.stats
}

// Invlpg executes an invlpg instruction for addr.
func (c *VCPU) Invlpg(addr uint64) {
	c.stats.Invlpgs++
	c.v.HandleInvlpg(addr)
}

// hwWalk is the result of a hardware walk of the shadow tables.
type hwWalk struct {
	present bool
	silent  bool
	hfn     uint64
	access  pagetables.AccessRights
	global  bool
}

// walk translates addr through the published shadow tables the way the
// host MMU would.
func (c *VCPU) walk(addr uint64) (hwWalk, error) {
	frame, ok := c.v.RootFrame()
	if !ok {
		return hwWalk{}, nil
	}
	mmu := c.m.mmu
	access := pagetables.AllAccess
	for level := shadow.RootLevel(c.m.mode); level >= 1; level-- {
		s, err := mmu.ReadTable(frame, shadow.TableIndex(addr, level))
		if err != nil {
			return hwWalk{}, err
		}
		if !s.Present() {
			return hwWalk{silent: s.Silent()}, nil
		}
		if !s.Writable() {
			access &^= pagetables.Write
		}
		if !s.User() {
			access &^= pagetables.UserAccess
		}
		if s.NoExec() {
			access &^= pagetables.Exec
		}
		if level == 1 || s.Large() {
			hfn := s.Frame()
			if level > 1 {
				hfn += (addr >> pagetables.PageShift) & (1<<(9*(level-1)) - 1)
			}
			return hwWalk{present: true, hfn: hfn, access: access, global: s.Global()}, nil
		}
		frame = s.Frame()
	}
	panic("shadow walk did not reach a leaf")
}

func permits(access pagetables.AccessRights, code shadow.FaultCode) bool {
	if code&shadow.FaultWrite != 0 && !access.CanWrite() {
		return false
	}
	if code&shadow.FaultUser != 0 && !access.CanUser() {
		return false
	}
	if code&shadow.FaultFetch != 0 && !access.CanExec() {
		return false
	}
	return true
}

// Access performs a. Traps re-enter the shadow MMU; accesses that make no
// progress are retried with exponential backoff until ctx expires.
func (c *VCPU) Access(ctx context.Context, a Access) (Result, error) {
	if !pagetables.IsAligned(a.Addr, 8) {
		return Result{}, fmt.Errorf("unaligned access at %#x", a.Addr)
	}
	var res Result
	op := func() error {
		done, err := c.step(a, &res)
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case !done:
			return errNoProgress
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return res, fmt.Errorf("vcpu %d: access at %#x: %w", c.v.ID(), a.Addr, err)
	}
	c.stats.record(res)
	return res, nil
}

// step runs a until it finishes, fails, or stops making progress.
func (c *VCPU) step(a Access, res *Result) (bool, error) {
	for i := 0; i < maxTrapsPerStep; i++ {
		tlb := c.v.TLB()
		if e, ok := tlb.Lookup(a.Addr); ok {
			if permits(e.Access, a.Code) {
				res.TLBHit = true
				return true, c.complete(a, e.HFN, res)
			}
			tlb.FlushPage(a.Addr)
		}

		flushes := tlb.Flushes()
		w, err := c.walk(a.Addr)
		if c.v.TLB().Flushes() != flushes {
			// Tables changed under the walk.
			continue
		}
		if err != nil {
			return false, err
		}

		code := a.Code
		switch {
		case w.present && permits(w.access, a.Code):
			c.v.TLB().Insert(a.Addr, shadow.TLBEntry{HFN: w.hfn, Access: w.access, Global: w.global})
			res.TLBHit = false
			return true, c.complete(a, w.hfn, res)
		case w.silent:
			// The guest entry is absent: the CPU delivers the fault
			// straight to the guest.
			c.InjectGuestFault(a.Addr, code)
			res.Outcome, res.Fault = Faulted, c.fault
			return true, nil
		case w.present:
			code |= shadow.FaultPresent
		}

		res.Traps++
		c.faulted = false
		fr, err := c.v.HandlePageFault(a.Addr, code)
		if err != nil {
			return false, err
		}
		switch {
		case fr.Injected:
			if !c.faulted {
				return false, fmt.Errorf("fault at %#x injected without a guest fault", a.Addr)
			}
			res.Outcome, res.Fault = Faulted, c.fault
			return true, nil
		case fr.NeedsEmulation:
			return c.emulate(a, res)
		case !fr.Resolved:
			return false, nil
		}
	}
	return false, nil
}

// complete performs the memory access through host frame hfn.
func (c *VCPU) complete(a Access, hfn uint64, res *Result) error {
	gfn, ok := c.m.slots.HostToGuest(hfn)
	if !ok {
		return fmt.Errorf("host frame %#x backs no guest memory", hfn)
	}
	gpa := gfn<<pagetables.PageShift | a.Addr&(pagetables.PageSize-1)
	res.GPA = gpa
	res.Outcome = Completed
	if a.write() {
		return c.m.mem.StoreGuestEntry(gpa, 8, a.Value)
	}
	v, err := c.m.mem.LoadGuestEntry(gpa, 8)
	res.Value = v
	return err
}

// emulate completes an access the MMU could not map.
func (c *VCPU) emulate(a Access, res *Result) (bool, error) {
	gpa, ok := c.v.TranslateForDebug(a.Addr)
	if !ok {
		// The guest changed its tables; try again.
		return false, nil
	}
	res.GPA = gpa
	if c.m.isMMIO(gpa) {
		res.Outcome = MMIO
		if log.IsLogging(log.Debug) {
			log.Debugf("vcpu %d: mmio %v at %#x (gpa %#x)", c.v.ID(), a.Code, a.Addr, gpa)
		}
		return true, nil
	}
	if !a.write() {
		return false, fmt.Errorf("emulation requested for a read of RAM at %#x", a.Addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], a.Value)
	if err := c.v.HandleGuestTableWrite(gpa, buf[:]); err != nil {
		return false, err
	}
	res.Outcome = Emulated
	return true, nil
}

// isMMIO returns true iff gpa is not backed by RAM.
func (m *Machine) isMMIO(gpa uint64) bool {
	gfn := gpa >> pagetables.PageShift
	for _, s := range m.slots.Slots() {
		if s.Contains(gfn) {
			return s.Kind == guestmem.MMIO
		}
	}
	return true
}
