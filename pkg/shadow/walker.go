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

	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/pagetables"
)

var (
	// errRaced is returned by a single walk attempt when a guest entry
	// changed between reading it and updating its accessed or dirty bit.
	errRaced = errors.New("guest entry changed during walk")

	// errWalkRetry is returned when every walk attempt raced.
	errWalkRetry = errors.New("guest walk retries exhausted")
)

// Walker translates guest virtual addresses through guest page tables.
type Walker struct {
	Mem    GuestMemory
	Format pagetables.Format
	CR3    uint64

	// WriteProtect mirrors CR0.WP. When clear, supervisor writes ignore
	// read-only entries.
	WriteProtect bool

	// MaxAttempts bounds restarts after racing guest updates.
	MaxAttempts int
}

// Walk translates addr for the access described by code, setting accessed
// and dirty bits in guest entries as the CPU would. It returns a
// *GuestFault if the guest tables do not permit the access.
func (w *Walker) Walk(addr uint64, code FaultCode) (GuestTranslation, error) {
	return w.walk(addr, decodeFault(code), true)
}

// walk retries walkOnce until it completes without racing a guest update.
// Every retry observes a newer guest entry value.
func (w *Walker) walk(addr uint64, req accessRequest, update bool) (GuestTranslation, error) {
	attempts := w.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		tr, err := w.walkOnce(addr, req, update)
		if err != errRaced {
			return tr, err
		}
	}
	return GuestTranslation{}, errWalkRetry
}

func (w *Walker) fault(addr uint64, code FaultCode) error {
	return &GuestFault{Addr: addr, Code: code}
}

// permitted returns true iff access allows req.
func (w *Walker) permitted(access pagetables.AccessRights, req accessRequest) bool {
	if req.write && !access.CanWrite() && (req.user || w.WriteProtect) {
		return false
	}
	if req.user && !access.CanUser() {
		return false
	}
	if req.fetch && w.Format.HasNX() && !access.CanExec() {
		return false
	}
	return true
}

// setBits atomically sets bits in the entry at gpa, which must still hold
// pte.
func (w *Walker) setBits(gpa uint64, pte, bits pagetables.PTE) error {
	err := w.Mem.CompareAndSwapGuestEntry(gpa, w.Format.EntrySize(), uint64(pte), uint64(pte|bits))
	if errors.Is(err, guestmem.ErrEntryChanged) {
		return errRaced
	}
	return err
}

func (w *Walker) walkOnce(addr uint64, req accessRequest, update bool) (GuestTranslation, error) {
	f := w.Format
	tr := GuestTranslation{Addr: addr, Code: req.code()}
	access := pagetables.AllAccess
	table := f.RootTable(w.CR3)
	for level := f.Levels(); level >= 1; level-- {
		i := level - 1
		gpa := pagetables.EntryAddr(f, table, addr, level)
		tr.TableGFNs[i] = table >> pagetables.PageShift
		tr.EntryAddrs[i] = gpa
		tr.TableAccess[i] = access

		raw, err := w.Mem.LoadGuestEntry(gpa, f.EntrySize())
		pte := pagetables.PTE(raw)
		if err != nil || !pte.Valid() {
			return tr, w.fault(addr, req.code())
		}
		if f.ReservedBits(pte, level) {
			return tr, w.fault(addr, req.code()|FaultPresent|FaultReserved)
		}
		if f.CheckedLevel(level) {
			access &= f.Access(pte)
		}
		if !w.permitted(access, req) {
			return tr, w.fault(addr, req.code()|FaultPresent)
		}
		if update && f.CheckedLevel(level) && !pte.Has(pagetables.Accessed) {
			if err := w.setBits(gpa, pte, pagetables.Accessed); err != nil {
				if err == errRaced {
					return tr, err
				}
				return tr, w.fault(addr, req.code())
			}
			pte |= pagetables.Accessed
		}
		tr.Entries[i] = pte

		large := level > 1 && f.LargePage(pte, level)
		if level > 1 && !large {
			table = f.TableAddr(pte)
			continue
		}

		if large {
			tr.GFN = f.LargeFrame(pte, level, addr)
		} else {
			tr.GFN = f.LeafFrame(pte)
		}
		if update && req.write && !pte.Has(pagetables.Dirty) {
			if err := w.setBits(gpa, pte, pagetables.Dirty); err != nil {
				if err == errRaced {
					return tr, err
				}
				return tr, w.fault(addr, req.code())
			}
			pte |= pagetables.Dirty
			tr.Entries[i] = pte
		}
		tr.Level = level
		tr.LeafAccess = access
		tr.ParentAccess = tr.TableAccess[i]
		return tr, nil
	}
	panic("guest walk did not reach a leaf")
}
