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

// Package machine simulates a guest running on shadow page tables.
//
// The machine owns guest memory, the memory slots, the guest page tables and
// the shadow MMU. Its vCPUs emulate the host CPU: accesses are translated by
// walking the published shadow tables, and traps re-enter the MMU.
package machine

import (
	"fmt"

	"gvisor.dev/shadowmmu/pkg/cleanup"
	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
	"gvisor.dev/shadowmmu/pkg/shadow"
	"gvisor.dev/shadowmmu/smmu/config"
)

// Machine is a simulated guest.
type Machine struct {
	conf   *config.Config
	mode   pagetables.Mode
	mem    *guestmem.Memory
	slots  *guestmem.SlotSet
	alloc  *pagetables.BumpAllocator
	tables *pagetables.Builder
	mmu    *shadow.MMU
	vcpus  []*VCPU
}

// New builds a machine from conf.
func New(conf *config.Config) (*Machine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mode, err := conf.PagingMode()
	if err != nil {
		return nil, err
	}
	f, err := pagetables.ForMode(mode)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		conf:  conf,
		mode:  mode,
		slots: guestmem.NewSlotSet(),
		alloc: &pagetables.BumpAllocator{Next: conf.TableArea.Start, Limit: conf.TableArea.End},
	}

	m.mem, err = guestmem.NewMemory(conf.RAMSize())
	if err != nil {
		return nil, fmt.Errorf("allocating guest memory: %w", err)
	}
	cu := cleanup.Make(func() { m.mem.Release() })
	defer cu.Clean()

	for _, s := range conf.Slots {
		slot := guestmem.Slot{
			BaseGFN:   s.Base >> pagetables.PageShift,
			Pages:     s.Size >> pagetables.PageShift,
			HostFrame: s.HostFrame,
		}
		if s.MMIO {
			slot.Kind = guestmem.MMIO
		}
		if err := m.slots.AddSlot(slot); err != nil {
			return nil, err
		}
	}

	m.tables, err = pagetables.NewBuilder(f, m.mem, m.alloc)
	if err != nil {
		return nil, fmt.Errorf("creating guest page tables: %w", err)
	}
	for i, mp := range conf.Mappings {
		if err := m.install(f, mp); err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
	}

	m.mmu, err = shadow.NewMMU(shadow.Options{
		Config:   conf.MMU,
		Memory:   m.mem,
		Resolver: m.slots,
	})
	if err != nil {
		return nil, err
	}
	cu.Add(func() { m.mmu.Release() })
	m.slots.Subscribe(m.mmu)

	for i := 0; i < conf.VCPUs; i++ {
		if _, err := m.AddVCPU(); err != nil {
			return nil, err
		}
	}
	cu.Release()
	log.Infof("Machine ready: %d bytes of RAM, guest tables at %#x, %d vCPUs", m.mem.Size(), m.tables.CR3(), len(m.vcpus))
	return m, nil
}

// install writes mp into the guest page tables.
func (m *Machine) install(f pagetables.Format, mp config.Mapping) error {
	var flags pagetables.PTE
	if mp.Writable {
		flags |= pagetables.Writable
	}
	if mp.User {
		flags |= pagetables.User
	}
	if mp.Global {
		flags |= pagetables.Global
	}
	if mp.NoExec && f.HasNX() {
		flags |= pagetables.ExecuteDisable
	}
	size := uint64(pagetables.PageSize)
	if mp.Large {
		size = pagetables.PageSizeAt(f, 2)
	}
	for i := 0; i < mp.Pages; i++ {
		va, gpa := mp.VAddr+uint64(i)*size, mp.GPA+uint64(i)*size
		var err error
		if mp.Large {
			err = m.tables.MapLarge(va, gpa, flags)
		} else {
			err = m.tables.Map(va, gpa, flags)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Release frees the machine. vCPUs must be idle.
func (m *Machine) Release() {
	for _, v := range m.vcpus {
		v.v.Release()
	}
	m.vcpus = nil
	m.mmu.Release()
	m.mem.Release()
}

// AddVCPU creates a vCPU running on the guest page tables.
func (m *Machine) AddVCPU() (*VCPU, error) {
	c := &VCPU{m: m}
	c.v = m.mmu.NewVCPU(c)
	if err := c.v.NotifyRootChanged(m.tables.CR3(), m.mode); err != nil {
		c.v.Release()
		return nil, err
	}
	m.vcpus = append(m.vcpus, c)
	return c, nil
}

// VCPU returns vCPU i.
func (m *Machine) VCPU(i int) *VCPU {
	return m.vcpus[i]
}

// NumVCPUs returns the number of vCPUs.
func (m *Machine) NumVCPUs() int {
	return len(m.vcpus)
}

// MMU returns the shadow MMU.
func (m *Machine) MMU() *shadow.MMU {
	return m.mmu
}

// Slots returns the memory slots.
func (m *Machine) Slots() *guestmem.SlotSet {
	return m.slots
}

// Tables returns the guest page tables.
func (m *Machine) Tables() *pagetables.Builder {
	return m.tables
}

// Memory returns guest physical memory.
func (m *Machine) Memory() *guestmem.Memory {
	return m.mem
}

// Config returns the machine description.
func (m *Machine) Config() *config.Config {
	return m.conf
}
