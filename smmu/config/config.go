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

// Package config holds the machine description used by smmu.
//
// A description is a TOML file. Every field has a default, so an empty file
// describes a small 64-bit guest with one RAM slot, one MMIO hole and a few
// mappings.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/pagetables"
	"gvisor.dev/shadowmmu/pkg/shadow"
)

// Config is a machine description.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is the log format: text or json. Empty selects text on a
	// terminal and json otherwise.
	LogFormat string `toml:"log_format"`

	// Mode is the guest paging mode: legacy32, pae or long.
	Mode string `toml:"mode"`

	// VCPUs is the number of virtual CPUs.
	VCPUs int `toml:"vcpus"`

	// MMU configures the shadow MMU.
	MMU shadow.Config `toml:"mmu"`

	// TableArea is the guest physical range guest page tables are built in.
	TableArea Range `toml:"table_area"`

	// Slots describe guest physical memory.
	Slots []Slot `toml:"slot"`

	// Mappings are installed in the guest page tables at startup.
	Mappings []Mapping `toml:"mapping"`

	// Workload drives the stress and metrics commands.
	Workload Workload `toml:"workload"`
}

// Range is a guest physical address range [Start, End).
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Slot is a memory slot.
type Slot struct {
	// Base is the guest physical address of the slot.
	Base uint64 `toml:"base"`

	// Size is the slot size in bytes.
	Size uint64 `toml:"size"`

	// HostFrame is the host frame backing Base. Unused for MMIO.
	HostFrame uint64 `toml:"host_frame"`

	// MMIO marks an emulated device range.
	MMIO bool `toml:"mmio"`
}

// Mapping maps a virtual range in the guest page tables.
type Mapping struct {
	VAddr uint64 `toml:"vaddr"`
	GPA   uint64 `toml:"gpa"`

	// Pages is the number of pages, of the large page size if Large is set.
	Pages int `toml:"pages"`

	Large    bool `toml:"large"`
	Writable bool `toml:"writable"`
	User     bool `toml:"user"`
	NoExec   bool `toml:"no_exec"`
	Global   bool `toml:"global"`
}

// Workload describes generated guest accesses.
type Workload struct {
	// Accesses is the number of accesses per vCPU.
	Accesses int `toml:"accesses"`

	// Seed seeds the access generator. vCPU i uses Seed+i.
	Seed int64 `toml:"seed"`

	// WriteRatio is the fraction of accesses that are writes.
	WriteRatio float64 `toml:"write_ratio"`

	// FetchRatio is the fraction of accesses that are instruction fetches.
	FetchRatio float64 `toml:"fetch_ratio"`

	// InvlpgRatio is the fraction of operations that are invalidations.
	InvlpgRatio float64 `toml:"invlpg_ratio"`
}

// Default returns the built-in machine description.
func Default() *Config {
	return &Config{
		Mode:      "long",
		VCPUs:     1,
		MMU:       shadow.DefaultConfig(),
		TableArea: Range{Start: 0x200000, End: 0x400000},
		Slots: []Slot{
			{Base: 0, Size: 64 << 20, HostFrame: 0x40000},
			{Base: 0xfee00000, Size: 0x1000, MMIO: true},
		},
		Mappings: []Mapping{
			{VAddr: 0x400000, GPA: 0x1000000, Pages: 256, Writable: true, User: true},
			{VAddr: 0x40000000, GPA: 0x2000000, Pages: 4, Large: true, Writable: true, User: true},
			{VAddr: 0x600000, GPA: 0x800000, Pages: 64, User: true},
			// The page table area, writable by the kernel.
			{VAddr: 0x7f000000, GPA: 0x200000, Pages: 16, Writable: true},
			{VAddr: 0x7fff0000, GPA: 0xfee00000, Pages: 1, Writable: true, NoExec: true},
		},
		Workload: Workload{
			Accesses:    10000,
			Seed:        1,
			WriteRatio:  0.3,
			FetchRatio:  0.05,
			InvlpgRatio: 0.02,
		},
	}
}

// Decode reads a description from r on top of the defaults. Slot and
// mapping lists in the input replace the default lists.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	c.Slots, c.Mappings = nil, nil
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	d := Default()
	if !md.IsDefined("slot") {
		c.Slots = d.Slots
	}
	if !md.IsDefined("mapping") {
		c.Mappings = d.Mappings
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the description at path. An empty path selects the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// PagingMode returns the parsed guest paging mode.
func (c *Config) PagingMode() (pagetables.Mode, error) {
	return pagetables.ParseMode(c.Mode)
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	mode, err := c.PagingMode()
	if err != nil {
		return err
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive, got %d", c.VCPUs)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if err := c.MMU.Validate(); err != nil {
		return err
	}
	if err := c.validateSlots(); err != nil {
		return err
	}
	if !pagetables.IsAligned(c.TableArea.Start, pagetables.PageSize) || c.TableArea.End <= c.TableArea.Start {
		return fmt.Errorf("invalid table area [%#x, %#x)", c.TableArea.Start, c.TableArea.End)
	}
	if c.TableArea.End > c.RAMSize() {
		return fmt.Errorf("table area [%#x, %#x) is not RAM", c.TableArea.Start, c.TableArea.End)
	}
	f, err := pagetables.ForMode(mode)
	if err != nil {
		return err
	}
	for i, m := range c.Mappings {
		if m.Pages <= 0 {
			return fmt.Errorf("mapping %d: pages must be positive", i)
		}
		size := uint64(pagetables.PageSize)
		if m.Large {
			size = pagetables.PageSizeAt(f, 2)
		}
		if !pagetables.IsAligned(m.VAddr, size) || !pagetables.IsAligned(m.GPA, size) {
			return fmt.Errorf("mapping %d: %#x -> %#x not aligned to %#x", i, m.VAddr, m.GPA, size)
		}
		if mode != pagetables.ModeLong && m.VAddr+uint64(m.Pages)*size > 1<<32 {
			return fmt.Errorf("mapping %d: %#x beyond the 32-bit address space", i, m.VAddr)
		}
	}
	w := c.Workload
	if w.Accesses < 0 || w.WriteRatio < 0 || w.FetchRatio < 0 || w.InvlpgRatio < 0 || w.WriteRatio+w.FetchRatio > 1 || w.InvlpgRatio > 1 {
		return fmt.Errorf("invalid workload %+v", w)
	}
	return nil
}

func (c *Config) validateSlots() error {
	ram := false
	for i, s := range c.Slots {
		if s.Size == 0 || !pagetables.IsAligned(s.Base, pagetables.PageSize) || !pagetables.IsAligned(s.Size, pagetables.PageSize) {
			return fmt.Errorf("slot %d: invalid range [%#x, +%#x)", i, s.Base, s.Size)
		}
		for j := 0; j < i; j++ {
			o := c.Slots[j]
			if s.Base < o.Base+o.Size && o.Base < s.Base+s.Size {
				return fmt.Errorf("slot %d overlaps slot %d", i, j)
			}
		}
		if s.MMIO {
			continue
		}
		ram = true
		// Host frames of RAM must stay clear of shadow table frames.
		first, last := s.HostFrame, s.HostFrame+s.Size>>pagetables.PageShift
		tfirst, tlast := c.MMU.TableBase, c.MMU.TableBase+uint64(c.MMU.MaxPages)
		if first < tlast && tfirst < last {
			return fmt.Errorf("slot %d: host frames [%#x, %#x) overlap shadow table frames [%#x, %#x)", i, first, last, tfirst, tlast)
		}
	}
	if !ram {
		return fmt.Errorf("no RAM slot")
	}
	return nil
}

// RAMSize returns the guest physical size covered by RAM slots.
func (c *Config) RAMSize() uint64 {
	var end uint64
	for _, s := range c.Slots {
		if !s.MMIO && s.Base+s.Size > end {
			end = s.Base + s.Size
		}
	}
	return end
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Machine: mode %s, %d vCPUs, %d slots, %d mappings", c.Mode, c.VCPUs, len(c.Slots), len(c.Mappings))
	log.Infof("MMU: %+v", c.MMU)
	for i, s := range c.Slots {
		kind := "ram"
		if s.MMIO {
			kind = "mmio"
		}
		log.Infof("Slot %d: %s [%#x, %#x) host frame %#x", i, kind, s.Base, s.Base+s.Size, s.HostFrame)
	}
	if log.IsLogging(log.Debug) {
		for i, m := range c.Mappings {
			log.Debugf("Mapping %d: %+v", i, m)
		}
	}
}
