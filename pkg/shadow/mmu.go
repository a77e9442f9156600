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
	"fmt"

	"github.com/google/btree"

	"gvisor.dev/shadowmmu/pkg/guestmem"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/sync"
)

// ErrResourceExhausted is returned when no host frames can be found for the
// shadow pages a fault needs, even after reclaim.
var ErrResourceExhausted = errors.New("shadow page pool exhausted")

// Config holds MMU tunables.
type Config struct {
	// MaxPages is the number of host frames available for shadow pages.
	MaxPages int `toml:"max_pages"`

	// TableBase is the host frame number of the first shadow page frame.
	// It must not overlap host frames backing guest memory.
	TableBase uint64 `toml:"table_base"`

	// EnableLargePages allows 2MB shadow mappings of guest large pages.
	EnableLargePages bool `toml:"enable_large_pages"`

	// FloodThreshold is the number of consecutive emulated writes to one
	// guest page table, with no intervening ordinary fault, after which the
	// table is unshadowed instead of synchronized.
	FloodThreshold int `toml:"flood_threshold"`

	// MaxWalkAttempts bounds guest walk restarts caused by concurrent
	// updates of guest entries.
	MaxWalkAttempts int `toml:"max_walk_attempts"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxPages:         1024,
		TableBase:        0x100000,
		EnableLargePages: true,
		FloodThreshold:   3,
		MaxWalkAttempts:  16,
	}
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", c.MaxPages)
	}
	if c.FloodThreshold <= 0 {
		return fmt.Errorf("flood_threshold must be positive, got %d", c.FloodThreshold)
	}
	if c.MaxWalkAttempts <= 0 {
		return fmt.Errorf("max_walk_attempts must be positive, got %d", c.MaxWalkAttempts)
	}
	return nil
}

// Options are MMU construction options.
type Options struct {
	Config   Config
	Memory   GuestMemory
	Resolver FrameResolver

	// Flusher overrides the default flush, which requests a TLB flush
	// from every vCPU of the MMU.
	Flusher TLBFlusher
}

// MMU is the shadow MMU of one guest.
type MMU struct {
	cfg      Config
	mem      GuestMemory
	resolver FrameResolver
	flusher  TLBFlusher

	// tables is the CPU-visible memory shadow pages are published to.
	tables tableMemory

	pool  *framePool
	vcpus vcpuSet
	stats counters

	mu sync.Mutex

	// arena holds shadow pages by PageID. Slot 0 is never used.
	//
	// +checklocks:mu
	arena []*page

	// +checklocks:mu
	freeIDs []PageID

	// byKey indexes live pages by key. Obsolete pages are not indexed.
	//
	// +checklocks:mu
	byKey map[pageKey]PageID

	// byHost maps host table frames to pages.
	//
	// +checklocks:mu
	byHost map[uint64]PageID

	// byGFN indexes live non-direct pages by the guest table they shadow.
	// Guest frames in this map are write protected.
	//
	// +checklocks:mu
	byGFN map[uint64]map[PageID]struct{}

	// order holds pages in allocation order for reclaim.
	//
	// +checklocks:mu
	order *btree.BTreeG[*page]

	// +checklocks:mu
	nextSerial uint64

	// +checklocks:mu
	rmap rmap

	// pendingFlush is set when an entry was removed or downgraded and
	// remote TLBs have not been flushed yet.
	//
	// +checklocks:mu
	pendingFlush bool

	// released holds frames of freed pages. They return to the pool once
	// remote TLBs were told to flush, so that no CPU can still be walking
	// them when they are reused.
	//
	// +checklocks:mu
	released []uint64
}

// NewMMU returns a new MMU.
func NewMMU(opts Options) (*MMU, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Memory == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("guest memory and frame resolver are required")
	}
	mem, err := guestmem.NewMemory(uint64(cfg.MaxPages) << 12)
	if err != nil {
		return nil, fmt.Errorf("allocating shadow table memory: %w", err)
	}
	m := &MMU{
		cfg:      cfg,
		mem:      opts.Memory,
		resolver: opts.Resolver,
		flusher:  opts.Flusher,
		tables:   tableMemory{mem: mem, base: cfg.TableBase},
		pool:     newFramePool(cfg.TableBase, cfg.MaxPages),
		arena:    []*page{nil},
		byKey:    make(map[pageKey]PageID),
		byHost:   make(map[uint64]PageID),
		byGFN:    make(map[uint64]map[PageID]struct{}),
		order:    btree.NewG(16, func(a, b *page) bool { return a.serial < b.serial }),
		rmap:     make(rmap),
	}
	if m.flusher == nil {
		m.flusher = &m.vcpus
	}
	log.Infof("shadow MMU: %d table frames at hfn %#x, large pages %t", cfg.MaxPages, cfg.TableBase, cfg.EnableLargePages)
	return m, nil
}

// Release frees the shadow table memory. All vCPUs must have been released.
func (m *MMU) Release() error {
	return m.tables.mem.Release()
}

// Config returns the MMU configuration.
func (m *MMU) Config() Config {
	return m.cfg
}

// flushLocked issues a pending remote TLB flush and recycles released
// frames. It must run before the MMU lock is dropped.
//
// +checklocks:m.mu
func (m *MMU) flushLocked() {
	if m.pendingFlush {
		m.pendingFlush = false
		m.stats.record(eventTLBFlush)
		m.flusher.FlushRemoteTLBs()
	}
	if len(m.released) > 0 {
		m.pool.put(m.released...)
		m.released = m.released[:0]
	}
}

// NumPages returns the number of live shadow pages.
func (m *MMU) NumPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
