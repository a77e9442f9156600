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
	"gvisor.dev/shadowmmu/pkg/atomicbitops"
	"gvisor.dev/shadowmmu/pkg/metric"
)

var (
	faultsMetric = metric.MustCreateNewUint64Metric(
		"/shadow/faults",
		"Number of shadow page faults handled, by outcome.",
		metric.NewField("outcome", "fixed", "guest", "mmio", "stale", "race", "retry", "exhausted"))

	pagesMetric = metric.MustCreateNewUint64Metric(
		"/shadow/pages",
		"Number of shadow page lifecycle events.",
		metric.NewField("event", "created", "freed", "zapped", "reclaimed"))

	tlbFlushMetric = metric.MustCreateNewUint64Metric(
		"/shadow/tlb_flushes",
		"Number of remote TLB flush broadcasts.")

	invlpgMetric = metric.MustCreateNewUint64Metric(
		"/shadow/invlpg",
		"Number of guest single page invalidations.")

	tableWriteMetric = metric.MustCreateNewUint64Metric(
		"/shadow/table_writes",
		"Number of emulated guest page table writes, by action.",
		metric.NewField("action", "sync", "unshare", "ignored"))
)

// event is a countable MMU event.
type event int

const (
	eventFault event = iota
	eventFixed
	eventGuestFault
	eventMMIO
	eventStale
	eventRaceAbort
	eventWalkRetry
	eventExhausted
	eventPageCreated
	eventPageFreed
	eventPageZapped
	eventPageReclaimed
	eventTLBFlush
	eventInvlpg
	eventSyncDropped
	eventTableSync
	eventTableUnshare
	eventTableIgnored
	eventIdempotent
	numEvents
)

// counters are per-MMU event counts.
type counters [numEvents]atomicbitops.Uint64

// record counts e and forwards it to the global metrics.
func (c *counters) record(e event) {
	c[e].Add(1)
	switch e {
	case eventFixed:
		faultsMetric.Increment("fixed")
	case eventGuestFault:
		faultsMetric.Increment("guest")
	case eventMMIO:
		faultsMetric.Increment("mmio")
	case eventStale:
		faultsMetric.Increment("stale")
	case eventRaceAbort:
		faultsMetric.Increment("race")
	case eventWalkRetry:
		faultsMetric.Increment("retry")
	case eventExhausted:
		faultsMetric.Increment("exhausted")
	case eventPageCreated:
		pagesMetric.Increment("created")
	case eventPageFreed:
		pagesMetric.Increment("freed")
	case eventPageZapped:
		pagesMetric.Increment("zapped")
	case eventPageReclaimed:
		pagesMetric.Increment("reclaimed")
	case eventTLBFlush:
		tlbFlushMetric.Increment()
	case eventInvlpg:
		invlpgMetric.Increment()
	case eventTableSync:
		tableWriteMetric.Increment("sync")
	case eventTableUnshare:
		tableWriteMetric.Increment("unshare")
	case eventTableIgnored:
		tableWriteMetric.Increment("ignored")
	}
}

// Stats is a snapshot of MMU counters.
type Stats struct {
	Faults         uint64
	FixedFaults    uint64
	GuestFaults    uint64
	MMIOFaults     uint64
	StaleRetries   uint64
	RaceAborts     uint64
	WalkRetries    uint64
	Exhausted      uint64
	PagesCreated   uint64
	PagesFreed     uint64
	PagesZapped    uint64
	PagesReclaimed uint64
	TLBFlushes     uint64
	Invlpgs        uint64
	SyncDropped    uint64
	TableSyncs     uint64
	TableUnshares  uint64
	TableIgnored   uint64
	Idempotent     uint64
}

// Stats returns a snapshot of the MMU counters.
func (m *MMU) Stats() Stats {
	c := &m.stats
	return Stats{
		Faults:         c[eventFault].Load(),
		FixedFaults:    c[eventFixed].Load(),
		GuestFaults:    c[eventGuestFault].Load(),
		MMIOFaults:     c[eventMMIO].Load(),
		StaleRetries:   c[eventStale].Load(),
		RaceAborts:     c[eventRaceAbort].Load(),
		WalkRetries:    c[eventWalkRetry].Load(),
		Exhausted:      c[eventExhausted].Load(),
		PagesCreated:   c[eventPageCreated].Load(),
		PagesFreed:     c[eventPageFreed].Load(),
		PagesZapped:    c[eventPageZapped].Load(),
		PagesReclaimed: c[eventPageReclaimed].Load(),
		TLBFlushes:     c[eventTLBFlush].Load(),
		Invlpgs:        c[eventInvlpg].Load(),
		SyncDropped:    c[eventSyncDropped].Load(),
		TableSyncs:     c[eventTableSync].Load(),
		TableUnshares:  c[eventTableUnshare].Load(),
		TableIgnored:   c[eventTableIgnored].Load(),
		Idempotent:     c[eventIdempotent].Load(),
	}
}
