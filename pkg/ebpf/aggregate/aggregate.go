// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregate

import (
	"sync/atomic"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/bucket"
	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
)

// counterEntry is the software mirror of struct counter_value.
type counterEntry struct {
	count atomic.Uint64
}

// histEntry is the software mirror of struct hist_value. Fields are plain
// atomics added to independently, the same skew spec.md §5 documents for
// the kernel version ("readers may observe count advanced past slot bumps
// by one").
type histEntry struct {
	slots [bucket.MaxSlots]atomic.Uint64
	count atomic.Uint64
	sumNs atomic.Uint64
}

func (h *histEntry) add(ns uint64) {
	h.slots[bucket.Slot(ns)].Add(1)
	h.count.Add(1)
	h.sumNs.Add(ns)
}

func (h *histEntry) snapshot() bucket.Histogram {
	var out bucket.Histogram
	for i := range h.slots {
		out.Slots[i] = h.slots[i].Load()
	}
	out.Count = h.count.Load()
	out.SumNs = h.sumNs.Load()
	return out
}

// tcpStatsEntry is the software mirror of struct tcp_stats.
type tcpStatsEntry struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	retransmits   atomic.Uint64
	connections   atomic.Uint64
	rttSumUs      atomic.Uint64
	rttCount      atomic.Uint64
}

func (e *tcpStatsEntry) snapshot() maps.TcpStatsValue {
	return maps.TcpStatsValue{
		BytesSent:     e.bytesSent.Load(),
		BytesReceived: e.bytesReceived.Load(),
		Retransmits:   e.retransmits.Load(),
		Connections:   e.connections.Load(),
		RttSumUs:      e.rttSumUs.Load(),
		RttCount:      e.rttCount.Load(),
	}
}

// syscallStatsEntry is the software mirror of struct syscall_stats.
type syscallStatsEntry struct {
	count        atomic.Uint64
	errorCount   atomic.Uint64
	latencySumNs atomic.Uint64
	latency      histEntry
}

// syscallCorrelation is the software mirror of the syscall_start/
// syscall_nr_map pair, combined into one entry since both are always
// written and deleted together in this model.
type syscallCorrelation struct {
	startNs   uint64
	syscallNr uint32
}

// Aggregator is the host-side stand-in for the kernel aggregation maps. It
// is driven by HandleXxx methods called directly from tests exercising the
// seed scenarios in spec.md §8; no collector calls it.
type Aggregator struct {
	wakeupTS     *hashTable[uint32, *atomic.Uint64]
	runqLatency  *hashTable[maps.CgroupKey, *histEntry]
	ctxSwitches  *hashTable[maps.CgroupKey, *counterEntry]

	oomKills    *hashTable[maps.CgroupKey, *counterEntry]
	majorFaults *hashTable[maps.CgroupKey, *counterEntry]

	tcpStats *lruTable[maps.CgroupKey, *tcpStatsEntry]
	rttHist  *lruTable[maps.CgroupKey, *histEntry]

	syscallCorrelation *hashTable[uint64, *syscallCorrelation]
	syscallStats       *lruTable[maps.SyscallKey, *syscallStatsEntry]
	trackedSyscalls    map[uint32]struct{}
}

// NewAggregator constructs an Aggregator with the given tracked-syscall
// allowlist. An empty (or nil) list means HandleSysEnter is a no-op for
// every syscall number, matching spec.md §4.6's "empty allowlist yields
// zero overhead" behavior.
func NewAggregator(trackedSyscalls []uint32) *Aggregator {
	tracked := make(map[uint32]struct{}, len(trackedSyscalls))
	for _, nr := range trackedSyscalls {
		tracked[nr] = struct{}{}
	}

	return &Aggregator{
		wakeupTS:    newHashTable[uint32, *atomic.Uint64](maps.MaxEntries),
		runqLatency: newHashTable[maps.CgroupKey, *histEntry](maps.MaxEntries),
		ctxSwitches: newHashTable[maps.CgroupKey, *counterEntry](maps.MaxEntries),

		oomKills:    newHashTable[maps.CgroupKey, *counterEntry](maps.MaxEntries),
		majorFaults: newHashTable[maps.CgroupKey, *counterEntry](maps.MaxEntries),

		tcpStats: newLRUTable[maps.CgroupKey, *tcpStatsEntry](maps.MaxEntries),
		rttHist:  newLRUTable[maps.CgroupKey, *histEntry](maps.MaxEntries),

		syscallCorrelation: newHashTable[uint64, *syscallCorrelation](maps.MaxEntries),
		syscallStats:       newLRUTable[maps.SyscallKey, *syscallStatsEntry](maps.MaxEntries),
		trackedSyscalls:    tracked,
	}
}

// HandleWakeup mirrors handle_sched_wakeup: records the wakeup timestamp for
// pid, overwriting any prior one (BPF_ANY semantics).
func (a *Aggregator) HandleWakeup(pid uint32, nowNs uint64) {
	ts, _, ok := a.wakeupTS.LoadOrInsert(pid, func() *atomic.Uint64 { return &atomic.Uint64{} })
	if !ok {
		return
	}
	ts.Store(nowNs)
}

// HandleSwitch mirrors handle_sched_switch. cgroupID is the outgoing task's
// cgroup -- the documented attribution compromise from spec.md §9.
func (a *Aggregator) HandleSwitch(cgroupID uint64, nextPid uint32, nowNs uint64) {
	key := maps.CgroupKey{CgroupID: cgroupID}

	cval, _, ok := a.ctxSwitches.LoadOrInsert(key, func() *counterEntry { return &counterEntry{} })
	if ok {
		cval.count.Add(1)
	}

	ts, found := a.wakeupTS.Load(nextPid)
	if !found {
		return
	}
	delta := nowNs - ts.Load()
	a.wakeupTS.Delete(nextPid)

	hval, _, ok := a.runqLatency.LoadOrInsert(key, func() *histEntry { return &histEntry{} })
	if ok {
		hval.add(delta)
	}
}

// HandleOOMKill mirrors handle_oom_kill.
func (a *Aggregator) HandleOOMKill(cgroupID uint64) {
	key := maps.CgroupKey{CgroupID: cgroupID}
	cval, _, ok := a.oomKills.LoadOrInsert(key, func() *counterEntry { return &counterEntry{} })
	if ok {
		cval.count.Add(1)
	}
}

// pageFaultMajorBit is the fault-flags bit indicating a major fault,
// matching ebpf/src/mem.bpf.c's 0x4 check.
const pageFaultMajorBit = 0x4

// HandlePageFault mirrors handle_page_fault: only flags with the major-fault
// bit set are counted.
func (a *Aggregator) HandlePageFault(cgroupID uint64, flags uint32) {
	if flags&pageFaultMajorBit == 0 {
		return
	}
	key := maps.CgroupKey{CgroupID: cgroupID}
	cval, _, ok := a.majorFaults.LoadOrInsert(key, func() *counterEntry { return &counterEntry{} })
	if ok {
		cval.count.Add(1)
	}
}

// HandleTCPSendmsg mirrors handle_tcp_sendmsg.
func (a *Aggregator) HandleTCPSendmsg(cgroupID, size uint64) {
	key := maps.CgroupKey{CgroupID: cgroupID}
	e, _ := a.tcpStats.LoadOrInsert(key, func() *tcpStatsEntry { return &tcpStatsEntry{} })
	e.bytesSent.Add(size)
}

// HandleTCPRecvmsg mirrors handle_tcp_recvmsg. len is the caller's buffer
// size, an upper bound on actual bytes received (spec.md §4.5).
func (a *Aggregator) HandleTCPRecvmsg(cgroupID, length uint64) {
	key := maps.CgroupKey{CgroupID: cgroupID}
	e, _ := a.tcpStats.LoadOrInsert(key, func() *tcpStatsEntry { return &tcpStatsEntry{} })
	e.bytesReceived.Add(length)
}

// HandleTCPRetransmit mirrors handle_tcp_retransmit.
func (a *Aggregator) HandleTCPRetransmit(cgroupID uint64) {
	key := maps.CgroupKey{CgroupID: cgroupID}
	e, _ := a.tcpStats.LoadOrInsert(key, func() *tcpStatsEntry { return &tcpStatsEntry{} })
	e.retransmits.Add(1)
}

// tcpEstablished is TCP_ESTABLISHED, matching the state checked by
// handle_inet_sock_set_state.
const tcpEstablished = 1

// HandleInetSockSetState mirrors handle_inet_sock_set_state.
func (a *Aggregator) HandleInetSockSetState(cgroupID uint64, newState int) {
	if newState != tcpEstablished {
		return
	}
	key := maps.CgroupKey{CgroupID: cgroupID}
	e, _ := a.tcpStats.LoadOrInsert(key, func() *tcpStatsEntry { return &tcpStatsEntry{} })
	e.connections.Add(1)
}

// HandleTCPProbe mirrors handle_tcp_probe: records the smoothed RTT sample
// into both the running tcp_stats counters and the RTT histogram.
func (a *Aggregator) HandleTCPProbe(cgroupID uint64, srttUs uint32) {
	key := maps.CgroupKey{CgroupID: cgroupID}

	e, _ := a.tcpStats.LoadOrInsert(key, func() *tcpStatsEntry { return &tcpStatsEntry{} })
	e.rttSumUs.Add(uint64(srttUs))
	e.rttCount.Add(1)

	rttNs := uint64(srttUs) * 1000
	hval, _ := a.rttHist.LoadOrInsert(key, func() *histEntry { return &histEntry{} })
	hval.add(rttNs)
}

// HandleSysEnter mirrors handle_sys_enter: gated by the tracked-syscall
// allowlist, records the correlation entry keyed by pid_tgid.
func (a *Aggregator) HandleSysEnter(pidTgid uint64, syscallNr uint32, nowNs uint64) {
	if _, tracked := a.trackedSyscalls[syscallNr]; !tracked {
		return
	}
	// BPF_ANY semantics: overwrite even if a stale entry for this pid_tgid
	// already exists (a prior syscall never hit sys_exit).
	corr, _, ok := a.syscallCorrelation.LoadOrInsert(pidTgid, func() *syscallCorrelation {
		return &syscallCorrelation{}
	})
	if !ok {
		return
	}
	corr.startNs = nowNs
	corr.syscallNr = syscallNr
}

// HandleSysExit mirrors handle_sys_exit.
func (a *Aggregator) HandleSysExit(pidTgid, cgroupID uint64, ret int64, nowNs uint64) {
	corr, found := a.syscallCorrelation.Load(pidTgid)
	if !found {
		return
	}
	a.syscallCorrelation.Delete(pidTgid)

	delta := nowNs - corr.startNs
	key := maps.SyscallKey{CgroupID: cgroupID, SyscallNr: corr.syscallNr}

	stats, _ := a.syscallStats.LoadOrInsert(key, func() *syscallStatsEntry { return &syscallStatsEntry{} })
	stats.count.Add(1)
	if ret < 0 {
		stats.errorCount.Add(1)
	}
	stats.latencySumNs.Add(delta)
	stats.latency.slots[bucket.Slot(delta)].Add(1)
}

// RunqLatency returns a snapshot of the run-queue latency histogram for a
// cgroup, or false if no samples have been recorded.
func (a *Aggregator) RunqLatency(cgroupID uint64) (bucket.Histogram, bool) {
	v, ok := a.runqLatency.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return bucket.Histogram{}, false
	}
	return v.snapshot(), true
}

// CtxSwitches returns the context-switch count for a cgroup.
func (a *Aggregator) CtxSwitches(cgroupID uint64) (uint64, bool) {
	v, ok := a.ctxSwitches.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return 0, false
	}
	return v.count.Load(), true
}

// OOMKills returns the OOM-kill count for a cgroup.
func (a *Aggregator) OOMKills(cgroupID uint64) (uint64, bool) {
	v, ok := a.oomKills.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return 0, false
	}
	return v.count.Load(), true
}

// MajorFaults returns the major-fault count for a cgroup.
func (a *Aggregator) MajorFaults(cgroupID uint64) (uint64, bool) {
	v, ok := a.majorFaults.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return 0, false
	}
	return v.count.Load(), true
}

// TCPStats returns the TCP aggregate for a cgroup.
func (a *Aggregator) TCPStats(cgroupID uint64) (maps.TcpStatsValue, bool) {
	v, ok := a.tcpStats.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return maps.TcpStatsValue{}, false
	}
	return v.snapshot(), true
}

// RTTHistogram returns the smoothed-RTT histogram for a cgroup.
func (a *Aggregator) RTTHistogram(cgroupID uint64) (bucket.Histogram, bool) {
	v, ok := a.rttHist.Load(maps.CgroupKey{CgroupID: cgroupID})
	if !ok {
		return bucket.Histogram{}, false
	}
	return v.snapshot(), true
}

// SyscallStats returns the per-(cgroup, syscall) aggregate.
func (a *Aggregator) SyscallStats(cgroupID uint64, syscallNr uint32) (maps.SyscallStatsValue, bool) {
	v, ok := a.syscallStats.Load(maps.SyscallKey{CgroupID: cgroupID, SyscallNr: syscallNr})
	if !ok {
		return maps.SyscallStatsValue{}, false
	}
	hist := v.latency.snapshot()
	return maps.SyscallStatsValue{
		Count:        v.count.Load(),
		ErrorCount:   v.errorCount.Load(),
		LatencySumNs: v.latencySumNs.Load(),
		LatencySlots: hist.Slots,
	}, true
}

// WakeupTSStats, RunqLatencyStats, CtxSwitchesStats, OOMKillsStats,
// MajorFaultsStats, TCPStatsStats, RTTHistStats, and SyscallStatsStats
// expose each table's sidecar counters (entries inserted, failed inserts),
// matching the diagnostics C7 defines for the kernel maps.
func (a *Aggregator) WakeupTSStats() (entries, updateErrors uint64)    { return a.wakeupTS.Stats() }
func (a *Aggregator) RunqLatencyStats() (entries, updateErrors uint64) { return a.runqLatency.Stats() }
func (a *Aggregator) CtxSwitchesStats() (entries, updateErrors uint64) { return a.ctxSwitches.Stats() }
func (a *Aggregator) OOMKillsStats() (entries, updateErrors uint64)    { return a.oomKills.Stats() }
func (a *Aggregator) MajorFaultsStats() (entries, updateErrors uint64) { return a.majorFaults.Stats() }
func (a *Aggregator) TCPStatsStats() (entries, updateErrors uint64)    { return a.tcpStats.Stats() }
func (a *Aggregator) RTTHistStats() (entries, updateErrors uint64)     { return a.rttHist.Stats() }
func (a *Aggregator) SyscallStatsStats() (entries, updateErrors uint64) {
	return a.syscallStats.Stats()
}

// CgroupIDs returns every cgroup ID that has at least one entry across the
// per-cgroup tables, used to drive a full drain pass.
func (a *Aggregator) CgroupIDs() []uint64 {
	seen := make(map[uint64]struct{})
	collect := func(k maps.CgroupKey) { seen[k.CgroupID] = struct{}{} }

	a.runqLatency.Range(func(k maps.CgroupKey, _ *histEntry) { collect(k) })
	a.ctxSwitches.Range(func(k maps.CgroupKey, _ *counterEntry) { collect(k) })
	a.oomKills.Range(func(k maps.CgroupKey, _ *counterEntry) { collect(k) })
	a.majorFaults.Range(func(k maps.CgroupKey, _ *counterEntry) { collect(k) })
	a.tcpStats.Range(func(k maps.CgroupKey, _ *tcpStatsEntry) { collect(k) })
	a.rttHist.Range(func(k maps.CgroupKey, _ *histEntry) { collect(k) })
	a.syscallStats.Range(func(k maps.SyscallKey, _ *syscallStatsEntry) { seen[k.CgroupID] = struct{}{} })

	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}
