// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package maps declares the kernel-resident map catalog shared between the
// eBPF probe sources under ebpf/src and the userspace snapshot protocol in
// pkg/ebpf/snapshot. Key/value Go structs mirror ebpf/include/common.h
// field-for-field; AttachKind/ProgramSpec mirror the SEC() attachment
// strings used in ebpf/src/*.bpf.c.
package maps

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
)

// MaxEntries is the capacity bound for every aggregation table, matching
// MAX_ENTRIES in ebpf/include/common.h.
const MaxEntries = 10240

// MaxTrackedSyscalls bounds the tracked_syscalls allowlist.
const MaxTrackedSyscalls = 64

// MaxSlots is the histogram bucket count, matching MAX_SLOTS.
const MaxSlots = 27

// CgroupKey mirrors struct cgroup_key.
type CgroupKey struct {
	CgroupID uint64
}

// SyscallKey mirrors struct syscall_key. Pad keeps the layout stable across
// the Go/C ABI boundary; it carries no information.
type SyscallKey struct {
	CgroupID  uint64
	SyscallNr uint32
	Pad       uint32
}

// CounterValue mirrors struct counter_value.
type CounterValue struct {
	Count uint64
}

// HistogramValue mirrors struct hist_value.
type HistogramValue struct {
	Slots [MaxSlots]uint64
	Count uint64
	SumNs uint64
}

// TcpStatsValue mirrors struct tcp_stats.
type TcpStatsValue struct {
	BytesSent     uint64
	BytesReceived uint64
	Retransmits   uint64
	Connections   uint64
	RttSumUs      uint64
	RttCount      uint64
}

// SyscallStatsValue mirrors struct syscall_stats.
type SyscallStatsValue struct {
	Count        uint64
	ErrorCount   uint64
	LatencySumNs uint64
	LatencySlots [MaxSlots]uint64
}

// MapStatsValue mirrors the per-CPU sidecar array value: a single uint64
// counter read once per CPU and summed by the snapshot reader.
type MapStatsValue uint64

// Sidecar stat indices, matching MAP_STAT_ENTRIES/MAP_STAT_UPDATE_ERRORS in
// ebpf/include/mapstats.h.
const (
	StatEntries      uint32 = 0
	StatUpdateErrors uint32 = 1
	StatMax                 = 2
)

// AttachKind identifies the mechanism AttachAll uses to attach a compiled
// program, reproducing the SEC() string convention from ebpf/src/*.bpf.c.
type AttachKind int

const (
	AttachTracepoint AttachKind = iota
	AttachKprobe
	AttachRawTracepoint
)

// ProgramSpec describes one compiled program's attachment point. Name must
// match the ELF symbol name produced by the bpf2go-generated object; Group
// and Event are the tracepoint's category/name for AttachTracepoint, or the
// raw tracepoint name for AttachRawTracepoint; Symbol is the kernel function
// name for AttachKprobe.
type ProgramSpec struct {
	Name   string
	Kind   AttachKind
	Group  string
	Event  string
	Symbol string
}

// Programs is the full attachment table for the compiled object, carried
// forward from original_source/bpf's attachment points so AttachAll knows
// the mechanism for each program instead of guessing from its name.
var Programs = []ProgramSpec{
	{Name: "handle_sched_wakeup", Kind: AttachTracepoint, Group: "sched", Event: "sched_wakeup"},
	{Name: "handle_sched_switch", Kind: AttachTracepoint, Group: "sched", Event: "sched_switch"},
	{Name: "handle_oom_kill", Kind: AttachTracepoint, Group: "oom", Event: "mark_victim"},
	{Name: "handle_page_fault", Kind: AttachKprobe, Symbol: "handle_mm_fault"},
	{Name: "handle_tcp_sendmsg", Kind: AttachKprobe, Symbol: "tcp_sendmsg"},
	{Name: "handle_tcp_recvmsg", Kind: AttachKprobe, Symbol: "tcp_recvmsg"},
	{Name: "handle_tcp_retransmit", Kind: AttachTracepoint, Group: "tcp", Event: "tcp_retransmit_skb"},
	{Name: "handle_inet_sock_set_state", Kind: AttachTracepoint, Group: "sock", Event: "inet_sock_set_state"},
	{Name: "handle_tcp_probe", Kind: AttachTracepoint, Group: "tcp", Event: "tcp_probe"},
	{Name: "handle_sys_enter", Kind: AttachRawTracepoint, Event: "sys_enter"},
	{Name: "handle_sys_exit", Kind: AttachRawTracepoint, Event: "sys_exit"},
}

// CatalogEntry describes one kernel-resident map: its ebpf.MapSpec template
// (minus the ObjectName, which comes from the loaded collection) and the
// Go-side key/value sizes used to validate the loaded map matches the
// schema pkg/ebpf/snapshot expects.
type CatalogEntry struct {
	Name      string
	Type      ebpf.MapType
	KeySize   uint32
	ValueSize uint32
	IsPerCPU  bool
}

// Catalog lists every aggregation and correlation map named in the external
// ABI (spec map-name roster). The per-map stats sidecars are not listed;
// their names come from StatsMapName.
var Catalog = []CatalogEntry{
	{Name: "wakeup_ts", Type: ebpf.Hash, KeySize: 4, ValueSize: 8},
	{Name: "runq_latency", Type: ebpf.Hash, KeySize: sizeofCgroupKey, ValueSize: sizeofHistogramValue},
	{Name: "ctx_switches", Type: ebpf.Hash, KeySize: sizeofCgroupKey, ValueSize: sizeofCounterValue},

	{Name: "oom_kills", Type: ebpf.Hash, KeySize: sizeofCgroupKey, ValueSize: sizeofCounterValue},
	{Name: "major_faults", Type: ebpf.Hash, KeySize: sizeofCgroupKey, ValueSize: sizeofCounterValue},

	{Name: "tcp_stats_map", Type: ebpf.LRUHash, KeySize: sizeofCgroupKey, ValueSize: sizeofTcpStatsValue},
	{Name: "rtt_hist", Type: ebpf.LRUHash, KeySize: sizeofCgroupKey, ValueSize: sizeofHistogramValue},
	{Name: "conn_start", Type: ebpf.LRUHash, KeySize: 8, ValueSize: 8},
	{Name: "conn_latency", Type: ebpf.LRUHash, KeySize: sizeofCgroupKey, ValueSize: sizeofHistogramValue},

	{Name: "syscall_start", Type: ebpf.Hash, KeySize: 8, ValueSize: 8},
	{Name: "syscall_nr_map", Type: ebpf.Hash, KeySize: 8, ValueSize: 4},
	{Name: "syscall_stats_map", Type: ebpf.LRUHash, KeySize: sizeofSyscallKey, ValueSize: sizeofSyscallStatsValue},
	{Name: "tracked_syscalls", Type: ebpf.Hash, KeySize: 4, ValueSize: 1},
}

const (
	sizeofCgroupKey         = 8
	sizeofSyscallKey        = 16
	sizeofCounterValue      = 8
	sizeofHistogramValue    = MaxSlots*8 + 16
	sizeofTcpStatsValue     = 48
	sizeofSyscallStatsValue = 24 + MaxSlots*8
)

// StatsMapName returns the sidecar map name for a base aggregation map name,
// matching the mapname##_stats token pasting in DEFINE_STATS_MAP.
func StatsMapName(base string) string {
	return base + "_stats"
}

// StatsMapBases lists the maps whose mapstats.h entries/update_errors
// sidecar the probes in ebpf/src/*.bpf.c write to. conn_start and
// conn_latency also get a DEFINE_STATS_MAP sidecar in net.bpf.c, but no
// probe populates those two maps, so they are not listed here.
var StatsMapBases = []string{
	"wakeup_ts",
	"ctx_switches",
	"runq_latency",
	"oom_kills",
	"major_faults",
	"tcp_stats_map",
	"rtt_hist",
	"syscall_start",
	"syscall_stats_map",
}

// StatKeyEntries and StatKeyUpdateErrors are the little-endian u32 key
// encodings for MAP_STAT_ENTRIES/MAP_STAT_UPDATE_ERRORS -- the two entries
// of a DEFINE_STATS_MAP sidecar's BPF_MAP_TYPE_PERCPU_ARRAY.
var (
	StatKeyEntries      = []byte{0, 0, 0, 0}
	StatKeyUpdateErrors = []byte{1, 0, 0, 0}
)

// byteOrder is the wire order for all map key/value encoding: little-endian
// on every architecture this agent targets.
var byteOrder = binary.LittleEndian
