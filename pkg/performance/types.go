// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"time"
)

// MetricType represents the type of performance metric
type MetricType string

const (
	// eBPF-backed per-cgroup telemetry
	MetricTypeCgroupTelemetry MetricType = "cgroup_telemetry"
)

// CollectorStatus represents the operational status of a collector
type CollectorStatus string

const (
	CollectorStatusActive   CollectorStatus = "active"
	CollectorStatusDegraded CollectorStatus = "degraded"
	CollectorStatusFailed   CollectorStatus = "failed"
	CollectorStatusDisabled CollectorStatus = "disabled"
)

// Snapshot represents a complete performance snapshot at a point in time
type Snapshot struct {
	Timestamp    time.Time
	NodeName     string
	ClusterName  string
	CollectorRun CollectorRunInfo
	Metrics      Metrics
}

// CollectorRunInfo contains metadata about a collector run
type CollectorRunInfo struct {
	Duration       time.Duration
	CollectorStats map[MetricType]CollectorStat
}

// CollectorStat tracks individual collector performance
type CollectorStat struct {
	Status   CollectorStatus
	Duration time.Duration
	Error    error
	Data     any // The actual collected data
}

// Metrics contains all collected performance metrics
type Metrics struct {
	// Per-cgroup eBPF telemetry
	CgroupTelemetry []CgroupTelemetryStats
}

// CgroupTelemetryStats is one cgroup's worth of drained kernel aggregates
// for a single snapshot cycle: the scheduler, memory, network, and syscall
// probe maps reduced to their per-cgroup key.
type CgroupTelemetryStats struct {
	CgroupID uint64

	RunqLatencyNs CgroupHistogram
	CtxSwitches   uint64

	OOMKills    uint64
	MajorFaults uint64

	TCP   CgroupTCPStats
	RTTNs CgroupHistogram

	Syscalls []CgroupSyscallStats
}

// CgroupHistogram is the userspace-facing projection of a drained
// hist_value: per-slot counts plus the derived mean, used by callers that
// don't need raw slot data.
type CgroupHistogram struct {
	Slots  [27]uint64
	Count  uint64
	SumNs  uint64
	MeanNs float64
}

// CgroupTCPStats is the userspace-facing projection of a drained tcp_stats
// value.
type CgroupTCPStats struct {
	BytesSent     uint64
	BytesReceived uint64
	Retransmits   uint64
	Connections   uint64
	RTTMeanUs     float64
}

// CgroupSyscallStats is one tracked syscall's aggregate for one cgroup.
type CgroupSyscallStats struct {
	SyscallNr  uint32
	Count      uint64
	ErrorCount uint64
	LatencyNs  CgroupHistogram
}

// MapStats is one kernel aggregation map's diagnostic sidecar counters
// (ebpf/include/mapstats.h's entries/update_errors), summed across CPUs.
// Entries counts successful inserts and is never decremented; UpdateErrors
// counts failed inserts (a lost insert race, or a plain hash map at
// capacity). An LRU-hash map at capacity evicts an old entry to make room,
// so eviction shows up in neither counter.
type MapStats struct {
	Map          string
	Entries      uint64
	UpdateErrors uint64
}

// CollectionConfig represents configuration for performance collection
type CollectionConfig struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
	HostProcPath      string // Path to /proc (useful for containers)
	HostSysPath       string // Path to /sys (useful for containers)
	HostDevPath       string // Path to /dev (useful for containers)

	// BPFObjectPath is the filesystem path to the compiled cgroup-telemetry
	// probe object (overridden by the ANTIMETAL_BPF_PATH env var, matching
	// the convention the other eBPF collectors use).
	BPFObjectPath string
	// CgroupTelemetryInterval is the drain period for the eBPF aggregation
	// maps; independent of Interval because kernel maps accumulate and can
	// be drained on a slower cadence than proc-based collectors.
	CgroupTelemetryInterval time.Duration
	// TrackedSyscalls lists syscall names to populate the tracked_syscalls
	// allowlist with at Start time. An empty list means zero syscalls are
	// tracked (the probe's early-return path fires unconditionally).
	TrackedSyscalls []string
}

// DefaultCollectionConfig returns a default configuration
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		Interval: time.Second,
		EnabledCollectors: map[MetricType]bool{
			MetricTypeCgroupTelemetry: true,
		},
		HostProcPath: "/proc",
		HostSysPath:  "/sys",
		HostDevPath:  "/dev",

		BPFObjectPath:           "/usr/local/lib/antimetal/ebpf/cgrouptelemetry.bpf.o",
		CgroupTelemetryInterval: 10 * time.Second,
		TrackedSyscalls:         []string{"read", "write", "openat", "futex", "epoll_wait"},
	}
}

// ApplyDefaults fills in zero values with defaults
func (c *CollectionConfig) ApplyDefaults() {
	defaults := DefaultCollectionConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = defaults.EnabledCollectors
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}
	if c.HostDevPath == "" {
		c.HostDevPath = defaults.HostDevPath
	}
	if c.BPFObjectPath == "" {
		c.BPFObjectPath = defaults.BPFObjectPath
	}
	if c.CgroupTelemetryInterval == 0 {
		c.CgroupTelemetryInterval = defaults.CgroupTelemetryInterval
	}
	if c.TrackedSyscalls == nil {
		c.TrackedSyscalls = defaults.TrackedSyscalls
	}
}

