// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collectors provides performance data collectors for the Antimetal agent.
package collectors

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../../ebpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel cgrouptelemetry ../../../ebpf/src/cpu_sched.bpf.c ../../../ebpf/src/mem.bpf.c ../../../ebpf/src/net.bpf.c ../../../ebpf/src/syscall.bpf.c -- -I../../../ebpf/include

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/core"
	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
	"github.com/kcgroup/telemetry-agent/pkg/ebpf/snapshot"
	"github.com/kcgroup/telemetry-agent/pkg/ebpf/store"
	"github.com/kcgroup/telemetry-agent/pkg/performance"
	"github.com/kcgroup/telemetry-agent/pkg/performance/ringbuffer"
)

// recentDrainsCapacity bounds the in-memory history of drain-cycle outcomes
// kept for diagnostics (e.g. exposed by a debug/health endpoint); drain
// cycles run every CgroupTelemetryInterval, so this covers several minutes
// of history without growing unbounded.
const recentDrainsCapacity = 32

// DrainRecord is one drain cycle's outcome, kept in a bounded ring buffer
// for diagnostics independent of the data points sent to outputChan.
type DrainRecord struct {
	At          time.Time
	CgroupCount int
	MapStats    []performance.MapStats
	Err         error
}

func init() {
	performance.Register(performance.MetricTypeCgroupTelemetry,
		func(logger logr.Logger, config performance.CollectionConfig) (performance.ContinuousCollector, error) {
			return NewCgroupTelemetryCollector(logger, config, "")
		},
	)
}

// Compile-time interface check
var _ performance.ContinuousCollector = (*CgroupTelemetryCollector)(nil)

// drainBatchSize bounds how many entries CgroupTelemetryCollector pulls from
// a map in one BatchLookupAndDelete call, matching spec.md §4.8's "batched
// lookup-and-delete ... so draining large maps requires O(n/batch) syscalls".
const drainBatchSize = 256

// CgroupTelemetryCollector is a continuous collector that loads the
// cgroup-telemetry eBPF object (scheduler, memory, network, and syscall
// probes), attaches every program, and periodically drains the kernel's
// per-cgroup aggregation maps into performance.CgroupTelemetryStats.
type CgroupTelemetryCollector struct {
	performance.BaseContinuousCollector

	mu            sync.Mutex
	bpfObjectPath string
	interval      time.Duration
	trackedNames  []string

	coreManager *core.Manager
	handle      *snapshot.Handle
	store       *store.Store

	recentDrains *ringbuffer.RingBuffer[DrainRecord]

	outputChan chan any
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

func NewCgroupTelemetryCollector(logger logr.Logger, config performance.CollectionConfig, bpfObjectPath string) (*CgroupTelemetryCollector, error) {
	if bpfObjectPath == "" {
		if envPath := os.Getenv("ANTIMETAL_BPF_PATH"); envPath != "" {
			bpfObjectPath = filepath.Join(envPath, "cgrouptelemetry.bpf.o")
		} else if config.BPFObjectPath != "" {
			bpfObjectPath = config.BPFObjectPath
		} else {
			bpfObjectPath = "/usr/local/lib/antimetal/ebpf/cgrouptelemetry.bpf.o"
		}
	}

	interval := config.CgroupTelemetryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	recentDrains, err := ringbuffer.New[DrainRecord](recentDrainsCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating drain history buffer: %w", err)
	}

	collector := &CgroupTelemetryCollector{
		BaseContinuousCollector: performance.NewBaseContinuousCollector(
			performance.MetricTypeCgroupTelemetry,
			"cgrouptelemetry",
			logger,
			config,
			performance.CollectorCapabilities{
				SupportsOneShot:    false,
				SupportsContinuous: true,
				RequiresRoot:       true,
				RequiresEBPF:       true,
				MinKernelVersion:   "5.2", // CO-RE / BTF support
			},
		),
		bpfObjectPath: bpfObjectPath,
		interval:      interval,
		trackedNames:  config.TrackedSyscalls,
		recentDrains:  recentDrains,
		stopChan:      make(chan struct{}),
	}

	return collector, nil
}

// RecentDrains returns the most recent drain-cycle outcomes, oldest first,
// for diagnostics; it does not affect the data delivered on the collector's
// output channel.
func (c *CgroupTelemetryCollector) RecentDrains() []DrainRecord {
	return c.recentDrains.GetAll()
}

func (c *CgroupTelemetryCollector) Start(ctx context.Context) (<-chan any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() == performance.CollectorStatusActive {
		return nil, errors.New("collector already running")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	if c.coreManager == nil {
		manager, err := core.NewManager(c.Logger())
		if err != nil {
			return nil, fmt.Errorf("creating CO-RE manager: %w", err)
		}
		c.coreManager = manager

		features := c.coreManager.GetKernelFeatures()
		c.Logger().Info("CO-RE support detected",
			"kernel", features.KernelVersion,
			"btf", features.HasBTF,
			"support", features.CORESupport,
		)
	}

	// A host without full CO-RE support cannot safely load these probes:
	// the kernel-side structs rely on BTF relocations for tracepoint field
	// offsets. Degrade rather than fail outright: report
	// CollectorStatusDegraded and hand back a closed, empty channel.
	if !c.coreManager.HasFullCORESupport() {
		c.SetStatus(performance.CollectorStatusDegraded)
		degraded := make(chan any)
		close(degraded)
		c.Logger().Info("host lacks full CO-RE support, cgroup telemetry disabled")
		return degraded, nil
	}

	handle, err := snapshot.Open(c.Logger(), c.coreManager, c.bpfObjectPath)
	if err != nil {
		return nil, fmt.Errorf("opening cgroup telemetry object: %w", err)
	}
	if err := handle.Load(); err != nil {
		handle.Destroy()
		return nil, fmt.Errorf("loading cgroup telemetry object: %w", err)
	}
	if err := c.populateAllowlist(handle); err != nil {
		handle.Destroy()
		return nil, fmt.Errorf("populating tracked-syscall allowlist: %w", err)
	}
	if err := handle.AttachAll(ctx); err != nil {
		handle.Destroy()
		return nil, fmt.Errorf("attaching cgroup telemetry probes: %w", err)
	}
	c.handle = handle

	st, err := store.New()
	if err != nil {
		handle.Destroy()
		return nil, fmt.Errorf("opening telemetry store: %w", err)
	}
	c.store = st

	c.outputChan = make(chan any, 16)
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.drainLoop(ctx)

	c.SetStatus(performance.CollectorStatusActive)
	return c.outputChan, nil
}

// populateAllowlist resolves the configured syscall names to numbers and
// writes them into tracked_syscalls before AttachAll, so the probes never
// observe a partially-populated allowlist.
func (c *CgroupTelemetryCollector) populateAllowlist(handle *snapshot.Handle) error {
	if len(c.trackedNames) == 0 {
		return nil
	}
	nrs, err := maps.ResolveSyscallNumbers(c.trackedNames)
	if err != nil {
		return err
	}
	if len(nrs) > maps.MaxTrackedSyscalls {
		return fmt.Errorf("%d tracked syscalls exceeds allowlist capacity %d", len(nrs), maps.MaxTrackedSyscalls)
	}
	for _, nr := range nrs {
		key := make([]byte, 4)
		byteOrderPutUint32(key, nr)
		if err := handle.Update("tracked_syscalls", key, []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func byteOrderPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (c *CgroupTelemetryCollector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() != performance.CollectorStatusActive && c.Status() != performance.CollectorStatusDegraded {
		return nil
	}

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	c.wg.Wait()

	if c.handle != nil {
		c.handle.Destroy()
		c.handle = nil
	}
	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
	if c.outputChan != nil {
		close(c.outputChan)
		c.outputChan = nil
	}

	c.SetStatus(performance.CollectorStatusDisabled)
	return nil
}

func (c *CgroupTelemetryCollector) drainLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			stats, err := c.drainOnce(ctx)
			mapStats := c.drainMapStats()
			c.recentDrains.Push(DrainRecord{At: time.Now(), CgroupCount: len(stats), MapStats: mapStats, Err: err})
			if err != nil {
				c.SetError(fmt.Errorf("draining cgroup telemetry: %w", err))
				continue
			}
			for _, s := range stats {
				if err := c.store.Put(s); err != nil {
					c.Logger().Error(err, "storing cgroup telemetry snapshot", "cgroup", s.CgroupID)
				}
				select {
				case c.outputChan <- s:
				case <-ctx.Done():
					return
				case <-c.stopChan:
					return
				default:
					c.Logger().V(1).Info("dropping cgroup telemetry snapshot, channel full", "cgroup", s.CgroupID)
				}
			}
		}
	}
}

// drainOnce performs one consume-and-clear pass over every per-cgroup
// aggregation map and reduces them into one CgroupTelemetryStats per
// observed cgroup ID.
func (c *CgroupTelemetryCollector) drainOnce(ctx context.Context) ([]performance.CgroupTelemetryStats, error) {
	byCgroup := make(map[uint64]*performance.CgroupTelemetryStats)
	get := func(id uint64) *performance.CgroupTelemetryStats {
		s, ok := byCgroup[id]
		if !ok {
			s = &performance.CgroupTelemetryStats{CgroupID: id}
			byCgroup[id] = s
		}
		return s
	}

	if err := c.drainCounterMap(ctx, "ctx_switches", func(id uint64, v maps.CounterValue) {
		get(id).CtxSwitches = v.Count
	}); err != nil {
		return nil, err
	}
	if err := c.drainCounterMap(ctx, "oom_kills", func(id uint64, v maps.CounterValue) {
		get(id).OOMKills = v.Count
	}); err != nil {
		return nil, err
	}
	if err := c.drainCounterMap(ctx, "major_faults", func(id uint64, v maps.CounterValue) {
		get(id).MajorFaults = v.Count
	}); err != nil {
		return nil, err
	}
	if err := c.drainHistMap(ctx, "runq_latency", func(id uint64, h performance.CgroupHistogram) {
		get(id).RunqLatencyNs = h
	}); err != nil {
		return nil, err
	}
	if err := c.drainHistMap(ctx, "rtt_hist", func(id uint64, h performance.CgroupHistogram) {
		get(id).RTTNs = h
	}); err != nil {
		return nil, err
	}
	if err := c.drainTCPMap(ctx, func(id uint64, t performance.CgroupTCPStats) {
		get(id).TCP = t
	}); err != nil {
		return nil, err
	}
	if err := c.drainSyscallMap(ctx, func(id uint64, s performance.CgroupSyscallStats) {
		st := get(id)
		st.Syscalls = append(st.Syscalls, s)
	}); err != nil {
		return nil, err
	}

	out := make([]performance.CgroupTelemetryStats, 0, len(byCgroup))
	for _, s := range byCgroup {
		out = append(out, *s)
	}
	return out, nil
}

// drainMapStats reads the mapstats.h entries/update_errors sidecar for every
// instrumented map (spec.md §4.7: "userspace reads these as diagnostics").
// Unlike drainOnce's per-cgroup maps, these are read-only lookups, not
// lookup-and-delete: the counters are cumulative for the map's lifetime, so
// draining them would just throw away the running total. A failed read for
// one map (e.g. the sidecar isn't in this build of the object) is logged
// and skipped rather than aborting the whole pass.
func (c *CgroupTelemetryCollector) drainMapStats() []performance.MapStats {
	out := make([]performance.MapStats, 0, len(maps.StatsMapBases))
	for _, base := range maps.StatsMapBases {
		name := maps.StatsMapName(base)

		entries, err := c.sumStatKey(name, maps.StatKeyEntries)
		if err != nil {
			c.Logger().V(1).Info("reading map stats", "map", name, "error", err.Error())
			continue
		}
		updateErrors, err := c.sumStatKey(name, maps.StatKeyUpdateErrors)
		if err != nil {
			c.Logger().V(1).Info("reading map stats", "map", name, "error", err.Error())
			continue
		}
		out = append(out, performance.MapStats{Map: base, Entries: entries, UpdateErrors: updateErrors})
	}
	return out
}

func (c *CgroupTelemetryCollector) sumStatKey(statsMapName string, key []byte) (uint64, error) {
	raw, err := c.handle.LookupPerCPU(statsMapName, key)
	if err != nil {
		return 0, err
	}
	return maps.SumPerCPUStats(raw)
}

func toHistogram(v maps.HistogramValue) performance.CgroupHistogram {
	h := performance.CgroupHistogram{Slots: v.Slots, Count: v.Count, SumNs: v.SumNs}
	if v.Count > 0 {
		h.MeanNs = float64(v.SumNs) / float64(v.Count)
	}
	return h
}

func (c *CgroupTelemetryCollector) drainCounterMap(ctx context.Context, name string, apply func(uint64, maps.CounterValue)) error {
	keys, values, err := c.handle.BatchLookupAndDelete(ctx, name, drainBatchSize, 8, 8)
	if err != nil {
		return fmt.Errorf("draining %s: %w", name, err)
	}
	for i, kb := range keys {
		key, err := maps.DecodeCgroupKey(kb)
		if err != nil {
			return err
		}
		val, err := maps.DecodeCounterValue(values[i])
		if err != nil {
			return err
		}
		apply(key.CgroupID, val)
	}
	return nil
}

func (c *CgroupTelemetryCollector) drainHistMap(ctx context.Context, name string, apply func(uint64, performance.CgroupHistogram)) error {
	keys, values, err := c.handle.BatchLookupAndDelete(ctx, name, drainBatchSize, 8, histValueSize())
	if err != nil {
		return fmt.Errorf("draining %s: %w", name, err)
	}
	for i, kb := range keys {
		key, err := maps.DecodeCgroupKey(kb)
		if err != nil {
			return err
		}
		val, err := maps.DecodeHistogramValue(values[i])
		if err != nil {
			return err
		}
		apply(key.CgroupID, toHistogram(val))
	}
	return nil
}

func (c *CgroupTelemetryCollector) drainTCPMap(ctx context.Context, apply func(uint64, performance.CgroupTCPStats)) error {
	keys, values, err := c.handle.BatchLookupAndDelete(ctx, "tcp_stats_map", drainBatchSize, 8, tcpValueSize())
	if err != nil {
		return fmt.Errorf("draining tcp_stats_map: %w", err)
	}
	for i, kb := range keys {
		key, err := maps.DecodeCgroupKey(kb)
		if err != nil {
			return err
		}
		val, err := maps.DecodeTcpStatsValue(values[i])
		if err != nil {
			return err
		}
		tcp := performance.CgroupTCPStats{
			BytesSent:     val.BytesSent,
			BytesReceived: val.BytesReceived,
			Retransmits:   val.Retransmits,
			Connections:   val.Connections,
		}
		if val.RttCount > 0 {
			tcp.RTTMeanUs = float64(val.RttSumUs) / float64(val.RttCount)
		}
		apply(key.CgroupID, tcp)
	}
	return nil
}

func (c *CgroupTelemetryCollector) drainSyscallMap(ctx context.Context, apply func(uint64, performance.CgroupSyscallStats)) error {
	keys, values, err := c.handle.BatchLookupAndDelete(ctx, "syscall_stats_map", drainBatchSize, 16, syscallValueSize())
	if err != nil {
		return fmt.Errorf("draining syscall_stats_map: %w", err)
	}
	for i, kb := range keys {
		key, err := maps.DecodeSyscallKey(kb)
		if err != nil {
			return err
		}
		val, err := maps.DecodeSyscallStatsValue(values[i])
		if err != nil {
			return err
		}
		apply(key.CgroupID, performance.CgroupSyscallStats{
			SyscallNr:  key.SyscallNr,
			Count:      val.Count,
			ErrorCount: val.ErrorCount,
			LatencyNs: performance.CgroupHistogram{
				Slots:  val.LatencySlots,
				Count:  val.Count,
				SumNs:  val.LatencySumNs,
				MeanNs: meanOrZero(val.LatencySumNs, val.Count),
			},
		})
	}
	return nil
}

func meanOrZero(sum, count uint64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

func histValueSize() int {
	return len(maps.EncodeHistogramValue(maps.HistogramValue{}))
}

func tcpValueSize() int {
	return len(maps.EncodeTcpStatsValue(maps.TcpStatsValue{}))
}

func syscallValueSize() int {
	return len(maps.EncodeSyscallStatsValue(maps.SyscallStatsValue{}))
}
