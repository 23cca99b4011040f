// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package maps_test

import (
	"encoding/binary"
	"testing"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// perCPUUint64Buf builds the raw per-CPU bytes Handle.LookupPerCPU would
// return for one mapstats.h sidecar key: one u64 per possible CPU.
func perCPUUint64Buf(perCPU ...uint64) []byte {
	buf := make([]byte, 8*len(perCPU))
	for i, v := range perCPU {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], v)
	}
	return buf
}

func TestCgroupKeyRoundTrip(t *testing.T) {
	k := maps.CgroupKey{CgroupID: 0xdeadbeefcafebabe}
	got, err := maps.DecodeCgroupKey(maps.EncodeCgroupKey(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestSyscallKeyRoundTrip(t *testing.T) {
	k := maps.SyscallKey{CgroupID: 7, SyscallNr: 59, Pad: 0}
	got, err := maps.DecodeSyscallKey(maps.EncodeSyscallKey(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestCounterValueRoundTrip(t *testing.T) {
	v := maps.CounterValue{Count: 12345}
	got, err := maps.DecodeCounterValue(maps.EncodeCounterValue(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestHistogramValueRoundTrip(t *testing.T) {
	var v maps.HistogramValue
	v.Slots[11] = 1
	v.Slots[26] = 3
	v.Count = 4
	v.SumNs = 999999

	got, err := maps.DecodeHistogramValue(maps.EncodeHistogramValue(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestTcpStatsValueRoundTrip(t *testing.T) {
	v := maps.TcpStatsValue{
		BytesSent:     3072,
		BytesReceived: 4096,
		Retransmits:   2,
		Connections:   1,
		RttSumUs:      300,
		RttCount:      3,
	}
	got, err := maps.DecodeTcpStatsValue(maps.EncodeTcpStatsValue(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestSyscallStatsValueRoundTrip(t *testing.T) {
	var v maps.SyscallStatsValue
	v.Count = 1
	v.ErrorCount = 0
	v.LatencySumNs = 500
	v.LatencySlots[8] = 1

	got, err := maps.DecodeSyscallStatsValue(maps.EncodeSyscallStatsValue(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := maps.DecodeCgroupKey([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = maps.DecodeTcpStatsValue(make([]byte, 10))
	assert.Error(t, err)
}

func TestSumPerCPUStats(t *testing.T) {
	raw := perCPUUint64Buf(5, 7, 0)

	total, err := maps.SumPerCPUStats(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), total)
}

func TestSumPerCPUStatsEmptyIsZero(t *testing.T) {
	total, err := maps.SumPerCPUStats(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), total)
}

func TestSumPerCPUStatsRejectsWrongSize(t *testing.T) {
	_, err := maps.SumPerCPUStats([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCatalogNamesMatchExternalABI(t *testing.T) {
	want := []string{
		"wakeup_ts", "runq_latency", "ctx_switches",
		"oom_kills", "major_faults",
		"tcp_stats_map", "rtt_hist", "conn_start", "conn_latency",
		"syscall_start", "syscall_nr_map", "syscall_stats_map", "tracked_syscalls",
	}
	got := make([]string, 0, len(maps.Catalog))
	for _, e := range maps.Catalog {
		got = append(got, e.Name)
	}
	assert.ElementsMatch(t, want, got)
}

func TestCatalogMaxEntries(t *testing.T) {
	assert.Equal(t, 10240, maps.MaxEntries)
}

func TestStatsMapName(t *testing.T) {
	assert.Equal(t, "runq_latency_stats", maps.StatsMapName("runq_latency"))
}

func TestStatsMapBasesMatchInstrumentedMaps(t *testing.T) {
	// Every name here must have a DEFINE_STATS_MAP(name) call in
	// ebpf/src/*.bpf.c; see TestStatsMapBasesAreCatalogMaps below for the
	// other direction.
	want := []string{
		"wakeup_ts", "ctx_switches", "runq_latency",
		"oom_kills", "major_faults",
		"tcp_stats_map", "rtt_hist",
		"syscall_start", "syscall_stats_map",
	}
	assert.ElementsMatch(t, want, maps.StatsMapBases)
}

func TestStatsMapBasesAreCatalogMaps(t *testing.T) {
	catalogNames := make(map[string]bool, len(maps.Catalog))
	for _, e := range maps.Catalog {
		catalogNames[e.Name] = true
	}
	for _, base := range maps.StatsMapBases {
		assert.True(t, catalogNames[base], "stats base %q has no matching Catalog entry", base)
	}
}

func TestStatKeysAreDistinct(t *testing.T) {
	assert.NotEqual(t, maps.StatKeyEntries, maps.StatKeyUpdateErrors)
	assert.Len(t, maps.StatKeyEntries, 4)
	assert.Len(t, maps.StatKeyUpdateErrors, 4)
}
