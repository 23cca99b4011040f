// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
	"github.com/kcgroup/telemetry-agent/pkg/performance"
	"github.com/kcgroup/telemetry-agent/pkg/performance/collectors"
)

func TestNewCgroupTelemetryCollector_Defaults(t *testing.T) {
	logger := logr.Discard()
	config := performance.DefaultCollectionConfig()

	collector, err := collectors.NewCgroupTelemetryCollector(logger, config, "")
	require.NoError(t, err)

	assert.Equal(t, performance.MetricTypeCgroupTelemetry, collector.Type())
	assert.Equal(t, "cgrouptelemetry", collector.Name())

	caps := collector.Capabilities()
	assert.True(t, caps.RequiresEBPF)
	assert.True(t, caps.RequiresRoot)
	assert.True(t, caps.SupportsContinuous)
	assert.False(t, caps.SupportsOneShot)
}

func TestNewCgroupTelemetryCollector_ResolvesBPFObjectPath(t *testing.T) {
	logger := logr.Discard()
	config := performance.DefaultCollectionConfig()

	collector, err := collectors.NewCgroupTelemetryCollector(logger, config, "/custom/path/cgrouptelemetry.bpf.o")
	require.NoError(t, err)
	assert.NotNil(t, collector)
	assert.Equal(t, performance.CollectorStatusDisabled, collector.Status())
}

func TestNewCgroupTelemetryCollector_RecentDrainsStartsEmpty(t *testing.T) {
	logger := logr.Discard()
	config := performance.DefaultCollectionConfig()

	collector, err := collectors.NewCgroupTelemetryCollector(logger, config, "")
	require.NoError(t, err)
	assert.Empty(t, collector.RecentDrains())
}

func TestCgroupSyscallStats_LatencyHistogramRoundTrips(t *testing.T) {
	// A SyscallStatsValue round-tripped through its kernel byte layout must
	// project into the userspace CgroupSyscallStats with its histogram mean
	// derived from the same sum/count pair, matching testable property #1
	// (Sigma slots[k] == count, sum_ns >= count).
	val := maps.SyscallStatsValue{
		Count:        4,
		ErrorCount:   1,
		LatencySumNs: 8000,
	}
	val.LatencySlots[10] = 4

	decoded, err := maps.DecodeSyscallStatsValue(maps.EncodeSyscallStatsValue(val))
	require.NoError(t, err)

	stats := performance.CgroupSyscallStats{
		SyscallNr:  0,
		Count:      decoded.Count,
		ErrorCount: decoded.ErrorCount,
		LatencyNs: performance.CgroupHistogram{
			Slots:  decoded.LatencySlots,
			Count:  decoded.Count,
			SumNs:  decoded.LatencySumNs,
			MeanNs: float64(decoded.LatencySumNs) / float64(decoded.Count),
		},
	}

	var sum uint64
	for _, s := range stats.LatencyNs.Slots {
		sum += s
	}
	assert.Equal(t, stats.LatencyNs.Count, sum)
	assert.Equal(t, float64(2000), stats.LatencyNs.MeanNs)
	assert.Equal(t, uint64(1), stats.ErrorCount)
}
