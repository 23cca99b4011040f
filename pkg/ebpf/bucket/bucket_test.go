// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bucket_test

import (
	"testing"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/bucket"
	"github.com/stretchr/testify/assert"
)

func TestSlot(t *testing.T) {
	tests := []struct {
		v    uint64
		slot int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{2500, 11},
		{100_000, 16},
		{1 << 26, 26},
		{(1 << 26) - 1, 25},
		{1_000_000_000, 26}, // floor(log2) == 29, saturates to MaxSlots-1
		{^uint64(0), bucket.MaxSlots - 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.slot, bucket.Slot(tt.v), "Slot(%d)", tt.v)
	}
}

func TestSlotNeverExceedsMax(t *testing.T) {
	for _, v := range []uint64{0, 1, 1 << 10, 1 << 40, 1 << 63, ^uint64(0)} {
		assert.Less(t, bucket.Slot(v), bucket.MaxSlots)
		assert.GreaterOrEqual(t, bucket.Slot(v), 0)
	}
}

func TestHistogramAddConsistency(t *testing.T) {
	var h bucket.Histogram
	samples := []uint64{2500, 2500, 100_000, 1_000_000_000}

	for _, s := range samples {
		h.Add(s)
	}

	var sum uint64
	for _, c := range h.Slots {
		sum += c
	}
	assert.Equal(t, h.Count, sum)
	assert.Equal(t, uint64(len(samples)), h.Count)
}

func TestHistogramSeedS1(t *testing.T) {
	// wakeup at t=1000, switch at t=1_002_500 -> delta 2500ns.
	var h bucket.Histogram
	h.Add(2500)

	assert.Equal(t, uint64(1), h.Count)
	assert.Equal(t, uint64(2500), h.SumNs)
	assert.Equal(t, uint64(1), h.Slots[11])
}

func TestHistogramSeedS4(t *testing.T) {
	var h bucket.Histogram
	h.Add(100_000)
	h.Add(100_000)
	h.Add(1_000_000_000)

	assert.Equal(t, uint64(2), h.Slots[16])
	assert.Equal(t, uint64(1), h.Slots[26])
	assert.Equal(t, uint64(3), h.Count)
	assert.Equal(t, uint64(1_000_200_000), h.SumNs)
}

func TestHistogramMerge(t *testing.T) {
	var a, b bucket.Histogram
	a.Add(10)
	b.Add(20)
	b.Add(30)

	a.Merge(b)

	assert.Equal(t, uint64(3), a.Count)
	assert.Equal(t, uint64(60), a.SumNs)
}

func TestHistogramMeanEmpty(t *testing.T) {
	var h bucket.Histogram
	assert.Equal(t, float64(0), h.Mean())
}
