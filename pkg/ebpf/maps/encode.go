// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package maps

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeCgroupKey serializes a CgroupKey to its kernel byte layout.
func EncodeCgroupKey(k CgroupKey) []byte {
	buf := make([]byte, sizeofCgroupKey)
	byteOrder.PutUint64(buf, k.CgroupID)
	return buf
}

// DecodeCgroupKey parses a CgroupKey from its kernel byte layout.
func DecodeCgroupKey(b []byte) (CgroupKey, error) {
	if len(b) != sizeofCgroupKey {
		return CgroupKey{}, fmt.Errorf("maps: cgroup_key wants %d bytes, got %d", sizeofCgroupKey, len(b))
	}
	return CgroupKey{CgroupID: byteOrder.Uint64(b)}, nil
}

// EncodeSyscallKey serializes a SyscallKey to its kernel byte layout.
func EncodeSyscallKey(k SyscallKey) []byte {
	buf := make([]byte, sizeofSyscallKey)
	byteOrder.PutUint64(buf[0:8], k.CgroupID)
	byteOrder.PutUint32(buf[8:12], k.SyscallNr)
	byteOrder.PutUint32(buf[12:16], k.Pad)
	return buf
}

// DecodeSyscallKey parses a SyscallKey from its kernel byte layout.
func DecodeSyscallKey(b []byte) (SyscallKey, error) {
	if len(b) != sizeofSyscallKey {
		return SyscallKey{}, fmt.Errorf("maps: syscall_key wants %d bytes, got %d", sizeofSyscallKey, len(b))
	}
	return SyscallKey{
		CgroupID:  byteOrder.Uint64(b[0:8]),
		SyscallNr: byteOrder.Uint32(b[8:12]),
		Pad:       byteOrder.Uint32(b[12:16]),
	}, nil
}

// EncodeCounterValue serializes a CounterValue.
func EncodeCounterValue(v CounterValue) []byte {
	buf := make([]byte, sizeofCounterValue)
	byteOrder.PutUint64(buf, v.Count)
	return buf
}

// DecodeCounterValue parses a CounterValue.
func DecodeCounterValue(b []byte) (CounterValue, error) {
	if len(b) != sizeofCounterValue {
		return CounterValue{}, fmt.Errorf("maps: counter_value wants %d bytes, got %d", sizeofCounterValue, len(b))
	}
	return CounterValue{Count: byteOrder.Uint64(b)}, nil
}

// EncodeHistogramValue serializes a HistogramValue.
func EncodeHistogramValue(v HistogramValue) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(sizeofHistogramValue)
	_ = binary.Write(buf, byteOrder, v.Slots)
	_ = binary.Write(buf, byteOrder, v.Count)
	_ = binary.Write(buf, byteOrder, v.SumNs)
	return buf.Bytes()
}

// DecodeHistogramValue parses a HistogramValue.
func DecodeHistogramValue(b []byte) (HistogramValue, error) {
	if len(b) != sizeofHistogramValue {
		return HistogramValue{}, fmt.Errorf("maps: hist_value wants %d bytes, got %d", sizeofHistogramValue, len(b))
	}
	var v HistogramValue
	r := bytes.NewReader(b)
	_ = binary.Read(r, byteOrder, &v.Slots)
	_ = binary.Read(r, byteOrder, &v.Count)
	_ = binary.Read(r, byteOrder, &v.SumNs)
	return v, nil
}

// EncodeTcpStatsValue serializes a TcpStatsValue.
func EncodeTcpStatsValue(v TcpStatsValue) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(sizeofTcpStatsValue)
	_ = binary.Write(buf, byteOrder, v)
	return buf.Bytes()
}

// DecodeTcpStatsValue parses a TcpStatsValue.
func DecodeTcpStatsValue(b []byte) (TcpStatsValue, error) {
	if len(b) != sizeofTcpStatsValue {
		return TcpStatsValue{}, fmt.Errorf("maps: tcp_stats wants %d bytes, got %d", sizeofTcpStatsValue, len(b))
	}
	var v TcpStatsValue
	_ = binary.Read(bytes.NewReader(b), byteOrder, &v)
	return v, nil
}

// EncodeSyscallStatsValue serializes a SyscallStatsValue.
func EncodeSyscallStatsValue(v SyscallStatsValue) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(sizeofSyscallStatsValue)
	_ = binary.Write(buf, byteOrder, v.Count)
	_ = binary.Write(buf, byteOrder, v.ErrorCount)
	_ = binary.Write(buf, byteOrder, v.LatencySumNs)
	_ = binary.Write(buf, byteOrder, v.LatencySlots)
	return buf.Bytes()
}

// DecodeSyscallStatsValue parses a SyscallStatsValue.
func DecodeSyscallStatsValue(b []byte) (SyscallStatsValue, error) {
	if len(b) != sizeofSyscallStatsValue {
		return SyscallStatsValue{}, fmt.Errorf("maps: syscall_stats wants %d bytes, got %d", sizeofSyscallStatsValue, len(b))
	}
	var v SyscallStatsValue
	r := bytes.NewReader(b)
	_ = binary.Read(r, byteOrder, &v.Count)
	_ = binary.Read(r, byteOrder, &v.ErrorCount)
	_ = binary.Read(r, byteOrder, &v.LatencySumNs)
	_ = binary.Read(r, byteOrder, &v.LatencySlots)
	return v, nil
}

// SumPerCPUStats reduces the raw per-CPU bytes read back for one
// mapstats.h sidecar key (MAP_STAT_ENTRIES or MAP_STAT_UPDATE_ERRORS) into a
// single total, matching spec.md §4.8's "reader retrieves
// num_possible_cpus values and sums them". The sidecar is a
// BPF_MAP_TYPE_PERCPU_ARRAY keyed by stat index, so raw holds one u64 per
// possible CPU back to back; raw is nil if Handle.LookupPerCPU found no
// entry for the key yet.
func SumPerCPUStats(raw []byte) (uint64, error) {
	if len(raw)%8 != 0 {
		return 0, fmt.Errorf("maps: per-cpu stat value %d bytes not a multiple of 8", len(raw))
	}
	var total uint64
	for i := 0; i+8 <= len(raw); i += 8 {
		total += byteOrder.Uint64(raw[i : i+8])
	}
	return total, nil
}
