// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"testing"
	"time"
)

func TestCollectionConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    CollectionConfig
		expected CollectionConfig
	}{
		{
			name:  "empty config gets all defaults",
			input: CollectionConfig{},
			expected: CollectionConfig{
				Interval: time.Second,
				EnabledCollectors: map[MetricType]bool{
					MetricTypeCgroupTelemetry: true,
				},
				HostProcPath: "/proc",
				HostSysPath:  "/sys",
				HostDevPath:  "/dev",
			},
		},
		{
			name: "partial config keeps user values",
			input: CollectionConfig{
				Interval:     5 * time.Second,
				HostProcPath: "/custom/proc",
			},
			expected: CollectionConfig{
				Interval: 5 * time.Second, // User value kept
				EnabledCollectors: map[MetricType]bool{ // Default applied
					MetricTypeCgroupTelemetry: true,
				},
				HostProcPath: "/custom/proc", // User value kept
				HostSysPath:  "/sys",         // Default applied
				HostDevPath:  "/dev",         // Default applied
			},
		},
		{
			name: "enabled collectors partial override",
			input: CollectionConfig{
				EnabledCollectors: map[MetricType]bool{
					MetricTypeCgroupTelemetry: false,
				},
			},
			expected: CollectionConfig{
				Interval: time.Second,
				EnabledCollectors: map[MetricType]bool{
					MetricTypeCgroupTelemetry: false, // User override
				},
				HostProcPath: "/proc",
				HostSysPath:  "/sys",
				HostDevPath:  "/dev",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.input
			config.ApplyDefaults()

			// Check each field
			if config.Interval != tt.expected.Interval {
				t.Errorf("Interval = %v, want %v", config.Interval, tt.expected.Interval)
			}
			if config.HostProcPath != tt.expected.HostProcPath {
				t.Errorf("HostProcPath = %v, want %v", config.HostProcPath, tt.expected.HostProcPath)
			}
			if config.HostSysPath != tt.expected.HostSysPath {
				t.Errorf("HostSysPath = %v, want %v", config.HostSysPath, tt.expected.HostSysPath)
			}
			if config.HostDevPath != tt.expected.HostDevPath {
				t.Errorf("HostDevPath = %v, want %v", config.HostDevPath, tt.expected.HostDevPath)
			}

			// Check EnabledCollectors map
			if len(config.EnabledCollectors) != len(tt.expected.EnabledCollectors) {
				t.Errorf("EnabledCollectors length = %v, want %v", len(config.EnabledCollectors), len(tt.expected.EnabledCollectors))
			}
			for k, v := range tt.expected.EnabledCollectors {
				if config.EnabledCollectors[k] != v {
					t.Errorf("EnabledCollectors[%v] = %v, want %v", k, config.EnabledCollectors[k], v)
				}
			}
		})
	}
}

func TestCollectionConfig_ApplyDefaults_CgroupTelemetry(t *testing.T) {
	config := CollectionConfig{}
	config.ApplyDefaults()

	if config.BPFObjectPath == "" {
		t.Error("BPFObjectPath should have a default")
	}
	if config.CgroupTelemetryInterval != 10*time.Second {
		t.Errorf("CgroupTelemetryInterval = %v, want %v", config.CgroupTelemetryInterval, 10*time.Second)
	}
	if len(config.TrackedSyscalls) == 0 {
		t.Error("TrackedSyscalls should have a default allowlist")
	}

	custom := CollectionConfig{
		BPFObjectPath:           "/opt/ebpf/obj.bpf.o",
		CgroupTelemetryInterval: 30 * time.Second,
		TrackedSyscalls:         []string{"connect"},
	}
	custom.ApplyDefaults()

	if custom.BPFObjectPath != "/opt/ebpf/obj.bpf.o" {
		t.Errorf("BPFObjectPath = %v, want user value kept", custom.BPFObjectPath)
	}
	if custom.CgroupTelemetryInterval != 30*time.Second {
		t.Errorf("CgroupTelemetryInterval = %v, want user value kept", custom.CgroupTelemetryInterval)
	}
	if len(custom.TrackedSyscalls) != 1 || custom.TrackedSyscalls[0] != "connect" {
		t.Errorf("TrackedSyscalls = %v, want user value kept", custom.TrackedSyscalls)
	}
}
