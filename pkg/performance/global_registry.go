// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"fmt"
	"sync"
)

// globalCollectors backs the package-level Register/GetCollector pair: each
// collectors/*.go file self-registers its factory from an init()
// (cgrouptelemetry.go is the only one in this tree), so callers like
// cmd/collector-test look collectors up by MetricType instead of naming a
// concrete constructor.
var (
	globalMu         sync.RWMutex
	globalCollectors = make(map[MetricType]NewContinuousCollector)
)

// Register adds factory to the global collector registry under metricType.
// Called from a collector package's init(); panics on a duplicate
// registration since that can only happen from a programming error at
// package-init time, not from runtime input.
func Register(metricType MetricType, factory NewContinuousCollector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if _, exists := globalCollectors[metricType]; exists {
		panic(fmt.Sprintf("performance: collector for metric type %s already registered", metricType))
	}
	globalCollectors[metricType] = factory
}

// GetCollector returns the registered factory for metricType.
func GetCollector(metricType MetricType) (NewContinuousCollector, error) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	factory, ok := globalCollectors[metricType]
	if !ok {
		return nil, fmt.Errorf("no collector registered for metric type %s", metricType)
	}
	return factory, nil
}
