// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/kcgroup/telemetry-agent/pkg/performance"
	"github.com/kcgroup/telemetry-agent/pkg/performance/collectors"
)

var (
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
	benchMode  = flag.Bool("bench", false, "Run repeated drain-cycle benchmarks")
	iterations = flag.Int("iterations", 10, "Number of drain cycles to time")
	showData   = flag.Bool("show-data", false, "Show collected data (can be large)")
	bpfObject  = flag.String("bpf-object", "", "Path to the compiled cgroup telemetry BPF object (empty uses config default)")
	timeout    = flag.Duration("timeout", 30*time.Second, "Timeout waiting for a drain cycle")
)

func main() {
	flag.Parse()

	fmt.Printf("Cgroup Telemetry Collector Benchmark Tool\n")
	fmt.Printf("==========================================\n")
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Go version: %s\n\n", runtime.Version())

	if runtime.GOOS != "linux" {
		fmt.Printf("Error: this tool requires Linux; the collector attaches eBPF programs via /sys/fs/bpf and tracepoints.\n")
		os.Exit(1)
	}

	config := performance.DefaultCollectionConfig()
	logger := logr.Discard()

	collector, err := collectors.NewCgroupTelemetryCollector(logger, config, *bpfObject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create cgroup telemetry collector: %v\n", err)
		os.Exit(1)
	}

	caps := collector.Capabilities()
	fmt.Printf("Collector: %s (%s)\n", collector.Name(), collector.Type())
	fmt.Printf("Requires root: %v, requires eBPF: %v, min kernel: %s\n\n",
		caps.RequiresRoot, caps.RequiresEBPF, caps.MinKernelVersion)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dataChan, err := collector.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start collector: %v\n", err)
		os.Exit(1)
	}
	defer collector.Stop()

	result := drainOne(ctx, dataChan)
	printResult(result)

	if *benchMode {
		fmt.Printf("\nRunning %d drain-cycle timings\n", *iterations)
		fmt.Printf("==============================\n")
		runBenchmarks(ctx, dataChan)
	}

	if result.Error != nil {
		os.Exit(1)
	}
}

type drainResult struct {
	Duration time.Duration
	Count    int
	Error    error
	Sample   any
}

func drainOne(ctx context.Context, dataChan <-chan any) drainResult {
	start := time.Now()
	select {
	case data := <-dataChan:
		return drainResult{Duration: time.Since(start), Count: 1, Sample: data}
	case <-ctx.Done():
		return drainResult{Duration: time.Since(start), Error: ctx.Err()}
	}
}

func printResult(r drainResult) {
	fmt.Printf("First drain cycle: %v\n", r.Duration)
	if r.Error != nil {
		fmt.Printf("   Error: %v\n", r.Error)
		return
	}
	if *showData {
		fmt.Printf("   Data: %+v\n", r.Sample)
	}
}

func runBenchmarks(ctx context.Context, dataChan <-chan any) {
	var durations []time.Duration
	successCount := 0

	for i := 0; i < *iterations; i++ {
		r := drainOne(ctx, dataChan)
		durations = append(durations, r.Duration)
		if r.Error == nil {
			successCount++
		}
		if *verbose {
			status := "ok"
			if r.Error != nil {
				status = "fail"
			}
			fmt.Printf("   Cycle %d: %v %s\n", i+1, r.Duration, status)
		}
		if r.Error != nil {
			break
		}
	}

	if len(durations) == 0 {
		return
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := total / time.Duration(len(durations))
	min := durations[0]
	max := durations[len(durations)-1]
	median := durations[len(durations)/2]

	fmt.Printf("   Success Rate: %d/%d\n", successCount, len(durations))
	fmt.Printf("   Average: %v\n", avg)
	fmt.Printf("   Median:  %v\n", median)
	fmt.Printf("   Min:     %v\n", min)
	fmt.Printf("   Max:     %v\n", max)
}
