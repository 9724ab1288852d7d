// Package bench — tracelatency/main.go
//
// Trace append latency measurement tool, adapted from the reference
// agent's bench/cmd/latency containment-latency harness.
//
// Measures the wall-clock time of internal/trace.Writer.WriteRecord
// under the flush-per-record discipline spec §9 Design Notes requires
// ("accept the cost because the evidentiary property is non-negotiable").
//
// Method:
//  1. Opens a fresh trace file in a temporary directory.
//  2. Appends N STATE_TRANSITION records in a tight loop, timing each
//     WriteRecord call with time.Now()/time.Since (CLOCK_MONOTONIC on
//     Linux) around the call, which includes the fsync(2) the writer
//     issues per record.
//  3. Results are written to a CSV file.
//
// The measurement includes:
//   - JSON encode + canonicalize + SHA-256 per record
//   - write(2) + fsync(2) to the underlying trace file
//
// It does NOT include:
//   - FSM predicate evaluation or side-effect dispatch time
//   - Go runtime scheduling overhead (mitigated by runtime.LockOSThread)
//
// Output CSV columns:
//   iteration, latency_us
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/tristochief/niols/internal/trace"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of trace records to append and measure")
	outputFile := flag.String("output", "tracelatency_raw.csv", "Output CSV file path")
	traceDir := flag.String("dir", "", "Directory to hold the scratch trace file (default: a temp dir)")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dir := *traceDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "niols-tracelatency-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdtemp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	w, err := trace.Open(filepath.Join(dir, "trace.jsonl"), "benchsession0000000000000000000", trace.NewSystemClock(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trace.Open: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	csvw := csv.NewWriter(f)
	defer csvw.Flush()
	_ = csvw.Write([]string{"iteration", "latency_us"})

	var p50Bucket [100001]int // histogram buckets: 0-100000us

	for i := 0; i < *iterations; i++ {
		start := time.Now()
		_, err := w.WriteRecord(trace.WriteInput{
			EventType: trace.EventStateTransition,
			StateFrom: "EMIT_READY",
			StateTo:   "EMITTING",
			EventData: map[string]interface{}{"iteration": i},
		})
		latency := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WriteRecord #%d: %v\n", i, err)
			os.Exit(1)
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p50Bucket) {
			p50Bucket[latencyUs]++
		}
		_ = csvw.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(p50Bucket[:], *iterations)

	fmt.Printf("Trace Append Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
