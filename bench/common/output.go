package common

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// BenchmarkResult holds the formatted results of one phase.
type BenchmarkResult struct {
	Phase               string  `json:"phase"`
	Duration            string  `json:"duration"`
	Operations          int64   `json:"operations"`
	Entries             int64   `json:"entries"`
	Bytes               int64   `json:"bytes"`
	OperationsPerSecond float64 `json:"operations_per_second"`
	EntriesPerSecond    float64 `json:"entries_per_second"`
	LatencyMin          string  `json:"latency_min,omitempty"`
	LatencyMean         string  `json:"latency_mean,omitempty"`
	LatencyP50          string  `json:"latency_p50,omitempty"`
	LatencyP95          string  `json:"latency_p95,omitempty"`
	LatencyP99          string  `json:"latency_p99,omitempty"`
	LatencyMax          string  `json:"latency_max,omitempty"`
	Errors              int64   `json:"errors"`
}

// NewResult summarizes stats for the named phase.
func NewResult(phase string, stats *Stats) BenchmarkResult {
	result := BenchmarkResult{
		Phase:               phase,
		Duration:            stats.Duration().String(),
		Operations:          stats.Operations(),
		Entries:             stats.Entries(),
		Bytes:               stats.Bytes(),
		OperationsPerSecond: stats.OperationsPerSecond(),
		EntriesPerSecond:    stats.EntriesPerSecond(),
		Errors:              stats.Errors(),
	}
	if stats.LatencyCount() > 0 {
		result.LatencyMin = stats.LatencyMin().String()
		result.LatencyMean = stats.LatencyMean().String()
		result.LatencyP50 = stats.LatencyPercentile(50).String()
		result.LatencyP95 = stats.LatencyPercentile(95).String()
		result.LatencyP99 = stats.LatencyPercentile(99).String()
		result.LatencyMax = stats.LatencyMax().String()
	}
	return result
}

// PrintResults writes results to w as text or JSON.
func PrintResults(w io.Writer, format string, results ...BenchmarkResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintln(tw, "")
		fmt.Fprintf(tw, "=== %s ===\n", r.Phase)
		fmt.Fprintln(tw, "")
		fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration)
		fmt.Fprintf(tw, "Operations:\t%s\n", humanize.Comma(r.Operations))
		fmt.Fprintf(tw, "Entries:\t%s\n", humanize.Comma(r.Entries))
		fmt.Fprintf(tw, "Bytes:\t%s\n", humanize.Bytes(uint64(r.Bytes)))
		fmt.Fprintf(tw, "Throughput:\t%s ops/sec, %s entries/sec\n",
			humanize.CommafWithDigits(r.OperationsPerSecond, 2), humanize.CommafWithDigits(r.EntriesPerSecond, 2))
		if r.LatencyP50 != "" {
			fmt.Fprintln(tw, "")
			fmt.Fprintln(tw, "--- Latency ---")
			fmt.Fprintf(tw, "Min:\t%s\n", r.LatencyMin)
			fmt.Fprintf(tw, "Mean:\t%s\n", r.LatencyMean)
			fmt.Fprintf(tw, "P50:\t%s\n", r.LatencyP50)
			fmt.Fprintf(tw, "P95:\t%s\n", r.LatencyP95)
			fmt.Fprintf(tw, "P99:\t%s\n", r.LatencyP99)
			fmt.Fprintf(tw, "Max:\t%s\n", r.LatencyMax)
		}
		fmt.Fprintln(tw, "")
		fmt.Fprintf(tw, "Errors:\t%d\n", r.Errors)
	}
	fmt.Fprintln(tw, "")
	return tw.Flush()
}
