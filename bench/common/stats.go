package common

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats tracks throughput and latency of one kind of operation.
type Stats struct {
	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time

	operations int64
	entries    int64
	bytes      int64
	errors     int64

	// Latency in microseconds, 1us to 60s, 3 significant figures.
	latencyHist *hdrhistogram.Histogram
}

// NewStats creates a new Stats instance with HDR histogram initialized.
func NewStats() *Stats {
	return &Stats{
		latencyHist: hdrhistogram.New(1, 60000000, 3),
	}
}

// Start begins the timing period.
func (s *Stats) Start() {
	s.startTime = time.Now()
}

// Stop ends the timing period.
func (s *Stats) Stop() {
	s.endTime = time.Now()
}

// Record records one completed operation touching entries entries and
// bytes bytes, and its latency.
func (s *Stats) Record(entries, bytes int, d time.Duration) {
	atomic.AddInt64(&s.operations, 1)
	atomic.AddInt64(&s.entries, int64(entries))
	atomic.AddInt64(&s.bytes, int64(bytes))
	s.mu.Lock()
	s.latencyHist.RecordValue(d.Microseconds())
	s.mu.Unlock()
}

// RecordError increments the error counter.
func (s *Stats) RecordError() {
	atomic.AddInt64(&s.errors, 1)
}

// Duration returns the total benchmark duration.
func (s *Stats) Duration() time.Duration {
	return s.endTime.Sub(s.startTime)
}

// Operations returns the number of completed operations.
func (s *Stats) Operations() int64 {
	return atomic.LoadInt64(&s.operations)
}

// Entries returns the number of entries written or synchronized.
func (s *Stats) Entries() int64 {
	return atomic.LoadInt64(&s.entries)
}

// Bytes returns the total entry bytes.
func (s *Stats) Bytes() int64 {
	return atomic.LoadInt64(&s.bytes)
}

// Errors returns the total error count.
func (s *Stats) Errors() int64 {
	return atomic.LoadInt64(&s.errors)
}

// OperationsPerSecond calculates the operation throughput.
func (s *Stats) OperationsPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Operations()) / duration
}

// EntriesPerSecond calculates the entry throughput.
func (s *Stats) EntriesPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Entries()) / duration
}

// LatencyPercentile returns the latency at a given percentile.
func (s *Stats) LatencyPercentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencyMean returns the mean latency.
func (s *Stats) LatencyMean() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Mean()) * time.Microsecond
}

// LatencyMin returns the minimum latency recorded.
func (s *Stats) LatencyMin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Min()) * time.Microsecond
}

// LatencyMax returns the maximum latency recorded.
func (s *Stats) LatencyMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Max()) * time.Microsecond
}

// LatencyCount returns the number of latency samples recorded.
func (s *Stats) LatencyCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyHist.TotalCount()
}
