package observability

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memoryAllocMb"`
	MemorySysMB   float64 `json:"memorySysMb"`
	GCCount       uint32  `json:"gcCount"`
}

// CollectRuntimeMetrics reads the current runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// Sampler periodically writes runtime metrics and the live connection count
// to a MetricsManager.
type Sampler struct {
	mm          *MetricsManager
	interval    time.Duration
	connections func() int
	logger      *slog.Logger
}

// NewSampler returns a sampler. connections may be nil. Recommended
// interval: 15s.
func NewSampler(mm *MetricsManager, interval time.Duration, connections func() int, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{mm: mm, interval: interval, connections: connections, logger: logger}
}

// Sample records one datapoint per metric.
func (s *Sampler) Sample() {
	m := CollectRuntimeMetrics()
	s.mm.RecordSimple(MetricGoroutines, float64(m.Goroutines), "count")
	s.mm.RecordSimple(MetricMemoryAllocMB, m.MemoryAllocMB, "megabytes")
	if s.connections != nil {
		s.mm.RecordSimple(MetricConnections, float64(s.connections()), "count")
	}
}

// Run samples immediately, then every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sampler: stopped")
			return nil
		case <-ticker.C:
			s.Sample()
		}
	}
}
