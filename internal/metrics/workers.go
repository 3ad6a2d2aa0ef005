package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// Per-worker metric names exported by WorkerStatsCollector.
const (
	MetricWorkerOpenConnections = "prefork_worker_open_connections"
	MetricWorkerRequestsTotal   = "prefork_worker_requests_total"
	MetricWorkerResidentBytes   = "prefork_worker_resident_memory_bytes"
	MetricWorkerHeapBytes       = "prefork_worker_heap_alloc_bytes"
	MetricWorkerCPUSeconds      = "prefork_worker_cpu_seconds_total"
	MetricWorkerStatsErrors     = "prefork_worker_stats_errors"
)

// StatsSource is the part of the supervisor the collector polls.
type StatsSource interface {
	WorkersStats(ctx context.Context) ([]supervisor.WorkerStat, error)
}

// WorkerStatsCollector pulls workerStats from every live worker at scrape time
// and exports them labelled by worker id.
type WorkerStatsCollector struct {
	source  StatsSource
	timeout time.Duration

	openConns *prometheus.Desc
	requests  *prometheus.Desc
	resident  *prometheus.Desc
	heap      *prometheus.Desc
	cpu       *prometheus.Desc
	errors    *prometheus.Desc
}

// NewWorkerStatsCollector creates the collector. Each scrape waits at most
// timeout for the workers to answer.
func NewWorkerStatsCollector(source StatsSource, timeout time.Duration) *WorkerStatsCollector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	labels := []string{"worker_id", "pid"}
	return &WorkerStatsCollector{
		source:    source,
		timeout:   timeout,
		openConns: prometheus.NewDesc(MetricWorkerOpenConnections, "Open client connections of a worker", labels, nil),
		requests:  prometheus.NewDesc(MetricWorkerRequestsTotal, "Requests served by a worker", labels, nil),
		resident:  prometheus.NewDesc(MetricWorkerResidentBytes, "Resident memory of a worker", labels, nil),
		heap:      prometheus.NewDesc(MetricWorkerHeapBytes, "Go heap allocated by a worker", labels, nil),
		cpu:       prometheus.NewDesc(MetricWorkerCPUSeconds, "CPU time consumed by a worker", labels, nil),
		errors:    prometheus.NewDesc(MetricWorkerStatsErrors, "1 if the last stats poll had failures", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *WorkerStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConns
	ch <- c.requests
	ch <- c.resident
	ch <- c.heap
	ch <- c.cpu
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *WorkerStatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.WorkersStats(ctx)
	failed := 0.0
	if err != nil {
		failed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, failed)

	for _, ws := range stats {
		id, pid := strconv.Itoa(ws.ID), strconv.Itoa(ws.Pid)
		ch <- prometheus.MustNewConstMetric(c.openConns, prometheus.GaugeValue, ws.ServerStats.OpenConnections, id, pid)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, ws.ServerStats.RequestsTotal, id, pid)
		ch <- prometheus.MustNewConstMetric(c.resident, prometheus.GaugeValue, ws.MemoryUsage.ResidentBytes, id, pid)
		ch <- prometheus.MustNewConstMetric(c.heap, prometheus.GaugeValue, ws.MemoryUsage.HeapAllocBytes, id, pid)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.CounterValue, ws.CPUUsage.TotalSeconds, id, pid)
	}
}
