package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// StatsChannel is the channel name the supervisor calls to pull worker stats.
const StatsChannel = "workerStats"

// Metric names a served application exports so they appear in serverStats.
const (
	MetricOpenConnections  = "prefork_app_open_connections"
	MetricRequestsInFlight = "prefork_app_requests_in_flight"
	MetricRequestsTotal    = "prefork_app_requests_total"
)

// Stats is the workerStats response.
type Stats struct {
	CPUUsage    CPUUsage    `json:"cpuUsage"`
	MemoryUsage MemoryUsage `json:"memoryUsage"`
	ServerStats ServerStats `json:"serverStats"`
}

// CPUUsage is cumulative CPU time of the worker process.
type CPUUsage struct {
	TotalSeconds float64 `json:"totalSeconds"`
}

// MemoryUsage combines OS-level and Go runtime memory figures.
type MemoryUsage struct {
	ResidentBytes  float64 `json:"residentBytes"`
	VirtualBytes   float64 `json:"virtualBytes"`
	HeapAllocBytes float64 `json:"heapAllocBytes"`
	HeapSysBytes   float64 `json:"heapSysBytes"`
}

// ServerStats describes the served application.
type ServerStats struct {
	OpenConnections  float64 `json:"openConnections"`
	RequestsInFlight float64 `json:"requestsInFlight"`
	RequestsTotal    float64 `json:"requestsTotal"`
	Goroutines       float64 `json:"goroutines"`
}

// newRegistry builds the worker-local registry: process and Go runtime
// collectors plus whatever the application exports.
func newRegistry(app App) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	cs := []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	}
	cs = append(cs, app.Collectors()...)
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("worker: register collector: %w", err)
		}
	}
	return registry, nil
}

// GatherStats reduces the registry contents to a Stats value.
func GatherStats(g prometheus.Gatherer) (Stats, error) {
	families, err := g.Gather()
	if err != nil {
		return Stats{}, fmt.Errorf("worker: gather metrics: %w", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	return Stats{
		CPUUsage: CPUUsage{
			TotalSeconds: sumFamily(byName["process_cpu_seconds_total"]),
		},
		MemoryUsage: MemoryUsage{
			ResidentBytes:  sumFamily(byName["process_resident_memory_bytes"]),
			VirtualBytes:   sumFamily(byName["process_virtual_memory_bytes"]),
			HeapAllocBytes: sumFamily(byName["go_memstats_heap_alloc_bytes"]),
			HeapSysBytes:   sumFamily(byName["go_memstats_heap_sys_bytes"]),
		},
		ServerStats: ServerStats{
			OpenConnections:  sumFamily(byName[MetricOpenConnections]),
			RequestsInFlight: sumFamily(byName[MetricRequestsInFlight]),
			RequestsTotal:    sumFamily(byName[MetricRequestsTotal]),
			Goroutines:       sumFamily(byName["go_goroutines"]),
		},
	}, nil
}

// sumFamily adds up every sample of a counter, gauge or untyped family.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

func statsHandler(g prometheus.Gatherer) func(context.Context, json.RawMessage) (any, error) {
	return func(context.Context, json.RawMessage) (any, error) {
		return GatherStats(g)
	}
}
