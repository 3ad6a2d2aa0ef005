package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PoolMetrics is what a remote supervisor reports on its /metrics endpoint.
type PoolMetrics struct {
	Version           string
	Target            int
	Live              int
	Forks             int64
	Exits             map[string]int64
	HeartbeatTimeouts int64
	Replacements      int64
	FailedReplaces    int64
	MeanStartup       time.Duration
	MeanHeartbeatGap  time.Duration
	Workers           WorkerTotals
}

// WorkerTotals are per-worker metrics summed across the pool.
type WorkerTotals struct {
	Reporting       int
	OpenConnections float64
	RequestsTotal   float64
	ResidentBytes   float64
}

// Scraper reads a supervisor's metrics endpoint.
type Scraper struct {
	url        string
	httpClient *http.Client
}

// NewScraper creates a scraper for the Prometheus text endpoint at url.
func NewScraper(url string, timeout time.Duration) *Scraper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Scraper{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Scrape fetches and decodes the endpoint once.
func (s *Scraper) Scrape(ctx context.Context) (*PoolMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	families, err := decodeFamilies(resp.Body)
	if err != nil {
		return nil, err
	}
	return extractPool(families), nil
}

// decodeFamilies parses Prometheus text format.
func decodeFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.NewFormat(expfmt.TypeTextPlain))
	families := make(map[string]*dto.MetricFamily)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = &mf
	}
	return families, nil
}

func extractPool(families map[string]*dto.MetricFamily) *PoolMetrics {
	m := &PoolMetrics{
		Target:            int(gaugeValue(families[MetricWorkersTarget])),
		Live:              int(gaugeValue(families[MetricWorkersLive])),
		Forks:             int64(counterValue(families[MetricForksTotal])),
		HeartbeatTimeouts: int64(counterValue(families[MetricHeartbeatTimeouts])),
		Exits:             make(map[string]int64),
		MeanStartup:       histogramMean(families[MetricStartupSeconds]),
		MeanHeartbeatGap:  histogramMean(families[MetricHeartbeatGap]),
	}

	if mf, ok := families[MetricInfo]; ok && len(mf.GetMetric()) > 0 {
		m.Version = labelValue(mf.GetMetric()[0], "version")
	}
	if mf, ok := families[MetricExitsTotal]; ok {
		for _, metric := range mf.GetMetric() {
			m.Exits[labelValue(metric, "reason")] += int64(metric.GetCounter().GetValue())
		}
	}
	if mf, ok := families[MetricReplacementsTotal]; ok {
		for _, metric := range mf.GetMetric() {
			n := int64(metric.GetCounter().GetValue())
			if labelValue(metric, "result") == "ok" {
				m.Replacements += n
			} else {
				m.FailedReplaces += n
			}
		}
	}

	m.Workers.Reporting = len(families[MetricWorkerOpenConnections].GetMetric())
	m.Workers.OpenConnections = gaugeValue(families[MetricWorkerOpenConnections])
	m.Workers.RequestsTotal = counterValue(families[MetricWorkerRequestsTotal])
	m.Workers.ResidentBytes = gaugeValue(families[MetricWorkerResidentBytes])
	return m
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	var sum float64
	for _, metric := range mf.GetMetric() {
		sum += metric.GetGauge().GetValue()
	}
	return sum
}

func counterValue(mf *dto.MetricFamily) float64 {
	var sum float64
	for _, metric := range mf.GetMetric() {
		sum += metric.GetCounter().GetValue()
	}
	return sum
}

func histogramMean(mf *dto.MetricFamily) time.Duration {
	var sum float64
	var count uint64
	for _, metric := range mf.GetMetric() {
		h := metric.GetHistogram()
		sum += h.GetSampleSum()
		count += h.GetSampleCount()
	}
	if count == 0 {
		return 0
	}
	return time.Duration(sum / float64(count) * float64(time.Second))
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}
