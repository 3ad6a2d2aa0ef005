// Package metrics exports the supervisor's pool events to Prometheus and
// summarizes a run when the supervisor exits.
//
// Metrics are registered per Collector on a caller-supplied Registerer, so
// several supervisors (or tests) never share global state.
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// Metric names; the status scraper reads them back.
const (
	MetricInfo               = "prefork_info"
	MetricWorkersTarget      = "prefork_workers_target"
	MetricWorkersLive        = "prefork_workers_live"
	MetricForksTotal         = "prefork_worker_forks_total"
	MetricExitsTotal         = "prefork_worker_exits_total"
	MetricStartupSeconds     = "prefork_worker_startup_seconds"
	MetricHeartbeatGap       = "prefork_heartbeat_gap_seconds"
	MetricHeartbeatTimeouts  = "prefork_heartbeat_timeouts_total"
	MetricReplacementsTotal  = "prefork_replacements_total"
	MetricReplacementSeconds = "prefork_replacement_duration_seconds"
)

// Collector implements supervisor.Recorder.
type Collector struct {
	target       prometheus.Gauge
	live         prometheus.Gauge
	forks        prometheus.Counter
	exits        *prometheus.CounterVec
	startup      prometheus.Histogram
	heartbeatGap prometheus.Histogram
	timeouts     prometheus.Counter
	replacements *prometheus.CounterVec
	replaceTime  prometheus.Histogram

	mu           sync.Mutex
	startTime    time.Time
	peakLive     int
	totalForks   int64
	exitReasons  map[string]int64
	totalTimeout int64
	replaceOK    int64
	replaceFail  int64
	gapDigest    *tdigest.TDigest
	uptimeDigest *tdigest.TDigest
	startDigest  *tdigest.TDigest
	gapSamples   int
	readySamples int
}

var _ supervisor.Recorder = (*Collector)(nil)

// NewCollector creates a collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer, version string) (*Collector, error) {
	c := &Collector{
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricWorkersTarget,
			Help: "Target number of workers",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricWorkersLive,
			Help: "Workers currently in the live set",
		}),
		forks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricForksTotal,
			Help: "Worker processes forked",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricExitsTotal,
			Help: "Worker exits by reason (timeout, replace, shutdown, crash)",
		}, []string{"reason"}),
		startup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricStartupSeconds,
			Help:    "Time from fork until the worker reported listening",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		heartbeatGap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricHeartbeatGap,
			Help:    "Time between consecutive heartbeats of a worker",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 5, 10},
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricHeartbeatTimeouts,
			Help: "Workers declared unresponsive",
		}),
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReplacementsTotal,
			Help: "Rolling replacements by trigger and result",
		}, []string{"reason", "result"}),
		replaceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricReplacementSeconds,
			Help:    "Duration of rolling replacements",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		startTime:    time.Now(),
		exitReasons:  make(map[string]int64),
		gapDigest:    tdigest.NewWithCompression(100),
		uptimeDigest: tdigest.NewWithCompression(100),
		startDigest:  tdigest.NewWithCompression(100),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        MetricInfo,
		Help:        "Information about the supervisor (value always 1)",
		ConstLabels: prometheus.Labels{"version": version},
	})
	info.Set(1)

	for _, col := range []prometheus.Collector{
		info, c.target, c.live, c.forks, c.exits, c.startup,
		c.heartbeatGap, c.timeouts, c.replacements, c.replaceTime,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WorkerForked records a fork.
func (c *Collector) WorkerForked(int, int) {
	c.forks.Inc()
	c.mu.Lock()
	c.totalForks++
	c.mu.Unlock()
}

// WorkerReady records the startup latency of a worker.
func (c *Collector) WorkerReady(_ int, startup time.Duration) {
	c.startup.Observe(startup.Seconds())
	c.mu.Lock()
	c.startDigest.Add(startup.Seconds(), 1)
	c.readySamples++
	c.mu.Unlock()
}

// WorkerExited records an exit and the worker's uptime.
func (c *Collector) WorkerExited(_ int, reason string, uptime time.Duration) {
	c.exits.WithLabelValues(reason).Inc()
	c.mu.Lock()
	c.exitReasons[reason]++
	c.uptimeDigest.Add(uptime.Seconds(), 1)
	c.mu.Unlock()
}

// HeartbeatObserved records the gap since the worker's previous heartbeat.
func (c *Collector) HeartbeatObserved(_ int, gap time.Duration) {
	c.heartbeatGap.Observe(gap.Seconds())
	c.mu.Lock()
	c.gapDigest.Add(gap.Seconds(), 1)
	c.gapSamples++
	c.mu.Unlock()
}

// HeartbeatTimedOut records an unresponsive worker.
func (c *Collector) HeartbeatTimedOut(int) {
	c.timeouts.Inc()
	c.mu.Lock()
	c.totalTimeout++
	c.mu.Unlock()
}

// ReplacementFinished records a rolling replacement.
func (c *Collector) ReplacementFinished(reason supervisor.KillReason, _ int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.replacements.WithLabelValues(string(reason), result).Inc()
	c.replaceTime.Observe(elapsed.Seconds())

	c.mu.Lock()
	if err != nil {
		c.replaceFail++
	} else {
		c.replaceOK++
	}
	c.mu.Unlock()
}

// PoolChanged records the live and target pool sizes.
func (c *Collector) PoolChanged(live, target int) {
	c.live.Set(float64(live))
	c.target.Set(float64(target))
	c.mu.Lock()
	if live > c.peakLive {
		c.peakLive = live
	}
	c.mu.Unlock()
}

// Summary is the end-of-run report.
type Summary struct {
	Duration            time.Duration
	PeakLiveWorkers     int
	TotalForks          int64
	Exits               map[string]int64
	HeartbeatTimeouts   int64
	Replacements        int64
	FailedReplacements  int64
	HeartbeatGapSamples int
	HeartbeatGapP50     time.Duration
	HeartbeatGapP99     time.Duration
	StartupP50          time.Duration
	StartupP95          time.Duration
	UptimeP50           time.Duration
	UptimeP95           time.Duration
	UptimeP99           time.Duration
}

// Crashes returns the number of unrequested exits.
func (s *Summary) Crashes() int64 {
	return s.Exits[supervisor.ExitCrash]
}

// GenerateSummary creates a summary of the run so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:            time.Since(c.startTime),
		PeakLiveWorkers:     c.peakLive,
		TotalForks:          c.totalForks,
		Exits:               make(map[string]int64, len(c.exitReasons)),
		HeartbeatTimeouts:   c.totalTimeout,
		Replacements:        c.replaceOK,
		FailedReplacements:  c.replaceFail,
		HeartbeatGapSamples: c.gapSamples,
	}
	for reason, n := range c.exitReasons {
		s.Exits[reason] = n
	}

	if c.gapSamples > 0 {
		s.HeartbeatGapP50 = quantile(c.gapDigest, 0.50)
		s.HeartbeatGapP99 = quantile(c.gapDigest, 0.99)
	}
	if c.readySamples > 0 {
		s.StartupP50 = quantile(c.startDigest, 0.50)
		s.StartupP95 = quantile(c.startDigest, 0.95)
	}
	if len(c.exitReasons) > 0 {
		s.UptimeP50 = quantile(c.uptimeDigest, 0.50)
		s.UptimeP95 = quantile(c.uptimeDigest, 0.95)
		s.UptimeP99 = quantile(c.uptimeDigest, 0.99)
	}
	return s
}

func quantile(d *tdigest.TDigest, q float64) time.Duration {
	return time.Duration(d.Quantile(q) * float64(time.Second))
}
