// Package metrics implements the Prometheus metrics endpoint (spec §6):
// every counter, gauge, and histogram named in the metrics table, plus
// supplementary process CPU/RSS gauges gathered via gopsutil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry holds every metric this system exposes and satisfies the
// narrow Metrics interfaces defined by internal/multiplexer,
// internal/health, internal/session, and internal/fanout.
type Registry struct {
	reg *prometheus.Registry

	wsConnects           prometheus.Counter
	wsErrors             prometheus.Counter
	wsClientDrops        prometheus.Counter
	barsPushed           prometheus.Counter
	recoveryAttempts     prometheus.Counter
	successfulRecoveries prometheus.Counter
	failedRecoveries     prometheus.Counter
	fullReconnects       prometheus.Counter

	activeSubscriptions   prometheus.Gauge
	staleSubscriptions    prometheus.Gauge
	lastDataReceivedSecs  *prometheus.GaugeVec
	processCPUPercent     prometheus.Gauge
	processRSSBytes       prometheus.Gauge

	httpPushLatency prometheus.Histogram
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		wsConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connects_total", Help: "Total accepted client WebSocket connections.",
		}),
		wsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_errors_total", Help: "Total client WebSocket accept/transport errors.",
		}),
		wsClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_client_drops_total", Help: "Total frames dropped from a slow client's outbox.",
		}),
		barsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bars_pushed_total", Help: "Total bars successfully delivered to the HTTP push sink.",
		}),
		recoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_attempts_total", Help: "Total individual subscription recovery attempts.",
		}),
		successfulRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "successful_recoveries_total", Help: "Total individual recoveries that resubscribed successfully.",
		}),
		failedRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failed_recoveries_total", Help: "Total individual recoveries that failed to resubscribe.",
		}),
		fullReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "full_reconnects_total", Help: "Total health-triggered full reconnects.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_subscriptions", Help: "Current number of live upstream subscriptions.",
		}),
		staleSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stale_subscriptions", Help: "Number of subscriptions found stale on the last health scan.",
		}),
		lastDataReceivedSecs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "last_data_received_seconds", Help: "Seconds since the last bar for a given symbol/timeframe.",
		}, []string{"symbol", "timeframe"}),
		processCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent", Help: "Process CPU utilization percentage, sampled via gopsutil.",
		}),
		processRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_rss_bytes", Help: "Process resident set size in bytes, sampled via gopsutil.",
		}),
		httpPushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_push_latency_seconds",
			Help:    "Latency of each HTTP push sink attempt.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
	}

	reg.MustRegister(
		r.wsConnects, r.wsErrors, r.wsClientDrops, r.barsPushed,
		r.recoveryAttempts, r.successfulRecoveries, r.failedRecoveries, r.fullReconnects,
		r.activeSubscriptions, r.staleSubscriptions, r.lastDataReceivedSecs,
		r.processCPUPercent, r.processRSSBytes,
		r.httpPushLatency,
	)
	return r
}

// Handler returns the /metrics HTTP handler (spec §6, default port 9100).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// --- internal/multiplexer.Metrics ---

func (r *Registry) SetActiveSubscriptions(n int) { r.activeSubscriptions.Set(float64(n)) }

// --- internal/health.Metrics ---

func (r *Registry) SetLastDataReceivedSeconds(symbol, timeframe string, seconds float64) {
	r.lastDataReceivedSecs.WithLabelValues(symbol, timeframe).Set(seconds)
}
func (r *Registry) SetStaleSubscriptions(n int)  { r.staleSubscriptions.Set(float64(n)) }
func (r *Registry) IncRecoveryAttempts()         { r.recoveryAttempts.Inc() }
func (r *Registry) IncSuccessfulRecoveries()     { r.successfulRecoveries.Inc() }
func (r *Registry) IncFailedRecoveries()         { r.failedRecoveries.Inc() }
func (r *Registry) IncFullReconnects()           { r.fullReconnects.Inc() }

// --- internal/session.Metrics ---

func (r *Registry) IncWSConnects()     { r.wsConnects.Inc() }
func (r *Registry) IncWSErrors()       { r.wsErrors.Inc() }
func (r *Registry) IncWSClientDrops()  { r.wsClientDrops.Inc() }

// --- internal/fanout.Metrics ---

func (r *Registry) IncBarsPushed()                          { r.barsPushed.Inc() }
func (r *Registry) ObserveHTTPPushLatency(seconds float64)   { r.httpPushLatency.Observe(seconds) }

// SampleProcess refreshes the process_cpu_percent and process_rss_bytes
// gauges via gopsutil. Intended to be called periodically (e.g. every 10s)
// by the process's own ticker, grounded on adred-codev-ws_poc's
// internal/metrics/system.go CPU-sampling approach.
func (r *Registry) SampleProcess(pid int32) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	if pct, err := proc.CPUPercent(); err == nil {
		r.processCPUPercent.Set(pct)
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		r.processRSSBytes.Set(float64(mem.RSS))
	}
}

// StartProcessSampler runs SampleProcess on a ticker until stop is closed.
func (r *Registry) StartProcessSampler(pid int32, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.SampleProcess(pid)
			}
		}
	}()
}
