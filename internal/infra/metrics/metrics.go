package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

const namespace = "compliance"

// Metrics holds every collector of the service on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	scansCreated     *prometheus.CounterVec
	scansFinished    *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	progressIngested prometheus.Counter
	scansReaped      prometheus.Counter
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg; a nil reg gets a fresh registry
// with the go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		reg: reg,
		scansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_created_total",
			Help:      "Counter tracking created scans by benchmark",
		}, []string{"benchmark"}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Counter tracking scans reaching a terminal status",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Histogram tracking scan run time from start to terminal status",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		progressIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_updates_total",
			Help:      "Counter tracking applied progress updates",
		}),
		scansReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_reaped_total",
			Help:      "Counter tracking zombie scans failed by the reaper",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Counter tracking HTTP requests",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram tracking HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.scansCreated,
		m.scansFinished,
		m.scanDuration,
		m.progressIngested,
		m.scansReaped,
		m.requestsTotal,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) ScanCreated(benchmark string) {
	m.scansCreated.WithLabelValues(benchmark).Inc()
}

func (m *Metrics) ScanFinished(status domain.Status, d time.Duration) {
	m.scansFinished.WithLabelValues(string(status)).Inc()
	if d > 0 {
		m.scanDuration.WithLabelValues(string(status)).Observe(d.Seconds())
	}
}

func (m *Metrics) ProgressIngested() {
	m.progressIngested.Inc()
}

func (m *Metrics) ScansReaped(n int) {
	m.scansReaped.Add(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
