// Package metrics collects the routing counters and latency histograms and
// exposes them over a prometheus scrape endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace          = "nextroute"
	promPipelineSubsystem  = "pipeline"
	promReconcileSubsystem = "reconcile"
	promServeSubsystem     = "serve"
)

// Options for the metrics backend.
type Options struct {

	// Prefix overrides the metric namespace.
	Prefix string

	// HistogramBuckets of the duration histograms,
	// prometheus.DefBuckets when nil.
	HistogramBuckets []float64

	// EnableRuntimeMetrics registers the go runtime and process
	// collectors.
	EnableRuntimeMetrics bool
}

// Metrics is the prometheus backend for the routing counters.
type Metrics struct {
	redirectsM     *prometheus.CounterVec
	rewritesM      *prometheus.CounterVec
	headersM       prometheus.Counter
	staticHitsM    prometheus.Counter
	dynamicHitsM   prometheus.Counter
	fallbackLoopsM prometheus.Counter
	middlewareM    *prometheus.CounterVec
	resolveM       *prometheus.HistogramVec
	responseM      *prometheus.HistogramVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New returns an initialized prometheus metrics backend.
func New(opts Options) *Metrics {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = opts.Prefix
	}

	buckets := opts.HistogramBuckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	redirects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "redirects_total",
		Help:      "The total of redirect rule matches.",
	}, []string{"code"})

	rewrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "rewrites_total",
		Help:      "The total of rewrite rule applications by phase.",
	}, []string{"phase"})

	headers := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "header_rules_total",
		Help:      "The total of header rule matches.",
	})

	staticHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "static_hits_total",
		Help:      "The total of requests resolved to a static route.",
	})

	dynamicHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "dynamic_hits_total",
		Help:      "The total of requests resolved to a dynamic route.",
	})

	fallbackLoops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "fallback_loops_total",
		Help:      "The total of aborted fallback rewrite loops.",
	})

	middleware := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promReconcileSubsystem,
		Name:      "middleware_results_total",
		Help:      "The total of reconciled middleware results by kind.",
	}, []string{"kind"})

	resolve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promPipelineSubsystem,
		Name:      "resolve_duration_seconds",
		Help:      "Duration in seconds of a pipeline stage.",
		Buckets:   buckets,
	}, []string{"stage"})

	response := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "response_duration_seconds",
		Help:      "Duration in seconds of a served response.",
		Buckets:   buckets,
	}, []string{"code", "method"})

	m := &Metrics{
		redirectsM:     redirects,
		rewritesM:      rewrites,
		headersM:       headers,
		staticHitsM:    staticHits,
		dynamicHitsM:   dynamicHits,
		fallbackLoopsM: fallbackLoops,
		middlewareM:    middleware,
		resolveM:       resolve,
		responseM:      response,
		registry:       prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.redirectsM,
		m.rewritesM,
		m.headersM,
		m.staticHitsM,
		m.dynamicHitsM,
		m.fallbackLoopsM,
		m.middlewareM,
		m.resolveM,
		m.responseM,
	)

	if opts.EnableRuntimeMetrics {
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

func sinceS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Second)
}

func (m *Metrics) IncRedirect(code int) {
	m.redirectsM.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) IncRewrite(phase string) {
	m.rewritesM.WithLabelValues(phase).Inc()
}

func (m *Metrics) IncHeaderRule() {
	m.headersM.Inc()
}

func (m *Metrics) IncStaticHit() {
	m.staticHitsM.Inc()
}

func (m *Metrics) IncDynamicHit() {
	m.dynamicHitsM.Inc()
}

func (m *Metrics) IncFallbackLoop() {
	m.fallbackLoopsM.Inc()
}

func (m *Metrics) IncMiddlewareResult(kind string) {
	m.middlewareM.WithLabelValues(kind).Inc()
}

// MeasureResolve records the duration of a pipeline stage.
func (m *Metrics) MeasureResolve(stage string, start time.Time) {
	m.resolveM.WithLabelValues(stage).Observe(sinceS(start))
}

// MeasureResponse records the duration of a served response.
func (m *Metrics) MeasureResponse(code int, method string, start time.Time) {
	m.responseM.WithLabelValues(strconv.Itoa(code), method).Observe(sinceS(start))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// RegisterHandler mounts the scrape endpoint on mux.
func (m *Metrics) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, m.handler)
}
