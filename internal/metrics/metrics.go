// Package metrics exposes the crawl's Prometheus counters and gauges,
// grounded on etalazz-vsa's telemetry/churn package: package-level metric
// vars, eager registration in init, and a tiny ListenAndServe wrapper for
// /metrics. darc-crawler has no in-process metadata sink to generalize (the
// teacher's internal/metadata is an unimplemented stub — see DESIGN.md), so
// this package is the crawl's only structured observability surface besides
// plain logging.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "darc_queue_depth",
		Help: "Current number of entries in a queue, by queue name.",
	}, []string{"queue"})

	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darc_fetch_total",
		Help: "Total fetch attempts, by outcome.",
	}, []string{"outcome"})

	RenderTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darc_render_total",
		Help: "Total render attempts, by outcome.",
	}, []string{"outcome"})

	BootstrapTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darc_bootstrap_total",
		Help: "Total host-bootstrap attempts, by outcome.",
	}, []string{"outcome"})

	ProxyBootstrapTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darc_proxy_bootstrap_total",
		Help: "Total proxy daemon bootstrap attempts, by proxy kind and outcome.",
	}, []string{"proxy", "outcome"})

	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "darc_fetch_duration_seconds",
		Help:    "Fetch request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"proxy"})

	LinksExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "darc_links_extracted_total",
		Help: "Total links discovered via link extraction.",
	})

	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "darc_workers_active",
		Help: "Number of currently running worker goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		FetchTotal,
		RenderTotal,
		BootstrapTotal,
		ProxyBootstrapTotal,
		FetchDuration,
		LinksExtracted,
		WorkersActive,
	)
}

// Serve exposes /metrics on addr in a background goroutine and returns at
// once. A ListenAndServe error, such as a failure to bind addr, is discarded.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
