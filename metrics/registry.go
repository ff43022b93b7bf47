// Package metrics turns the original library's global error-stats
// struct (spec.md Design Note §9) into an installable api.ErrorObserver,
// and exposes cache/connection/async-file collectors for an embedder to
// update; no package in this module updates them itself. The collectors
// sit behind a small facade, the way github.com/nabbar/golib/prometheus
// wires github.com/prometheus/client_golang collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhttpd/ember/api"
)

// Registry is a Prometheus-backed api.ErrorObserver, used only when an
// embedder installs it, and the home for the counters/gauges listed
// below.
type Registry struct {
	reg *prometheus.Registry

	errorsByCode *prometheus.CounterVec

	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge
	CacheEntries   prometheus.Gauge

	AsyncFileInFlight prometheus.Gauge
	AsyncFileRejected prometheus.Counter
}

// New creates a Registry with all collectors registered against a
// fresh, private prometheus.Registry so embedding an instance does not
// clash with an application's default registerer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Name:      "errors_total",
			Help:      "Count of fatal errors observed by error taxonomy code.",
		}, []string{"code"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember", Name: "active_connections", Help: "Currently open connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember", Name: "connections_total", Help: "Connections accepted since start.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember", Name: "cache_hits_total", Help: "Static file cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember", Name: "cache_misses_total", Help: "Static file cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember", Name: "cache_evictions_total", Help: "Static file cache LRU evictions.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember", Name: "cache_bytes", Help: "Bytes currently held by the static file cache.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember", Name: "cache_entries", Help: "Entries currently held by the static file cache.",
		}),
		AsyncFileInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember", Name: "async_file_inflight", Help: "In-flight async file read requests.",
		}),
		AsyncFileRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember", Name: "async_file_rejected_total", Help: "Async file reads rejected by the concurrency ceiling.",
		}),
	}

	reg.MustRegister(
		r.errorsByCode, r.ActiveConnections, r.ConnectionsTotal,
		r.CacheHits, r.CacheMisses, r.CacheEvictions, r.CacheBytes, r.CacheEntries,
		r.AsyncFileInFlight, r.AsyncFileRejected,
	)
	return r
}

// ObserveError implements api.ErrorObserver.
func (r *Registry) ObserveError(code api.Code) {
	r.errorsByCode.WithLabelValues(code.String()).Inc()
}

// Gatherer exposes the private registry for an embedder's /metrics
// handler (e.g. promhttp.HandlerFor(reg.Gatherer(), ...)).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

var _ api.ErrorObserver = (*Registry)(nil)
