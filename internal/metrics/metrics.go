// Package metrics exposes simutraced's Prometheus registry, grounded
// on the teacher's own Prometheus wiring in cli/command_server_start.go
// (a private registry plus the standard process/Go collectors,
// served over an HTTP mux rather than the default global registry).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simutrace/simutrace/internal/errkind"
)

// Registry bundles the gauges and counters the server publishes for
// its session/store/stream/work-queue state (§4.D, §4.E, §4.H).
type Registry struct {
	reg *prometheus.Registry

	SessionCount   prometheus.Gauge
	OpenStoreCount prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	SegmentsInUse  *prometheus.GaugeVec
	RequestsTotal  *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
}

// New builds a Registry with the standard process/Go collectors plus
// the server's own metric families, all registered against a private
// registry rather than the global default one.
func New() (*Registry, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "register process collector")
	}

	if err := reg.Register(prometheus.NewGoCollector()); err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "register go collector")
	}

	r := &Registry{
		reg: reg,
		SessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simutrace",
			Name:      "sessions_open",
			Help:      "Number of sessions currently registered with the server.",
		}),
		OpenStoreCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simutrace",
			Name:      "stores_open",
			Help:      "Number of distinct store paths currently open (deduplicated across sessions).",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simutrace",
			Name:      "workqueue_depth",
			Help:      "Pending work items per priority worker pool.",
		}, []string{"pool", "priority"}),
		SegmentsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simutrace",
			Name:      "segments_in_use",
			Help:      "Segment lines currently allocated out of a stream buffer pool.",
		}, []string{"buffer"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simutrace",
			Name:      "requests_total",
			Help:      "RPC requests handled, by control code.",
		}, []string{"control_code"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simutrace",
			Name:      "request_errors_total",
			Help:      "RPC requests that returned an error, by control code and error kind.",
		}, []string{"control_code", "kind"}),
	}

	for _, c := range []prometheus.Collector{
		r.SessionCount, r.OpenStoreCount, r.QueueDepth, r.SegmentsInUse, r.RequestsTotal, r.RequestErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errkind.Wrap(err, errkind.Platform, "register server metric")
		}
	}

	return r, nil
}

// Handler returns the HTTP handler serving this registry in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
