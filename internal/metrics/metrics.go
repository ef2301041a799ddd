// Package metrics exposes the bridge's Prometheus collectors, grounded on
// a prom.NewRegistry/Observer shape: a registry constructor and a struct of
// named collectors registered once up front, covering writes, saturation,
// cache hit/miss, push outcomes, and session state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry, isolated from the
// global default registry so tests can spin up independent instances.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns an HTTP handler exposing reg in the text exposition
// format, mounted at GET /metrics by internal/httpapi.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer holds every collector the bridge writes to. Each write site is
// one of the goroutines that already touches the structure being
// measured (the sender pumper, the cache, the awaiter registry) — no
// separate observer goroutine polling internal state.
type Observer struct {
	reg *prometheus.Registry

	writesTotal       *prometheus.CounterVec
	writeGapSeconds   prometheus.Histogram
	awaitersSaturated *prometheus.CounterVec
	cacheHitTotal     *prometheus.CounterVec
	cacheMissTotal    *prometheus.CounterVec
	pushEventsTotal   *prometheus.CounterVec
	sessionState      prometheus.Gauge
}

// NewObserver registers every qlink_* collector on reg.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		reg: reg,
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qlink_writes_total",
			Help: "Commands written to the controller, by command token.",
		}, []string{"command"}),
		writeGapSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qlink_write_gap_seconds",
			Help:    "Observed gap between consecutive writes to the controller.",
			Buckets: prometheus.DefBuckets,
		}),
		awaitersSaturated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qlink_awaiters_saturated_total",
			Help: "Requests rejected because a key's awaiter list was at capacity.",
		}, []string{"kind"}),
		cacheHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qlink_cache_hit_total",
			Help: "Read operations served from cache or push-state without a wire write.",
		}, []string{"kind"}),
		cacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qlink_cache_miss_total",
			Help: "Read operations that required a live wire request.",
		}, []string{"kind"}),
		pushEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qlink_push_events_total",
			Help: "Unsolicited SW push events, by pipeline outcome.",
		}, []string{"outcome"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qlink_session_state",
			Help: "Session state: 0=disconnected 1=connecting 2=connected 3=draining.",
		}),
	}
	reg.MustRegister(
		o.writesTotal,
		o.writeGapSeconds,
		o.awaitersSaturated,
		o.cacheHitTotal,
		o.cacheMissTotal,
		o.pushEventsTotal,
		o.sessionState,
	)
	return o
}

// Registry returns the registry o was constructed with, for mounting
// Handler at GET /metrics.
func (o *Observer) Registry() *prometheus.Registry { return o.reg }

func (o *Observer) ObserveWrite(label string, gap time.Duration) {
	o.writesTotal.WithLabelValues(label).Inc()
	if gap > 0 {
		o.writeGapSeconds.Observe(gap.Seconds())
	}
}

func (o *Observer) AwaiterSaturated(kind string) {
	o.awaitersSaturated.WithLabelValues(kind).Inc()
}

func (o *Observer) CacheHit(kind string) {
	o.cacheHitTotal.WithLabelValues(kind).Inc()
}

func (o *Observer) CacheMiss(kind string) {
	o.cacheMissTotal.WithLabelValues(kind).Inc()
}

func (o *Observer) PushEvent(outcome string) {
	o.pushEventsTotal.WithLabelValues(outcome).Inc()
}

// Session state gauge values, matching internal/session's state names.
const (
	SessionStateDisconnected = 0
	SessionStateConnecting   = 1
	SessionStateConnected    = 2
	SessionStateDraining     = 3
)

func (o *Observer) SetSessionState(v float64) {
	o.sessionState.Set(v)
}
