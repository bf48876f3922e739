package plugin

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/quillhost/internal/plugin/event"
)

// Metrics holds the registry's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PluginsByState   *prometheus.GaugeVec
	LoadsTotal       *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec
	HookDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PluginsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quillhost",
			Name:      "plugins",
			Help:      "Number of discovered plugins by lifecycle state",
		}, []string{"state"}),
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quillhost",
			Name:      "plugin_loads_total",
			Help:      "Plugin load attempts by result",
		}, []string{"plugin", "result"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quillhost",
			Name:      "events_dispatched_total",
			Help:      "Events fanned out to plugins by type",
		}, []string{"event_type"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quillhost",
			Name:      "plugin_hook_duration_seconds",
			Help:      "Duration of runner calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
	}
	reg.MustRegister(m.PluginsByState, m.LoadsTotal, m.EventsDispatched, m.HookDuration)
	return m
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordLoad(pluginID string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LoadsTotal.WithLabelValues(pluginID, result).Inc()
}

func (m *Metrics) recordEvent(t event.Type) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) observeHook(phase string, d time.Duration) {
	if m != nil {
		m.HookDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

func (m *Metrics) setStates(counts map[State]int) {
	if m == nil {
		return
	}
	for _, s := range States() {
		m.PluginsByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
