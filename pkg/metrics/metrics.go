package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wagate"

// Registry holds every wagate collector. It is separate from the prometheus
// default registry so tests can read values without global side effects.
var Registry = prometheus.NewRegistry()

var (
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "whatsapp",
		Name:      "state_transitions_total",
		Help:      "Connection state transitions per session identity.",
	}, []string{"identity", "state"})

	PairingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "whatsapp",
		Name:      "pairing_events_total",
		Help:      "Pairing payloads received, by outcome (emitted, throttled, ignored).",
	}, []string{"identity", "outcome"})

	ReconnectsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "whatsapp",
		Name:      "reconnects_scheduled_total",
		Help:      "Automatic reconnect timers armed, by disconnect reason.",
	}, []string{"identity", "reason"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "results_total",
		Help:      "Outbound notification results by kind and outcome.",
	}, []string{"kind", "result"})
)

var (
	gauges    = make(map[string]prometheus.Gauge)
	gaugesMux sync.Mutex
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionTransitions,
		PairingEvents,
		ReconnectsScheduled,
		Notifications,
	)
}

// SetGauge records an instantaneous value, creating the gauge on first use.
func SetGauge(name string, value int64) {
	gaugesMux.Lock()
	g, ok := gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Gauge " + name,
		})
		if err := Registry.Register(g); err != nil {
			gaugesMux.Unlock()
			return
		}
		gauges[name] = g
	}
	gaugesMux.Unlock()
	g.Set(float64(value))
}

// Handler serves the wagate registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
