package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guesstimator"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Set bundles every metric group of the server so it can be handed around as
// one value.
type Set struct {
	HTTP      *HTTPMetrics
	WebSocket *WebSocketMetrics
	Actions   *ActionMetrics
	Broadcast *BroadcastMetrics
	Sweep     *SweepMetrics
	Store     *StoreMetrics
	Errors    *ErrorMetrics
}

// NewSet registers all metric groups on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		HTTP:      NewHTTPMetrics(reg),
		WebSocket: NewWebSocketMetrics(reg),
		Actions:   NewActionMetrics(reg),
		Broadcast: NewBroadcastMetrics(reg),
		Sweep:     NewSweepMetrics(reg),
		Store:     NewStoreMetrics(reg),
		Errors:    NewErrorMetrics(reg),
	}
}
