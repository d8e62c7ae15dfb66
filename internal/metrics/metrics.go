package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_connection_state",
		Help: "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting",
	})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_ws_reconnects_total",
		Help: "Scheduled reconnect attempts",
	})
	OutboundQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_outbound_queue",
		Help: "Envelopes waiting for a connection",
	})
	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_ws_protocol_errors_total",
		Help: "Inbound frames dropped as malformed",
	})
	EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_emitted_total",
		Help: "Events published to observers",
	}, []string{"type"})
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Optimistic sends that ended failed",
	})
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionState, Reconnects, OutboundQueue, ProtocolErrors, EventsEmitted, SendFailures)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
