// Package metrics declares the prometheus collectors of the backend and the inbox client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wirechat"

var (
	// WSConnections is the number of open backend websocket connections.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})

	// MessagesStored counts messages persisted by the backend, by origin.
	MessagesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "messages_stored_total",
		Help:      "Messages persisted, by origin (send, create_thread, replay).",
	}, []string{"origin"})

	// EventsDropped counts push events dropped for slow websocket consumers.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "events_dropped_total",
		Help:      "Push events dropped because a client queue was full.",
	})

	// Reconnects counts push channel reconnect attempts by the client.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "reconnects_total",
		Help:      "Push channel reconnect attempts.",
	})

	// Polls counts polling fallback rounds by result.
	Polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "polls_total",
		Help:      "Polling fallback rounds, by result (ok, error).",
	}, []string{"result"})

	// Sends counts optimistic send outcomes.
	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "sends_total",
		Help:      "Optimistic sends, by result (sent, failed, rejected).",
	}, []string{"result"})

	// HeuristicMatches counts pending messages reconciled without a correlation token.
	HeuristicMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "heuristic_matches_total",
		Help:      "Pending messages collapsed by the sender/text/time fallback match.",
	})
)

func init() {
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(MessagesStored)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(Reconnects)
	prometheus.MustRegister(Polls)
	prometheus.MustRegister(Sends)
	prometheus.MustRegister(HeuristicMatches)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
