// Package metrics declares the prometheus collectors of the session hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message pipeline
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_messages_processed_total",
			Help: "Chat messages processed, by result",
		},
		[]string{"result"}, // "stored", "duplicate", "malformed"
	)

	Envelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_envelopes_total",
			Help: "Metadata envelopes handled, by message type and result",
		},
		[]string{"message_type", "result"}, // "routed", "dropped"
	)

	CallbackErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_callback_errors_total",
			Help: "Subscriber and listener callbacks that failed",
		},
		[]string{"kind"}, // "subscriber", "listener"
	)

	// Connections
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_connection_transitions_total",
			Help: "Channel status transitions, by target status",
		},
		[]string{"status"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_connect_attempts_total",
			Help: "Initial connect attempts, by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionhub_active_channels",
			Help: "Channels currently registered with the connection manager",
		},
	)

	// Outbound
	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_sends_total",
			Help: "Outbound sends, by outcome",
		},
		[]string{"outcome"}, // "success", "no_connection", "failure"
	)

	// Dev backend
	BackendInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionhub_backend_invocations_total",
			Help: "Invocations handled by the development backend, by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)
