// Package metrics exposes prometheus instrumentation for the voice core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconnectAttempts counts transport reconnect attempts since start.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "transport",
		Name:      "reconnect_attempts_total",
		Help:      "Number of transport reconnect attempts.",
	})

	// DroppedPublishes counts fire-and-forget publishes dropped while
	// the transport was not connected.
	DroppedPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "transport",
		Name:      "dropped_publishes_total",
		Help:      "Number of publishes dropped because the transport was not connected.",
	})

	// ActivePeers tracks the size of the peer mesh.
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "active_peers",
		Help:      "Number of live peer connections in the active channel.",
	})

	// TransmissionToggles counts local transmission state changes.
	TransmissionToggles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "session",
		Name:      "transmission_toggles_total",
		Help:      "Number of local transmitting on/off transitions.",
	})

	// VADTransitions counts debounced speaking-state transitions.
	VADTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "vad",
		Name:      "transitions_total",
		Help:      "Number of debounced voice-activity transitions.",
	}, []string{"to"})

	// PresenceErrors counts failed best-effort persistence calls.
	PresenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "presence",
		Name:      "errors_total",
		Help:      "Number of failed persistence endpoint calls.",
	})
)
