package core

import "github.com/callsheet/voicemesh/internal/domain"

// TransportState tracks the lifecycle of the relay link.
type TransportState string

const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
)

// Handler consumes a decoded relay event. A panic in one handler must not
// prevent delivery to the others subscribed to the same event.
type Handler func(Envelope)

// Subscription undoes a Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Transport is a reconnecting, authenticated duplex event stream to the
// signaling relay. Constructed once per authenticated session and injected
// into every real-time consumer; never ambient global state.
type Transport interface {
	// Connect is idempotent; a no-op if already connected or connecting.
	// Missing credentials or endpoint configuration set an error state
	// instead of failing loudly.
	Connect()

	// Disconnect is the explicit, intentional close. It never triggers
	// the reconnect logic.
	Disconnect()

	State() TransportState

	// LastError reports the fatal transport error, if any (configuration
	// absent, or the reconnect attempt budget exhausted).
	LastError() error

	// Publish is fire-and-forget: silently dropped unless connected.
	Publish(event EventType, payload any)

	Subscribe(event EventType, h Handler) Subscription

	// JoinChannel and LeaveChannel maintain the joined set; on reconnect
	// every joined channel is rejoined before other traffic.
	JoinChannel(id domain.ChannelID)
	LeaveChannel(id domain.ChannelID)
}
