// Package transport implements the reconnecting duplex event stream to the
// signaling relay. One Channel is constructed per authenticated session and
// injected into every real-time consumer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/config"
	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/metrics"
)

var (
	// ErrNotConfigured is set when Connect is called without relay
	// endpoint or credentials.
	ErrNotConfigured = errors.New("transport not configured")

	// ErrConnectionLost is set after the reconnect attempt budget is
	// exhausted.
	ErrConnectionLost = errors.New("connection lost")
)

const dialTimeout = 10 * time.Second

var _ core.Transport = (*Channel)(nil)

// link is one established connection with its owned write queue. A new
// link replaces the old one across reconnects; the Channel itself is
// never recreated.
type link struct {
	conn   Conn
	send   chan []byte
	cancel context.CancelFunc
}

type Channel struct {
	cfg    config.TransportConfig
	dialer Dialer

	mu       sync.Mutex
	state    core.TransportState
	lastErr  error
	attempt  int
	closing  bool
	link     *link
	retry    *time.Timer
	joined   map[domain.ChannelID]struct{}
	handlers map[core.EventType]map[uint64]core.Handler
	nextSub  uint64
}

// New builds a Channel with the websocket strategy named by cfg.Kind.
func New(cfg config.TransportConfig) (*Channel, error) {
	var d Dialer
	switch cfg.Kind {
	case "", "gorilla":
		d = GorillaDialer{}
	case "coder":
		d = CoderDialer{}
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	return NewWithDialer(cfg, d), nil
}

// NewWithDialer builds a Channel around an explicit dial strategy.
func NewWithDialer(cfg config.TransportConfig, d Dialer) *Channel {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		cfg:      cfg,
		dialer:   d,
		state:    core.TransportDisconnected,
		joined:   make(map[domain.ChannelID]struct{}),
		handlers: make(map[core.EventType]map[uint64]core.Handler),
	}
}

func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case core.TransportConnecting, core.TransportConnected, core.TransportReconnecting:
		return
	}
	if c.cfg.RelayURL == "" || c.cfg.AuthToken == "" {
		c.lastErr = ErrNotConfigured
		log.Warn().Str("module", "transport").Msg("connect skipped: relay url or credentials absent")
		return
	}
	c.closing = false
	c.lastErr = nil
	c.attempt = 0
	c.state = core.TransportConnecting
	go c.dial()
}

func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	l := c.link
	c.link = nil
	c.state = core.TransportDisconnected
	c.mu.Unlock()

	if l != nil {
		l.cancel()
		_ = l.conn.Close()
	}
	log.Info().Str("module", "transport").Msg("disconnected")
}

func (c *Channel) State() core.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	conn, err := c.dialer.Dial(ctx, c.cfg.RelayURL, header)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("dial failed")
		c.linkDown(nil, err)
		return
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		pumpCancel()
		_ = conn.Close()
		return
	}
	l := &link{
		conn:   conn,
		send:   make(chan []byte, c.cfg.SendBuffer+len(c.joined)),
		cancel: pumpCancel,
	}
	c.link = l
	c.attempt = 0
	// Rejoin every channel in the joined set before any other traffic
	// can be queued on this link.
	for id := range c.joined {
		if frame, err := core.EncodeEnvelope(core.EventJoinChannel, core.ChannelRef{ChannelID: id}); err == nil {
			l.send <- frame
		}
	}
	c.state = core.TransportConnected
	c.mu.Unlock()

	log.Info().Str("module", "transport").Msg("connected")
	go c.writePump(pumpCtx, l)
	go c.readPump(pumpCtx, l)
}

// linkDown handles an unexpected link failure: it tears the link down and
// schedules the next reconnect attempt, bounded by the attempt budget.
// Explicit Disconnect never lands here with closing unset.
func (c *Channel) linkDown(l *link, err error) {
	c.mu.Lock()
	if l != nil {
		if c.link != l {
			// A pump of an already-replaced link; the first failure
			// on this link has handled teardown.
			c.mu.Unlock()
			return
		}
		c.link = nil
		l.cancel()
		_ = l.conn.Close()
	}
	if c.closing {
		c.state = core.TransportDisconnected
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.state = core.TransportDisconnected
		c.lastErr = ErrConnectionLost
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "transport").Int("attempts", c.cfg.MaxAttempts).Msg("reconnect budget exhausted")
		return
	}
	delay := backoffDelay(c.cfg.InitialDelay, c.cfg.MaxDelay, c.attempt)
	c.attempt++
	c.state = core.TransportReconnecting
	c.retry = time.AfterFunc(delay, c.dial)
	attempt := c.attempt
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	log.Warn().Err(err).Str("module", "transport").Int("attempt", attempt).Dur("delay", delay).Msg("link down, reconnecting")
}

func (c *Channel) readPump(ctx context.Context, l *link) {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.linkDown(l, err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) writePump(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-l.send:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := l.conn.Write(wctx, data)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("write failed")
				c.linkDown(l, err)
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and fans it out to subscribers.
// Payload shape and event routing are validated here, once.
func (c *Channel) dispatch(data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("dropping bad frame")
		return
	}

	c.mu.Lock()
	hs := make([]core.Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		c.deliver(env, h)
	}
}

// deliver isolates one handler so its panic cannot starve the others.
func (c *Channel) deliver(env core.Envelope, h core.Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "transport").Str("event", string(env.Event)).Any("panic", r).Msg("handler panicked")
		}
	}()
	h(env)
}

// Publish is fire-and-forget: frames are dropped, not queued, while the
// link is down or the write queue is full.
func (c *Channel) Publish(event core.EventType, payload any) {
	c.mu.Lock()
	l := c.link
	connected := c.state == core.TransportConnected && l != nil
	c.mu.Unlock()

	if !connected {
		metrics.DroppedPublishes.Inc()
		return
	}
	frame, err := core.EncodeEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Str("event", string(event)).Msg("encode failed")
		return
	}
	select {
	case l.send <- frame:
	default:
		metrics.DroppedPublishes.Inc()
		log.Warn().Str("module", "transport").Str("event", string(event)).Msg("send queue full, frame dropped")
	}
}

func (c *Channel) Subscribe(event core.EventType, h core.Handler) core.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.handlers[event]
	if !ok {
		set = make(map[uint64]core.Handler)
		c.handlers[event] = set
	}
	c.nextSub++
	id := c.nextSub
	set[id] = h
	return &subscription{ch: c, event: event, id: id}
}

type subscription struct {
	ch    *Channel
	event core.EventType
	id    uint64
}

func (s *subscription) Unsubscribe() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if set, ok := s.ch.handlers[s.event]; ok {
		delete(set, s.id)
	}
}

func (c *Channel) JoinChannel(id domain.ChannelID) {
	c.mu.Lock()
	c.joined[id] = struct{}{}
	c.mu.Unlock()
	c.Publish(core.EventJoinChannel, core.ChannelRef{ChannelID: id})
}

func (c *Channel) LeaveChannel(id domain.ChannelID) {
	c.mu.Lock()
	delete(c.joined, id)
	c.mu.Unlock()
	c.Publish(core.EventLeaveChannel, core.ChannelRef{ChannelID: id})
}

// Joined returns a snapshot of the joined channel set.
func (c *Channel) Joined() []domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChannelID, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}
