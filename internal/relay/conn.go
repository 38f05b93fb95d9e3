package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn is one client's signaling connection with its owned write queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	return &wsConn{conn: conn, send: make(chan []byte, buffer)}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (s *Server) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, sid SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Str("sid", string(sid)).Msg("readPump closing")
		s.dropSession(sid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			s.handleFrame(sid, c, data)
		}
	}
}

func (s *Server) sendEvent(c *wsConn, event core.EventType, payload any) {
	frame, err := core.EncodeEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", string(event)).Msg("encode event")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("event", string(event)).Msg("send dropped")
	}
}
