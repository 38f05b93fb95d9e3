package transport

import (
	"context"
	"net/http"
	"time"

	coderws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// Conn is one established duplex link to the relay. Implementations are
// not safe for concurrent writes; the channel serializes through its
// write pump.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer is the strategy that establishes a Conn. Selected once at
// construction time by configuration, never by conditional logic at
// call sites.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials the relay over a raw gorilla websocket.
type GorillaDialer struct{}

func (GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws *websocket.Conn
}

func (c *gorillaConn) Read(_ context.Context) ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *gorillaConn) Write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

// CoderDialer dials the relay through the managed-socket stack
// (coder/websocket), the strategy used when the deployment fronts the
// relay with the hosted socket service.
type CoderDialer struct{}

func (CoderDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := coderws.Dial(ctx, url, &coderws.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &coderConn{ws: ws}, nil
}

type coderConn struct {
	ws *coderws.Conn
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, coderws.MessageText, data)
}

func (c *coderConn) Close() error {
	return c.ws.Close(coderws.StatusNormalClosure, "")
}
