package session

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fishlive/internal/domain"
)

// Conn is one live websocket. ReadFrame blocks; Close unblocks it.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a Conn for an account's cookie string.
type Dialer interface {
	Dial(ctx context.Context, wsURL, cookies string) (Conn, error)
}

const (
	wsUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	wsOrigin    = "https://www.goofish.com"
)

// WSDialer dials the platform's message gateway over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, wsURL, cookies string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	header := http.Header{}
	header.Set("Cookie", cookies)
	header.Set("User-Agent", wsUserAgent)
	header.Set("Origin", wsOrigin)

	c, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &domain.TransportError{Op: "dial", Cause: err}
	}
	return &wsConn{ws: c}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, &domain.TransportError{Op: "read", Cause: err}
	}
	return data, nil
}

func (c *wsConn) WriteFrame(data []byte) error {
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &domain.TransportError{Op: "write", Cause: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
