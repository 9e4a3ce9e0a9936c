package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomsync/internal/models"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is an established realtime connection. Send is only called from the
// manager's event loop; Receive is only called from the reader goroutine.
type Conn interface {
	Send(ev models.Event) error
	// Receive blocks for the next frame. A close frame from the server is
	// returned as the error of models.CloseError; a normal close returns
	// errClosedNormally.
	Receive() (models.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

var errClosedNormally = errors.New("connection closed by server")

// WebsocketDialer dials the server's /api/ws endpoint.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.NewError(models.CodeAuthentication, "handshake rejected", err)
		}
		return nil, models.NewError(models.CodeTransport, "dial failed", err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) Send(ev models.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return models.NewError(models.CodeTransport, "write failed", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return models.NewError(models.CodeTransport, "write failed", err)
	}
	return nil
}

func (c *wsConn) Receive() (models.Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if cerr := models.CloseError(ce.Code, ce.Text); cerr != nil {
					return models.Event{}, cerr
				}
				return models.Event{}, errClosedNormally
			}
			return models.Event{}, models.NewError(models.CodeTransport, "read failed", err)
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// A frame we cannot decode is skipped rather than ending the connection.
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}
