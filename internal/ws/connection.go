package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/models"
	"roomsync/internal/session"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
}

type eventRouter interface {
	Route(ctx context.Context, s *session.Session, ev models.Event)
	Reply(s *session.Session, ev models.Event)
}

type sessionCloser interface {
	Disconnect(sessionID string) bool
}

// Connection binds one websocket to one session: inbound frames are routed
// by the reader and the session's outbound queue is written by the writer,
// so a slow event never holds back outbound delivery.
type Connection struct {
	ws       wsConnection
	session  *session.Session
	router   eventRouter
	sessions sessionCloser
	limiter  *rateLimiter
	errorCh  chan error
}

func NewConnection(
	ws wsConnection,
	s *session.Session,
	router eventRouter,
	sessions sessionCloser,
	limiter *rateLimiter,
) *Connection {
	return &Connection{
		ws:       ws,
		session:  s,
		router:   router,
		sessions: sessions,
		limiter:  limiter,
		errorCh:  make(chan error, 2),
	}
}

// Handle runs the connection until the socket fails, the session is closed
// or ctx is done. The session is destroyed on return.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.sessions.Disconnect(c.session.ID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev models.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.router.Reply(c.session, models.ErrorEvent(models.NewError(models.CodeValidation, "malformed frame", err), "", ""))
			continue
		}
		c.processClientEvent(ctx, ev)
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.session.Outbound():
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-c.session.Done():
			return c.writeClose()
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ctx context.Context, ev models.Event) {
	// Heartbeats are never throttled so a busy client is not timed out.
	if ev.Type != models.EventHeartbeat && c.limiter != nil && !c.limiter.allow() {
		slog.Debug("rate limit exceeded", "session_id", c.session.ID, "type", ev.Type)
		// Throttled sends are tied to their ticket so the client can retry them.
		var msg models.SendMessage
		if ev.Type == models.EventSendMessage {
			_ = ev.Decode(&msg)
		}
		c.router.Reply(c.session, models.ErrorEvent(models.ErrRateLimited, msg.ClientLocalID, msg.RoomID))
		return
	}
	c.router.Route(ctx, c.session, ev)
}

// writeClose tells the peer why its session ended.
func (c *Connection) writeClose() error {
	code, reason := c.session.CloseStatus()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		slog.Debug("failed to write close frame", "session_id", c.session.ID, "error", err)
	}
	if err := models.CloseError(code, reason); err != nil {
		return err
	}
	return context.Canceled
}
