package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"roomsync/internal/auth"
	"roomsync/internal/models"
	"roomsync/internal/session"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxMessageSize = 64 * 1024
	DefaultRateBurst      = 20
	DefaultRateInterval   = 10 * time.Second
)

type Config struct {
	MaxMessageSize int64
	// RateBurst inbound frames are accepted per RateInterval.
	RateBurst    int
	RateInterval time.Duration
	// AllowedOrigins restricts browser origins; empty allows any origin.
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.RateInterval <= 0 {
		c.RateInterval = DefaultRateInterval
	}
}

type sessionConnector interface {
	Connect(token string) (*session.Session, error)
	Disconnect(sessionID string) bool
}

type Server struct {
	ctx      context.Context
	cfg      Config
	sessions sessionConnector
	router   *Router
	upgrader *websocket.Upgrader
}

// NewServer creates the websocket endpoint. Connections live until ctx is
// done or their session ends.
func NewServer(ctx context.Context, cfg Config, sessions sessionConnector, router *Router) *Server {
	cfg.setDefaults()
	s := &Server{
		ctx:      ctx,
		cfg:      cfg,
		sessions: sessions,
		router:   router,
	}
	s.upgrader = &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleConnections upgrades the request and runs the connection.
// An invalid token is answered with an unauthorized close frame and no
// session is created.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	sess, err := s.sessions.Connect(auth.FromRequest(r))
	if err != nil {
		slog.Info("websocket rejected", "remote_addr", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(models.CloseUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := NewConnection(conn, sess, s.router, s.sessions, newRateLimiter(s.cfg.RateBurst, s.cfg.RateInterval))
	if err := c.Handle(s.ctx); err != nil && !isExpectedCloseError(err) {
		slog.Info("connection ended", "session_id", sess.ID, "identity_id", sess.IdentityID, "error", err)
	}
}

func isExpectedCloseError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
