package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomsync/internal/backoff"
	"roomsync/internal/models"
	"roomsync/internal/storage"

	"github.com/stretchr/testify/require"
)

// fakeServer speaks the realtime protocol in memory. It persists messages
// once per client local id, like the real server's dedupe.
type fakeServer struct {
	mu         sync.Mutex
	validToken string
	conns      []*fakeConn
	dials      int
	tokens     []string
	nextID     int64
	persisted  map[string]int64
	broadcast  []string
	sends      []string
	joins      []string
	other      []models.Event

	// failSend drops the connection instead of accepting a frame.
	failSend func(ev models.Event) bool
	// dropAck persists a message but drops the connection before acking.
	dropAck        func(msg models.SendMessage) bool
	holdAcks       bool
	heldAcks       []func()
	muteHeartbeats bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{persisted: make(map[string]int64)}
}

func (s *fakeServer) Dial(ctx context.Context, token string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.tokens = append(s.tokens, token)
	c := &fakeConn{
		srv:    s,
		in:     make(chan models.Event, 256),
		closed: make(chan struct{}),
	}
	if s.validToken != "" && token != s.validToken {
		c.unauthorized = true
	}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) handle(c *fakeConn, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend != nil && s.failSend(ev) {
		err := models.NewError(models.CodeTransport, "connection reset", nil)
		c.closeWith(err)
		return err
	}

	switch ev.Type {
	case models.EventHeartbeat:
		if !s.muteHeartbeats {
			c.in <- models.Event{Type: models.EventHeartbeatResponse}
		}
	case models.EventJoinRoom:
		var p models.JoinRoom
		_ = ev.Decode(&p)
		s.joins = append(s.joins, p.RoomID)
		c.in <- models.MustEvent(models.EventJoinedRoom, models.JoinedRoom{RoomID: p.RoomID, Success: true})
	case models.EventSendMessage:
		var p models.SendMessage
		_ = ev.Decode(&p)
		s.sends = append(s.sends, p.ClientLocalID)
		id, dup := s.persisted[p.ClientLocalID]
		if !dup {
			s.nextID++
			id = s.nextID
			s.persisted[p.ClientLocalID] = id
			s.broadcast = append(s.broadcast, p.Content)
		}
		if s.dropAck != nil && s.dropAck(p) {
			c.closeWith(models.NewError(models.CodeTransport, "connection reset", nil))
			return nil
		}
		ack := models.MustEvent(models.EventMessageSent, models.MessageSent{ClientLocalID: p.ClientLocalID, ServerID: id, RoomID: p.RoomID})
		if s.holdAcks {
			s.heldAcks = append(s.heldAcks, func() { c.in <- ack })
		} else {
			c.in <- ack
		}
	default:
		s.other = append(s.other, ev)
	}
	return nil
}

// releaseAck delivers the oldest held acknowledgement.
func (s *fakeServer) releaseAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heldAcks) == 0 {
		return false
	}
	s.heldAcks[0]()
	s.heldAcks = s.heldAcks[1:]
	return true
}

func (s *fakeServer) closeLatest(code int) {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	c.closeWith(models.CloseError(code, "closed by server"))
}

func (s *fakeServer) state() (dials int, sends, broadcast []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, append([]string(nil), s.sends...), append([]string(nil), s.broadcast...)
}

type fakeConn struct {
	srv          *fakeServer
	in           chan models.Event
	closed       chan struct{}
	once         sync.Once
	mu           sync.Mutex
	err          error
	unauthorized bool
}

func (c *fakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Send(ev models.Event) error {
	if c.isClosed() {
		return models.NewError(models.CodeTransport, "connection closed", nil)
	}
	if c.unauthorized {
		return nil
	}
	return c.srv.handle(c, ev)
}

func (c *fakeConn) Receive() (models.Event, error) {
	if c.unauthorized {
		return models.Event{}, models.CloseError(models.CloseUnauthorized, "unauthorized")
	}
	select {
	case ev := <-c.in:
		return ev, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return models.Event{}, c.err
	}
}

func (c *fakeConn) Close() error {
	c.closeWith(errClosedNormally)
	return nil
}

type refresherFunc func(ctx context.Context, current Credentials) (Credentials, error)

func (f refresherFunc) Refresh(ctx context.Context, current Credentials) (Credentials, error) {
	return f(ctx, current)
}

// ticketLog records every ticket notification.
type ticketLog struct {
	mu      sync.Mutex
	updates []Action
}

func (l *ticketLog) record(a Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, a)
}

func (l *ticketLog) count(localID string, status TicketStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.updates {
		if a.LocalID == localID && a.Status == status {
			n++
		}
	}
	return n
}

func testConfig(d Dialer) Config {
	return Config{
		Dialer:            d,
		Credentials:       Credentials{Token: "good"},
		ConnectTimeout:    time.Second,
		Backoff:           backoff.Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		HeartbeatInterval: time.Hour,
		AckTimeout:        time.Hour,
		Queue:             QueueConfig{Backoff: backoff.Policy{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1}},
	}
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Manager, state ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status().State == state
	}, 2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", state, m.Status().State)
}

func TestManager_ConnectAndResubscribe(t *testing.T) {
	srv := newFakeServer()
	m := startManager(t, testConfig(srv))

	var mu sync.Mutex
	var states []ConnectionState
	m.Subscribe(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st.State)
	})

	require.NoError(t, m.JoinRoom("general"))
	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
	mu.Unlock()

	// A transport drop reconnects and joins the room again.
	srv.closeLatest(4000)
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.joins) == 2
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, StateConnected)
	require.Equal(t, 1, m.Status().Reconnects)
}

func TestManager_OfflineSendsDeliveredInOrder(t *testing.T) {
	srv := newFakeServer()
	srv.holdAcks = true
	m := startManager(t, testConfig(srv))

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		a, err := m.SendMessage("general", body)
		require.NoError(t, err)
		require.Equal(t, StatusPending, a.Status)
		ids = append(ids, a.LocalID)
	}

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	for i := range ids {
		require.Eventually(t, func() bool {
			_, sends, _ := srv.state()
			return len(sends) == i+1
		}, 2*time.Second, 5*time.Millisecond)

		// Nothing else goes out for the room until this one is acknowledged.
		time.Sleep(20 * time.Millisecond)
		_, sends, _ := srv.state()
		require.Equal(t, ids[:i+1], sends)

		require.True(t, srv.releaseAck())
	}

	require.Eventually(t, func() bool {
		tickets, err := m.Tickets()
		return err == nil && len(tickets) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, _, broadcast := srv.state()
	require.Equal(t, []string{"one", "two", "three"}, broadcast)
}

func TestManager_ReadAndTypingQueuedOffline(t *testing.T) {
	srv := newFakeServer()
	m := startManager(t, testConfig(srv))

	require.ErrorIs(t, m.MarkRead("bad room", 1), models.ErrValidation)
	require.ErrorIs(t, m.SetTyping("", true), models.ErrValidation)

	require.NoError(t, m.MarkRead("general", 7))
	require.NoError(t, m.SetTyping("general", true))
	// Replaces the queued typing action instead of adding another.
	require.NoError(t, m.SetTyping("general", false))

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	var other []models.Event
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		other = append([]models.Event(nil), srv.other...)
		return len(other) == 2
	}, 2*time.Second, 5*time.Millisecond)

	var read models.MessageRead
	require.Equal(t, models.EventMessageRead, other[0].Type)
	require.NoError(t, other[0].Decode(&read))
	require.Equal(t, models.MessageRead{RoomID: "general", MessageID: 7}, read)

	var typing models.Typing
	require.Equal(t, models.EventTyping, other[1].Type)
	require.NoError(t, other[1].Decode(&typing))
	require.False(t, typing.IsTyping)

	require.Eventually(t, func() bool {
		return m.Status().Queued == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_FlakyTransportAcknowledgesOnce(t *testing.T) {
	tests := []struct {
		name  string
		setup func(srv *fakeServer)
	}{
		{
			name: "send fails",
			setup: func(srv *fakeServer) {
				seen := make(map[string]bool)
				srv.failSend = func(ev models.Event) bool {
					if ev.Type != models.EventSendMessage {
						return false
					}
					var p models.SendMessage
					_ = ev.Decode(&p)
					first := !seen[p.ClientLocalID]
					seen[p.ClientLocalID] = true
					return first
				}
			},
		},
		{
			name: "ack lost",
			setup: func(srv *fakeServer) {
				seen := make(map[string]bool)
				srv.dropAck = func(p models.SendMessage) bool {
					first := !seen[p.ClientLocalID]
					seen[p.ClientLocalID] = true
					return first
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			tt.setup(srv)
			m := startManager(t, testConfig(srv))
			log := &ticketLog{}
			m.OnTicket(log.record)

			require.NoError(t, m.Connect())
			waitState(t, m, StateConnected)

			var ids []string
			for _, body := range []string{"a", "b", "c", "d"} {
				a, err := m.SendMessage("general", body)
				require.NoError(t, err)
				ids = append(ids, a.LocalID)
			}

			require.Eventually(t, func() bool {
				for _, id := range ids {
					if log.count(id, StatusAcknowledged) == 0 {
						return false
					}
				}
				return true
			}, 5*time.Second, 5*time.Millisecond)

			for _, id := range ids {
				require.Equal(t, 1, log.count(id, StatusAcknowledged), "ticket %s", id)
			}
			_, _, broadcast := srv.state()
			require.Equal(t, []string{"a", "b", "c", "d"}, broadcast)
		})
	}
}

func TestManager_RejectedSendFails(t *testing.T) {
	srv := newFakeServer()
	m := startManager(t, testConfig(srv))
	log := &ticketLog{}
	m.OnTicket(log.record)

	_, err := m.SendMessage("general", "   ")
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = m.SendMessage("bad room", "hi")
	require.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	a, err := m.SendMessage("general", "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.count(a.LocalID, StatusAcknowledged) == 1 }, time.Second, 5*time.Millisecond)

	// Server side rejection of a second message marks it failed; the user
	// can retry it.
	srv.mu.Lock()
	srv.holdAcks = true
	srv.mu.Unlock()
	b, err := m.SendMessage("general", "again")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.count(b.LocalID, StatusSent) == 1 }, time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	conn := srv.conns[len(srv.conns)-1]
	srv.heldAcks = nil
	srv.holdAcks = false
	srv.mu.Unlock()
	conn.in <- models.ErrorEvent(models.NewError(models.CodeValidation, "nope", nil), b.LocalID, "general")

	require.Eventually(t, func() bool { return log.count(b.LocalID, StatusFailed) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Retry(b.LocalID))
	require.Eventually(t, func() bool { return log.count(b.LocalID, StatusAcknowledged) == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, m.Retry(b.LocalID), ErrUnknownAction)
}

func TestManager_AuthFailureRefreshesOnce(t *testing.T) {
	t.Run("refresh succeeds", func(t *testing.T) {
		srv := newFakeServer()
		srv.validToken = "fresh"
		cfg := testConfig(srv)
		cfg.Credentials = Credentials{Token: "stale"}
		var calls atomic.Int32
		var presented atomic.Value
		cfg.Refresher = refresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
			calls.Add(1)
			presented.Store(current.Token)
			return Credentials{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
		})
		m := startManager(t, cfg)

		require.NoError(t, m.Connect())
		waitState(t, m, StateConnected)
		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, "stale", presented.Load())
	})

	t.Run("refresh rejected", func(t *testing.T) {
		srv := newFakeServer()
		srv.validToken = "fresh"
		cfg := testConfig(srv)
		cfg.Credentials = Credentials{Token: "stale"}
		cfg.Refresher = refresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
			return Credentials{}, models.ErrAuthentication
		})
		m := startManager(t, cfg)

		require.NoError(t, m.Connect())
		waitState(t, m, StateError)
		require.ErrorIs(t, m.Status().LastError, models.ErrAuthentication)
	})

	t.Run("no refresher", func(t *testing.T) {
		srv := newFakeServer()
		srv.validToken = "fresh"
		cfg := testConfig(srv)
		cfg.Credentials = Credentials{Token: "stale"}
		m := startManager(t, cfg)

		require.NoError(t, m.Connect())
		waitState(t, m, StateError)
		dials, _, _ := srv.state()
		require.Equal(t, 1, dials)
	})
}

// stateLog records the states reported to a Subscribe observer.
type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, st.State)
}

func (l *stateLog) snapshot() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

func TestManager_TokenExpiryRefresh(t *testing.T) {
	t.Run("refreshed while connected", func(t *testing.T) {
		srv := newFakeServer()
		cfg := testConfig(srv)
		cfg.RefreshBefore = time.Hour
		cfg.Credentials = Credentials{Token: "first", ExpiresAt: time.Now().Add(time.Hour + 200*time.Millisecond)}
		var calls atomic.Int32
		var stateAtRefresh atomic.Value
		var m *Manager
		cfg.Refresher = refresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
			calls.Add(1)
			stateAtRefresh.Store(m.Status().State)
			return Credentials{Token: "second", ExpiresAt: time.Now().Add(2 * time.Hour)}, nil
		})
		m = startManager(t, cfg)

		require.NoError(t, m.Connect())
		waitState(t, m, StateConnected)
		require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.Equal(t, StateConnected, stateAtRefresh.Load())
		require.Equal(t, StateConnected, m.Status().State, "the open connection is kept")

		// The refreshed token is presented on the next dial.
		srv.closeLatest(4000)
		require.Eventually(t, func() bool {
			srv.mu.Lock()
			defer srv.mu.Unlock()
			return len(srv.tokens) == 2
		}, 2*time.Second, 5*time.Millisecond)
		srv.mu.Lock()
		require.Equal(t, []string{"first", "second"}, srv.tokens)
		srv.mu.Unlock()
		waitState(t, m, StateConnected)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("refresh fails", func(t *testing.T) {
		srv := newFakeServer()
		cfg := testConfig(srv)
		cfg.RefreshBefore = time.Hour
		cfg.Credentials = Credentials{Token: "first", ExpiresAt: time.Now().Add(time.Hour + 200*time.Millisecond)}
		cfg.Refresher = refresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
			return Credentials{}, models.ErrAuthentication
		})
		m := startManager(t, cfg)
		states := &stateLog{}
		m.Subscribe(states.record)

		require.NoError(t, m.Connect())
		waitState(t, m, StateError)
		require.ErrorIs(t, m.Status().LastError, models.ErrAuthentication)

		time.Sleep(50 * time.Millisecond)
		require.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected, StateError}, states.snapshot())
		dials, _, _ := srv.state()
		require.Equal(t, 1, dials, "no reconnect after a failed refresh")
	})
}

func TestManager_KickedStopsReconnecting(t *testing.T) {
	srv := newFakeServer()
	m := startManager(t, testConfig(srv))

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	srv.closeLatest(models.CloseKicked)
	waitState(t, m, StateError)
	require.ErrorIs(t, m.Status().LastError, models.ErrAuthorization)

	time.Sleep(50 * time.Millisecond)
	dials, _, _ := srv.state()
	require.Equal(t, 1, dials)

	// A manual reconnect is allowed from the error state.
	require.NoError(t, m.Reconnect())
	waitState(t, m, StateConnected)
}

func TestManager_MissedHeartbeatsReconnect(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig(srv)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m := startManager(t, cfg)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	srv.mu.Lock()
	srv.muteHeartbeats = true
	srv.mu.Unlock()

	require.Eventually(t, func() bool {
		return m.Status().Reconnects >= 1
	}, 2*time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	srv.muteHeartbeats = false
	srv.mu.Unlock()
	waitState(t, m, StateConnected)
}

// gatedDialer holds the first dial until released.
type gatedDialer struct {
	srv   *fakeServer
	gate  chan struct{}
	calls atomic.Int32
	first Conn
	mu    sync.Mutex
}

func (d *gatedDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if d.calls.Add(1) == 1 {
		<-d.gate
		conn, err := d.srv.Dial(ctx, token)
		d.mu.Lock()
		d.first = conn
		d.mu.Unlock()
		return conn, err
	}
	return d.srv.Dial(ctx, token)
}

func TestManager_ReconnectSupersedesConnect(t *testing.T) {
	srv := newFakeServer()
	d := &gatedDialer{srv: srv, gate: make(chan struct{})}
	cfg := testConfig(d)
	cfg.ConnectTimeout = 5 * time.Second
	m := startManager(t, cfg)

	require.NoError(t, m.Connect())
	require.Equal(t, StateConnecting, m.Status().State)
	require.NoError(t, m.Reconnect())
	waitState(t, m, StateConnected)

	close(d.gate)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.first != nil && d.first.(*fakeConn).isClosed()
	}, 2*time.Second, 5*time.Millisecond, "stale connection is closed")
	require.Equal(t, StateConnected, m.Status().State)
}

func TestManager_GivesUpAfterMaxReconnects(t *testing.T) {
	cfg := testConfig(dialerFunc(func(ctx context.Context, token string) (Conn, error) {
		return nil, models.NewError(models.CodeTransport, "refused", errors.New("connection refused"))
	}))
	cfg.MaxReconnects = 2
	m := startManager(t, cfg)

	require.NoError(t, m.Connect())
	waitState(t, m, StateError)
	require.ErrorIs(t, m.Status().LastError, models.ErrTransport)
}

type dialerFunc func(ctx context.Context, token string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

func TestManager_QueueSurvivesRestart(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	srv := newFakeServer()
	cfg := testConfig(srv)
	cfg.Store = store

	first := NewManager(cfg)
	require.NoError(t, first.Start(context.Background()))
	a, err := first.SendMessage("general", "while offline")
	require.NoError(t, err)
	first.Close()
	require.ErrorIs(t, first.Connect(), ErrNotRunning)

	second := startManager(t, cfg)
	tickets, err := second.Tickets()
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	require.Equal(t, a.LocalID, tickets[0].LocalID)

	require.NoError(t, second.Connect())
	require.Eventually(t, func() bool {
		tickets, err := second.Tickets()
		return err == nil && len(tickets) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, _, broadcast := srv.state()
	require.Equal(t, []string{"while offline"}, broadcast)
}
