// Package client keeps a realtime connection to the server alive and
// delivers user actions through it, queueing them while offline.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"roomsync/internal/backoff"
	"roomsync/internal/content"
	"roomsync/internal/models"
)

const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultMaxMissedHeartbeats = 2
	DefaultRefreshBefore       = 2 * time.Minute
	DefaultAckTimeout          = 15 * time.Second
	DefaultDrainBatch          = 16
	DefaultSnapshotKey         = "outbox"
)

var ErrNotRunning = errors.New("connection manager is not running")

// SnapshotStore persists the offline queue between runs.
type SnapshotStore interface {
	SaveSnapshot(key string, data []byte) error
	LoadSnapshot(key string) ([]byte, error)
}

type Config struct {
	Dialer      Dialer
	Credentials Credentials
	// Refresher is optional. Without it expiring tokens are not renewed.
	Refresher TokenRefresher
	// Store is optional. Without it queued actions are lost on exit.
	Store       SnapshotStore
	SnapshotKey string

	ConnectTimeout time.Duration
	// Backoff spaces reconnection attempts.
	Backoff backoff.Policy
	// MaxReconnects gives up after this many consecutive failures; zero
	// retries forever.
	MaxReconnects       int
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	// RefreshBefore renews the token this long before it expires.
	RefreshBefore time.Duration
	AckTimeout    time.Duration
	// DrainBatch bounds how many queued actions are sent before the loop
	// handles other work.
	DrainBatch int
	Queue      QueueConfig
}

func (c *Config) setDefaults() {
	if c.SnapshotKey == "" {
		c.SnapshotKey = DefaultSnapshotKey
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.RefreshBefore <= 0 {
		c.RefreshBefore = DefaultRefreshBefore
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
}

const (
	timerReconnect = "reconnect"
	timerHandshake = "handshake"
	timerHeartbeat = "heartbeat"
	timerRefresh   = "refresh"
	timerDrain     = "drain"
)

// Manager owns one realtime connection. All state changes happen on a single
// event loop goroutine; dial, read and refresh results are posted back to it.
//
// Observers registered with Subscribe, OnEvent and OnTicket run on the event
// loop. They must not call Manager methods other than Status.
type Manager struct {
	cfg  Config
	now  func() time.Time
	cmds chan func()
	stop chan struct{}
	done chan struct{}

	running  atomic.Bool
	stopOnce sync.Once

	statusMu sync.Mutex
	snapshot Status

	obsMu           sync.Mutex
	statusObservers []func(Status)
	eventHandlers   []func(models.Event)
	ticketObservers []func(Action)

	// Owned by the event loop.
	ctx         context.Context
	status      Status
	creds       Credentials
	conn        Conn
	gen         uint64
	refreshGen  uint64
	cancelDial  context.CancelFunc
	authRetried bool
	pingSentAt  time.Time
	rooms       map[string]bool
	presence    *models.SetStatus
	queue       *Queue
	timers      map[string]*time.Timer
}

func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		now:    time.Now,
		cmds:   make(chan func(), 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		creds:  cfg.Credentials,
		rooms:  make(map[string]bool),
		queue:  NewQueue(cfg.Queue),
		timers: make(map[string]*time.Timer),
	}
}

// Start restores the offline queue and runs the event loop until ctx is done
// or Close is called. It does not connect.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("connection manager already started")
	}
	if err := m.restore(); err != nil {
		slog.Warn("failed to restore offline queue", "error", err)
	}
	m.ctx = ctx
	m.syncStatus()
	go m.loop(ctx)
	return nil
}

// Close disconnects and stops the event loop. The queue is persisted.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.running.Load() {
		<-m.done
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.stop:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	for name := range m.timers {
		m.stopTimer(name)
	}
	m.dropConnection()
	m.setState(StateDisconnected, nil)
}

// post schedules fn on the event loop. It reports false once the loop has
// exited. It must not be called from the loop itself.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the event loop and waits for it.
func (m *Manager) do(fn func()) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

func (m *Manager) startTimer(name string, d time.Duration, fn func()) {
	m.stopTimer(name)
	m.timers[name] = time.AfterFunc(d, func() { m.post(fn) })
}

func (m *Manager) stopTimer(name string) {
	if t, ok := m.timers[name]; ok {
		t.Stop()
		delete(m.timers, name)
	}
}

// Connect starts connecting from the disconnected or error state.
func (m *Manager) Connect() error {
	return m.do(func() {
		switch m.status.State {
		case StateDisconnected, StateError:
			m.status.Attempt = 0
			m.authRetried = false
			m.scheduleRefresh()
			m.dial()
		}
	})
}

// Reconnect drops the current connection, cancels any pending backoff and
// dials again. A connection attempt in progress is superseded.
func (m *Manager) Reconnect() error {
	return m.do(func() {
		m.stopTimer(timerReconnect)
		if m.status.State == StateConnected {
			m.status.Reconnects++
		}
		m.dropConnection()
		m.status.Attempt = 0
		m.authRetried = false
		m.scheduleRefresh()
		m.dial()
	})
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	if m.cancelDial != nil {
		m.cancelDial()
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	m.cancelDial = cancel
	m.setState(StateConnecting, m.status.LastError)

	token := m.creds.Token
	go func() {
		conn, err := m.cfg.Dialer.Dial(ctx, token)
		ok := m.post(func() { m.dialed(gen, conn, err) })
		if !ok && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial()
	m.cancelDial = nil
	if err != nil {
		m.connectionFailed(err)
		return
	}

	m.conn = conn
	go m.read(gen, conn)

	// A rejected token is reported with a close frame right after the
	// upgrade, so the connection only counts once a heartbeat comes back.
	if !m.sendHeartbeat() {
		return
	}
	m.startTimer(timerHandshake, m.cfg.ConnectTimeout, func() {
		if gen == m.gen && m.status.State == StateConnecting {
			m.connectionFailed(models.NewError(models.CodeTransport, "handshake timed out", nil))
		}
	})
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		ev, err := conn.Receive()
		if err != nil {
			m.post(func() {
				if gen == m.gen {
					m.connectionFailed(err)
				}
			})
			return
		}
		if !m.post(func() {
			if gen == m.gen {
				m.handleEvent(ev)
			}
		}) {
			return
		}
	}
}

func (m *Manager) connected() {
	m.stopTimer(timerHandshake)
	m.status.Attempt = 0
	m.status.ConnectedAt = m.now()
	m.authRetried = false
	m.setState(StateConnected, nil)

	rooms := make([]string, 0, len(m.rooms))
	for roomID := range m.rooms {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	for _, roomID := range rooms {
		if !m.send(models.MustEvent(models.EventJoinRoom, models.JoinRoom{RoomID: roomID})) {
			return
		}
	}
	if m.presence != nil {
		if !m.send(models.MustEvent(models.EventSetStatus, *m.presence)) {
			return
		}
	}
	m.startTimer(timerHeartbeat, m.cfg.HeartbeatInterval, m.heartbeatTick)
	m.drain()
}

// dropConnection closes the transport and invalidates everything that was
// started for it. In-flight sends go back to the queue.
func (m *Manager) dropConnection() {
	m.gen++
	m.stopTimer(timerHandshake)
	m.stopTimer(timerHeartbeat)
	m.stopTimer(timerDrain)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.status.MissedHeartbeats = 0
	for _, a := range m.queue.ConnectionLost(m.now()) {
		m.notifyTicket(a)
	}
	m.persist()
}

func (m *Manager) connectionFailed(err error) {
	wasConnected := m.status.State == StateConnected
	m.dropConnection()
	slog.Debug("connection failed", "error", err, "connected", wasConnected)

	switch models.CodeOf(err) {
	case models.CodeAuthentication:
		if !m.authRetried && m.cfg.Refresher != nil {
			m.authRetried = true
			m.refresh(m.dial)
			return
		}
		m.fail(err)
		return
	case models.CodeAuthorization:
		m.fail(err)
		return
	}

	if wasConnected {
		m.status.Reconnects++
	}
	m.scheduleReconnect(err)
}

func (m *Manager) scheduleReconnect(err error) {
	m.status.Attempt++
	if m.cfg.MaxReconnects > 0 && m.status.Attempt > m.cfg.MaxReconnects {
		m.fail(fmt.Errorf("giving up after %d attempts: %w", m.status.Attempt-1, err))
		return
	}
	m.setState(StateReconnecting, err)
	m.startTimer(timerReconnect, m.cfg.Backoff.Delay(m.status.Attempt-1), func() {
		if m.status.State == StateReconnecting {
			m.dial()
		}
	})
}

// fail stops all connection activity until Connect or Reconnect is called.
func (m *Manager) fail(err error) {
	m.stopTimer(timerReconnect)
	m.stopTimer(timerRefresh)
	m.refreshGen++
	m.setState(StateDisconnected, err)
	m.setState(StateError, err)
}

func (m *Manager) send(ev models.Event) bool {
	if m.conn == nil {
		return false
	}
	if err := m.conn.Send(ev); err != nil {
		m.connectionFailed(err)
		return false
	}
	return true
}

func (m *Manager) sendHeartbeat() bool {
	m.pingSentAt = m.now()
	m.status.MissedHeartbeats++
	return m.send(models.Event{Type: models.EventHeartbeat})
}

func (m *Manager) heartbeatTick() {
	if m.status.State != StateConnected {
		return
	}
	if m.status.MissedHeartbeats >= m.cfg.MaxMissedHeartbeats {
		m.connectionFailed(models.NewError(models.CodeTransport, "heartbeat not acknowledged", nil))
		return
	}
	if !m.sendHeartbeat() {
		return
	}
	m.syncStatus()
	m.startTimer(timerHeartbeat, m.cfg.HeartbeatInterval, m.heartbeatTick)
}

func (m *Manager) scheduleRefresh() {
	if m.cfg.Refresher == nil || m.creds.ExpiresAt.IsZero() {
		return
	}
	d := max(m.creds.ExpiresAt.Sub(m.now())-m.cfg.RefreshBefore, 0)
	m.startTimer(timerRefresh, d, func() {
		if m.status.State != StateError && m.status.State != StateDisconnected {
			m.refresh(nil)
		}
	})
}

// refresh renews the token in the background. The open connection is kept;
// the new token is used by the next dial. A failed refresh ends in the
// error state.
func (m *Manager) refresh(then func()) {
	m.refreshGen++
	gen := m.refreshGen
	current := m.creds
	ctx := m.ctx
	go func() {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		creds, err := m.cfg.Refresher.Refresh(rctx, current)
		cancel()
		m.post(func() {
			if gen != m.refreshGen {
				return
			}
			if err != nil {
				slog.Warn("token refresh failed", "error", err)
				m.dropConnection()
				m.fail(models.NewError(models.CodeAuthentication, "token refresh failed", err))
				return
			}
			m.creds = creds
			m.scheduleRefresh()
			if then != nil {
				then()
			}
		})
	}()
}

func (m *Manager) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventHeartbeatResponse:
		m.status.MissedHeartbeats = 0
		m.status.RTT = m.now().Sub(m.pingSentAt)
		if m.status.State == StateConnecting {
			m.connected()
		} else {
			m.syncStatus()
		}
		return
	case models.EventMessageSent:
		var p models.MessageSent
		if ev.Decode(&p) == nil {
			if a, ok := m.queue.Ack(p.ClientLocalID, p.ServerID); ok {
				m.notifyTicket(a)
				m.drain()
			}
		}
	case models.EventError:
		var p models.ErrorPayload
		if ev.Decode(&p) == nil && p.ClientLocalID != "" {
			if a, ok := m.queue.Reject(p.ClientLocalID, models.NewError(p.Code, p.Message, nil), m.now()); ok {
				m.notifyTicket(a)
				m.drain()
			}
		}
	case models.EventJoinedRoom:
		var p models.JoinedRoom
		if ev.Decode(&p) == nil && !p.Success {
			delete(m.rooms, p.RoomID)
		}
	}
	m.dispatch(ev)
}

// drain transmits what the queue allows right now and arranges to be called
// again for the next retry or acknowledgement deadline.
func (m *Manager) drain() {
	if m.status.State != StateConnected || m.conn == nil {
		return
	}
	now := m.now()
	for _, a := range m.queue.ExpireAcks(now, m.cfg.AckTimeout) {
		m.notifyTicket(a)
	}

	ready := m.queue.Next(now, m.cfg.DrainBatch)
	// Reads and typing leave the queue once written, unblocking their room.
	unblocked := false
	for _, a := range ready {
		if !m.send(a.Event()) {
			return
		}
		if sent, ok := m.queue.MarkSent(a.LocalID, now); ok {
			m.notifyTicket(sent)
		}
		unblocked = unblocked || a.Kind != ActionSend
	}
	m.persist()
	m.syncStatus()

	if len(ready) == m.cfg.DrainBatch || unblocked {
		m.startTimer(timerDrain, 0, m.drain)
		return
	}
	if wake := m.queue.NextWake(now, m.cfg.AckTimeout); !wake.IsZero() {
		m.startTimer(timerDrain, wake.Sub(now), m.drain)
	}
}

// enqueue adds a user action and sends it if the connection allows.
func (m *Manager) enqueue(a Action) (Action, error) {
	var queued Action
	err := m.do(func() {
		queued = m.queue.Enqueue(a, m.now())
		if queued.Kind == ActionSend {
			m.notifyTicket(queued)
		}
		m.persist()
		m.syncStatus()
		m.drain()
	})
	return queued, err
}

// SendMessage queues a message and returns its ticket.
func (m *Manager) SendMessage(roomID, body string) (Action, error) {
	if err := content.ValidateID(roomID); err != nil {
		return Action{}, models.NewError(models.CodeValidation, "invalid room id", err)
	}
	if err := content.ValidateMessage(body); err != nil {
		return Action{}, models.NewError(models.CodeValidation, "invalid message", err)
	}
	return m.enqueue(Action{Kind: ActionSend, RoomID: roomID, Content: body})
}

func (m *Manager) MarkRead(roomID string, messageID int64) error {
	if err := content.ValidateID(roomID); err != nil {
		return models.NewError(models.CodeValidation, "invalid room id", err)
	}
	_, err := m.enqueue(Action{Kind: ActionRead, RoomID: roomID, MessageID: messageID})
	return err
}

func (m *Manager) SetTyping(roomID string, isTyping bool) error {
	if err := content.ValidateID(roomID); err != nil {
		return models.NewError(models.CodeValidation, "invalid room id", err)
	}
	_, err := m.enqueue(Action{Kind: ActionTyping, RoomID: roomID, IsTyping: isTyping})
	return err
}

// JoinRoom subscribes to a room now and after every reconnect.
func (m *Manager) JoinRoom(roomID string) error {
	if err := content.ValidateID(roomID); err != nil {
		return models.NewError(models.CodeValidation, "invalid room id", err)
	}
	return m.do(func() {
		m.rooms[roomID] = true
		if m.status.State == StateConnected {
			m.send(models.MustEvent(models.EventJoinRoom, models.JoinRoom{RoomID: roomID}))
		}
	})
}

func (m *Manager) LeaveRoom(roomID string) error {
	return m.do(func() {
		delete(m.rooms, roomID)
		if m.status.State == StateConnected {
			m.send(models.MustEvent(models.EventLeaveRoom, models.LeaveRoom{RoomID: roomID}))
		}
	})
}

// SetPresence announces a status now and after every reconnect.
func (m *Manager) SetPresence(status models.PresenceStatus, customMessage string) error {
	return m.do(func() {
		m.presence = &models.SetStatus{Status: status, CustomMessage: customMessage}
		if m.status.State == StateConnected {
			m.send(models.MustEvent(models.EventSetStatus, *m.presence))
		}
	})
}

// Retry re-queues a failed ticket.
func (m *Manager) Retry(localID string) error {
	var err error
	if derr := m.do(func() {
		var a Action
		if a, err = m.queue.Retry(localID); err != nil {
			return
		}
		m.notifyTicket(a)
		m.persist()
		m.drain()
	}); derr != nil {
		return derr
	}
	return err
}

// Discard drops a queued or failed ticket.
func (m *Manager) Discard(localID string) error {
	var err error
	if derr := m.do(func() {
		if err = m.queue.Discard(localID); err != nil {
			return
		}
		m.persist()
		m.syncStatus()
	}); derr != nil {
		return derr
	}
	return err
}

// Tickets lists the messages not yet acknowledged by the server.
func (m *Manager) Tickets() ([]Action, error) {
	var tickets []Action
	err := m.do(func() { tickets = m.queue.Tickets() })
	return tickets, err
}

func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.snapshot
}

// Subscribe registers fn for connection state changes.
func (m *Manager) Subscribe(fn func(Status)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.statusObservers = append(m.statusObservers, fn)
}

// OnEvent registers fn for every event received from the server.
func (m *Manager) OnEvent(fn func(models.Event)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.eventHandlers = append(m.eventHandlers, fn)
}

// OnTicket registers fn for message ticket status changes.
func (m *Manager) OnTicket(fn func(Action)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.ticketObservers = append(m.ticketObservers, fn)
}

func (m *Manager) setState(state ConnectionState, err error) {
	changed := m.status.State != state
	m.status.State = state
	m.status.LastError = err
	m.syncStatus()
	if !changed {
		return
	}
	m.obsMu.Lock()
	observers := slices.Clone(m.statusObservers)
	m.obsMu.Unlock()
	st := m.Status()
	for _, fn := range observers {
		fn(st)
	}
}

func (m *Manager) syncStatus() {
	m.status.Queued = m.queue.Len()
	m.statusMu.Lock()
	m.snapshot = m.status
	m.statusMu.Unlock()
}

func (m *Manager) dispatch(ev models.Event) {
	m.obsMu.Lock()
	handlers := slices.Clone(m.eventHandlers)
	m.obsMu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (m *Manager) notifyTicket(a Action) {
	if a.Kind != ActionSend {
		return
	}
	m.obsMu.Lock()
	observers := slices.Clone(m.ticketObservers)
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn(a)
	}
}

func (m *Manager) persist() {
	if m.cfg.Store == nil {
		return
	}
	data, err := m.queue.Snapshot()
	if err == nil {
		err = m.cfg.Store.SaveSnapshot(m.cfg.SnapshotKey, data)
	}
	if err != nil {
		slog.Warn("failed to persist offline queue", "error", err)
	}
}

func (m *Manager) restore() error {
	if m.cfg.Store == nil {
		return nil
	}
	data, err := m.cfg.Store.LoadSnapshot(m.cfg.SnapshotKey)
	if errors.Is(err, models.ErrNotFound) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.queue.Restore(data)
}
