package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/content"
	"roomsync/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultQueueDepth       = 256
	DefaultHeartbeatTimeout = 60 * time.Second
)

var ErrUnknownSession = errors.New("unknown session")

// Authenticator verifies bearer tokens presented on connect.
type Authenticator interface {
	Verify(token string) (identityID string, expiresAt time.Time, err error)
}

// RoomAuthorizer decides whether an identity may join a room.
type RoomAuthorizer interface {
	IsMember(roomID, identityID string) (bool, error)
}

// Lifecycle is notified when sessions are created and destroyed.
// Calls are made without any registry lock held. SessionOpened is delivered
// before the session can be looked up, so a session's SessionClosed always
// follows its SessionOpened.
type Lifecycle interface {
	SessionOpened(identityID string)
	SessionClosed(identityID string)
}

type Config struct {
	// QueueDepth bounds each session's outbound queue.
	QueueDepth int
	// HeartbeatTimeout destroys sessions that have not sent a heartbeat
	// for this long.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often heartbeat deadlines are checked.
	// Defaults to a quarter of HeartbeatTimeout.
	SweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatTimeout / 4
	}
}

// room is the fan-out membership of one room. Its mutex is the critical
// section for every membership change and for publishing to the room.
type room struct {
	mu       sync.Mutex
	sessions map[string]*Session
	dead     bool
}

// Registry tracks live sessions and their room subscriptions.
type Registry struct {
	cfg   Config
	auth  Authenticator
	authz RoomAuthorizer
	now   func() time.Time

	observersMu sync.RWMutex
	observers   []Lifecycle

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]*Session

	roomsMu sync.Mutex
	rooms   map[string]*room
}

func NewRegistry(cfg Config, auth Authenticator, authz RoomAuthorizer) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:        cfg,
		auth:       auth,
		authz:      authz,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
		rooms:      make(map[string]*room),
	}
}

// Observe registers l for session lifecycle notifications.
func (r *Registry) Observe(l Lifecycle) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, l)
}

func (r *Registry) notify(fn func(Lifecycle)) {
	r.observersMu.RLock()
	observers := append([]Lifecycle(nil), r.observers...)
	r.observersMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// Connect authenticates token and creates a session for its identity.
// Invalid tokens never produce a session.
func (r *Registry) Connect(token string) (*Session, error) {
	identityID, _, err := r.auth.Verify(token)
	if err != nil {
		return nil, models.NewError(models.CodeAuthentication, "invalid or expired token", err)
	}

	s := newSession(uuid.NewString(), identityID, r.cfg.QueueDepth, r.now())
	// Nothing can kick s until it is inserted below.
	r.notify(func(l Lifecycle) { l.SessionOpened(identityID) })

	r.sessionsMu.Lock()
	r.sessions[s.ID] = s
	if r.byIdentity[identityID] == nil {
		r.byIdentity[identityID] = make(map[string]*Session)
	}
	r.byIdentity[identityID][s.ID] = s
	total := len(r.sessions)
	r.sessionsMu.Unlock()

	slog.Info("session opened", "session_id", s.ID, "identity_id", identityID, "sessions", total)
	return s, nil
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionsOf returns the live sessions of an identity.
func (r *Registry) SessionsOf(identityID string) []*Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(r.byIdentity[identityID]))
	for _, s := range r.byIdentity[identityID] {
		out = append(out, s)
	}
	return out
}

// Online reports whether the identity has at least one live session.
func (r *Registry) Online(identityID string) bool {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// JoinRoom subscribes the session to a room after checking room access.
// Joining a room twice is not an error.
func (r *Registry) JoinRoom(sessionID, roomID string) error {
	if err := content.ValidateID(roomID); err != nil {
		return models.NewError(models.CodeValidation, "invalid room id", err)
	}
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	allowed, err := r.authz.IsMember(roomID, s.IdentityID)
	if err != nil {
		return models.NewError(models.CodePersistence, "failed to check room access", err)
	}
	if !allowed {
		return models.NewError(models.CodeAuthorization, "not a member of this room", nil)
	}

	rm := r.lockRoom(roomID, true)
	defer r.unlockRoom(roomID, rm)
	if !s.addRoom(roomID) {
		return ErrUnknownSession
	}
	rm.sessions[s.ID] = s
	return nil
}

// LeaveRoom unsubscribes the session from a room. It is idempotent.
func (r *Registry) LeaveRoom(sessionID, roomID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if rm := r.lockRoom(roomID, false); rm != nil {
		delete(rm.sessions, s.ID)
		s.removeRoom(roomID)
		r.unlockRoom(roomID, rm)
	}
	return nil
}

// IsSubscribed reports whether the session currently receives events of the room.
func (r *Registry) IsSubscribed(sessionID, roomID string) bool {
	s, ok := r.Get(sessionID)
	return ok && s.InRoom(roomID)
}

// ForEachSubscriber calls fn for every session subscribed to the room while
// holding the room's critical section, so no subscription can change and no
// other publish to the room can interleave. fn must not block and must not
// call back into the registry.
func (r *Registry) ForEachSubscriber(roomID string, fn func(*Session)) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return
	}
	defer r.unlockRoom(roomID, rm)
	for _, s := range rm.sessions {
		fn(s)
	}
}

// IdentitiesIn returns the distinct identities subscribed to the room.
func (r *Registry) IdentitiesIn(roomID string) []string {
	seen := make(map[string]struct{})
	var out []string
	r.ForEachSubscriber(roomID, func(s *Session) {
		if _, ok := seen[s.IdentityID]; ok {
			return
		}
		seen[s.IdentityID] = struct{}{}
		out = append(out, s.IdentityID)
	})
	return out
}

// Heartbeat records liveness of the session.
func (r *Registry) Heartbeat(sessionID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	s.touch(r.now())
	return nil
}

// Disconnect destroys the session after a normal close.
func (r *Registry) Disconnect(sessionID string) bool {
	return r.Kick(sessionID, models.CloseNormal, "")
}

// Kick destroys the session with the given close code: it is removed from
// every room, its connection is told to close and presence is updated.
// It returns false if the session was already gone.
func (r *Registry) Kick(sessionID string, code int, reason string) bool {
	r.sessionsMu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if byID := r.byIdentity[s.IdentityID]; byID != nil {
			delete(byID, sessionID)
			if len(byID) == 0 {
				delete(r.byIdentity, s.IdentityID)
			}
		}
	}
	total := len(r.sessions)
	r.sessionsMu.Unlock()
	if !ok {
		return false
	}

	rooms, _ := s.markClosed(code, reason)
	for _, roomID := range rooms {
		if rm := r.lockRoom(roomID, false); rm != nil {
			delete(rm.sessions, s.ID)
			r.unlockRoom(roomID, rm)
		}
	}

	slog.Info("session closed",
		"session_id", s.ID,
		"identity_id", s.IdentityID,
		"code", code,
		"reason", reason,
		"sessions", total,
	)
	r.notify(func(l Lifecycle) { l.SessionClosed(s.IdentityID) })
	return true
}

// KickIdentity destroys every session of the identity and returns how many
// were closed.
func (r *Registry) KickIdentity(identityID string, code int, reason string) int {
	n := 0
	for _, s := range r.SessionsOf(identityID) {
		if r.Kick(s.ID, code, reason) {
			n++
		}
	}
	return n
}

// CloseAll destroys every session, used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.sessionsMu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessionsMu.RUnlock()
	for _, id := range ids {
		r.Kick(id, code, reason)
	}
}

// Stats returns the number of live sessions and active rooms.
func (r *Registry) Stats() (sessions, rooms int) {
	r.sessionsMu.RLock()
	sessions = len(r.sessions)
	r.sessionsMu.RUnlock()
	r.roomsMu.Lock()
	rooms = len(r.rooms)
	r.roomsMu.Unlock()
	return sessions, rooms
}

// Run destroys sessions whose heartbeat deadline passed until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	deadline := r.now().Add(-r.cfg.HeartbeatTimeout)
	r.sessionsMu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastHeartbeat().Before(deadline) {
			expired = append(expired, id)
		}
	}
	r.sessionsMu.RUnlock()

	for _, id := range expired {
		r.Kick(id, models.CloseHeartbeatTimeout, "heartbeat timeout")
	}
}

// lockRoom returns the room locked, creating it when create is set.
// It returns nil if the room has no subscribers and create is false.
func (r *Registry) lockRoom(roomID string, create bool) *room {
	for {
		r.roomsMu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.roomsMu.Unlock()
				return nil
			}
			rm = &room{sessions: make(map[string]*Session)}
			r.rooms[roomID] = rm
		}
		r.roomsMu.Unlock()

		rm.mu.Lock()
		if !rm.dead {
			return rm
		}
		// Emptied and dropped while we waited; look it up again.
		rm.mu.Unlock()
	}
}

// unlockRoom releases the room and drops it once it has no subscribers.
func (r *Registry) unlockRoom(roomID string, rm *room) {
	if len(rm.sessions) == 0 {
		rm.dead = true
		r.roomsMu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.roomsMu.Unlock()
	}
	rm.mu.Unlock()
}
