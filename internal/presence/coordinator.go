// Package presence aggregates per-identity online status across sessions
// and maintains ephemeral typing indicators per room.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/models"
)

const (
	DefaultGracePeriod    = 5 * time.Second
	DefaultTypingTTL      = 5 * time.Second
	DefaultTypingDebounce = time.Second
)

// Publisher fans an event out to a room.
type Publisher interface {
	Publish(roomID string, ev models.Event) error
}

// RoomDirectory lists the rooms whose members see an identity's presence.
type RoomDirectory interface {
	RoomsOf(identityID string) ([]string, error)
}

type Config struct {
	// GracePeriod delays the offline broadcast after the last session
	// closes, absorbing reconnect flaps.
	GracePeriod time.Duration
	// TypingTTL is how long a typing indicator lives without a refresh.
	TypingTTL time.Duration
	// TypingDebounce is the minimum interval between two "typing" broadcasts
	// for the same identity and room.
	TypingDebounce time.Duration
}

func (c *Config) setDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
}

type identityState struct {
	// pubMu orders the identity's presence broadcasts. It is taken before mu.
	pubMu sync.Mutex

	mu           sync.Mutex
	sessions     int
	state        models.PresenceState
	offlineTimer *time.Timer
	gen          uint64
	// publishing counts broadcasts that still hold this entry.
	publishing int
	dead       bool
}

// idle reports whether the entry carries nothing beyond the offline default.
func (st *identityState) idle() bool {
	return st.sessions == 0 && st.offlineTimer == nil && st.publishing == 0 &&
		st.state.Status == models.PresenceOffline
}

type indicator struct {
	expiresAt     time.Time
	lastBroadcast time.Time
	timer         *time.Timer
	gen           uint64
}

type roomTyping struct {
	mu         sync.Mutex
	indicators map[string]*indicator
	dead       bool
}

// Coordinator is the presence and typing state machine. State is guarded by
// a lock per identity (presence) and per room (typing); broadcasts are made
// after those locks are released and are best effort. Presence broadcasts of
// one identity are serialized and always carry the state current at publish
// time, so the last one a room sees matches the identity's state.
//
// Entries are dropped once they hold nothing but defaults: an offline
// identity without a pending timer, a room without typing indicators.
type Coordinator struct {
	cfg Config
	pub Publisher
	dir RoomDirectory
	now func() time.Time

	mu         sync.Mutex
	closed     bool
	identities map[string]*identityState
	typing     map[string]*roomTyping
}

func NewCoordinator(cfg Config, pub Publisher, dir RoomDirectory) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:        cfg,
		pub:        pub,
		dir:        dir,
		now:        time.Now,
		identities: make(map[string]*identityState),
		typing:     make(map[string]*roomTyping),
	}
}

// lockIdentity returns the identity's entry locked, creating it if needed.
func (c *Coordinator) lockIdentity(identityID string) *identityState {
	for {
		c.mu.Lock()
		st, ok := c.identities[identityID]
		if !ok {
			st = &identityState{state: models.PresenceState{
				IdentityID: identityID,
				Status:     models.PresenceOffline,
			}}
			c.identities[identityID] = st
		}
		c.mu.Unlock()

		st.mu.Lock()
		if !st.dead {
			return st
		}
		// Dropped while we waited; look it up again.
		st.mu.Unlock()
	}
}

// unlockIdentity releases st and drops it once idle.
func (c *Coordinator) unlockIdentity(st *identityState) {
	if st.idle() {
		st.dead = true
		c.mu.Lock()
		if c.identities[st.state.IdentityID] == st {
			delete(c.identities, st.state.IdentityID)
		}
		c.mu.Unlock()
	}
	st.mu.Unlock()
}

// lockRoom returns the room's typing state locked. With create unset it
// returns nil for a room without indicators.
func (c *Coordinator) lockRoom(roomID string, create bool) *roomTyping {
	for {
		c.mu.Lock()
		rt, ok := c.typing[roomID]
		if !ok {
			if !create {
				c.mu.Unlock()
				return nil
			}
			rt = &roomTyping{indicators: make(map[string]*indicator)}
			c.typing[roomID] = rt
		}
		c.mu.Unlock()

		rt.mu.Lock()
		if !rt.dead {
			return rt
		}
		rt.mu.Unlock()
	}
}

// unlockRoom releases rt and drops it once it has no indicators.
func (c *Coordinator) unlockRoom(roomID string, rt *roomTyping) {
	if len(rt.indicators) == 0 {
		rt.dead = true
		c.mu.Lock()
		if c.typing[roomID] == rt {
			delete(c.typing, roomID)
		}
		c.mu.Unlock()
	}
	rt.mu.Unlock()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionOpened counts a new session of the identity. The first session
// brings an offline identity online; a session opened during the grace
// period cancels the pending offline transition silently.
func (c *Coordinator) SessionOpened(identityID string) {
	st := c.lockIdentity(identityID)
	st.sessions++
	if st.offlineTimer != nil {
		st.offlineTimer.Stop()
		st.offlineTimer = nil
		st.gen++
	}
	changed := false
	if st.sessions == 1 && st.state.Status == models.PresenceOffline {
		st.state.Status = models.PresenceOnline
		st.state.LastChangedAt = c.now().UnixMilli()
		changed = true
		st.publishing++
	}
	st.mu.Unlock()

	if changed {
		c.broadcastPresence(st)
	}
}

// SessionClosed releases one session of the identity. When the last one
// goes, the identity turns offline after the grace period unless a new
// session opens first.
func (c *Coordinator) SessionClosed(identityID string) {
	st := c.lockIdentity(identityID)
	defer c.unlockIdentity(st)
	if st.sessions == 0 {
		return
	}
	st.sessions--
	if st.sessions > 0 || st.offlineTimer != nil || c.isClosed() {
		return
	}
	st.gen++
	gen := st.gen
	st.offlineTimer = time.AfterFunc(c.cfg.GracePeriod, func() {
		c.expireOnline(identityID, gen)
	})
}

func (c *Coordinator) expireOnline(identityID string, gen uint64) {
	st := c.lockIdentity(identityID)
	if st.gen != gen || st.sessions > 0 {
		c.unlockIdentity(st)
		return
	}
	st.offlineTimer = nil
	st.state.Status = models.PresenceOffline
	st.state.CustomMessage = ""
	st.state.LastChangedAt = c.now().UnixMilli()
	st.publishing++
	st.mu.Unlock()

	c.broadcastPresence(st)
}

// SetStatus applies an explicit status change and rebroadcasts it.
// Offline cannot be chosen explicitly; it follows from the last session closing.
func (c *Coordinator) SetStatus(identityID string, status models.PresenceStatus, customMessage string) error {
	if !status.Valid() || status == models.PresenceOffline {
		return models.NewError(models.CodeValidation, "unsupported presence status", nil)
	}
	st := c.lockIdentity(identityID)
	if st.sessions == 0 {
		c.unlockIdentity(st)
		return models.NewError(models.CodeValidation, "identity has no live session", nil)
	}
	st.state.Status = status
	st.state.CustomMessage = customMessage
	st.state.LastChangedAt = c.now().UnixMilli()
	st.publishing++
	st.mu.Unlock()

	c.broadcastPresence(st)
	return nil
}

// Get returns the current presence of an identity.
func (c *Coordinator) Get(identityID string) models.PresenceState {
	c.mu.Lock()
	st, ok := c.identities[identityID]
	c.mu.Unlock()
	if !ok {
		return models.PresenceState{IdentityID: identityID, Status: models.PresenceOffline}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// PresenceEvent builds the presenceUpdated event for state.
func PresenceEvent(state models.PresenceState) models.Event {
	return models.MustEvent(models.EventPresenceUpdated, models.PresenceUpdated{
		IdentityID:    state.IdentityID,
		Status:        state.Status,
		CustomMessage: state.CustomMessage,
		LastSeen:      state.LastChangedAt,
	})
}

// broadcastPresence publishes the identity's current state and releases the
// publishing hold taken by the caller. A transition that lands while an
// earlier broadcast is in flight publishes after it, so rooms never end on
// a stale state.
func (c *Coordinator) broadcastPresence(st *identityState) {
	st.pubMu.Lock()
	st.mu.Lock()
	state := st.state
	st.mu.Unlock()

	c.publishPresence(state)
	st.pubMu.Unlock()

	st.mu.Lock()
	st.publishing--
	c.unlockIdentity(st)
}

func (c *Coordinator) publishPresence(state models.PresenceState) {
	rooms, err := c.dir.RoomsOf(state.IdentityID)
	if err != nil {
		slog.Warn("presence broadcast skipped", "identity_id", state.IdentityID, "error", err)
		return
	}
	ev := PresenceEvent(state)
	for _, roomID := range rooms {
		if err := c.pub.Publish(roomID, ev); err != nil {
			slog.Warn("presence broadcast failed", "identity_id", state.IdentityID, "room_id", roomID, "error", err)
		}
	}
}

// StartTyping creates or refreshes the identity's typing indicator in the
// room. Refreshes inside the debounce interval are not rebroadcast.
func (c *Coordinator) StartTyping(identityID, roomID string) {
	if c.isClosed() {
		return
	}
	rt := c.lockRoom(roomID, true)
	now := c.now()

	ind, ok := rt.indicators[identityID]
	announce := false
	if !ok {
		ind = &indicator{}
		rt.indicators[identityID] = ind
		announce = true
	} else if now.Sub(ind.lastBroadcast) >= c.cfg.TypingDebounce {
		announce = true
	}
	if announce {
		ind.lastBroadcast = now
	}
	ind.expiresAt = now.Add(c.cfg.TypingTTL)
	ind.gen++
	gen := ind.gen
	if ind.timer != nil {
		ind.timer.Stop()
	}
	ind.timer = time.AfterFunc(c.cfg.TypingTTL, func() {
		c.expireTyping(identityID, roomID, gen)
	})
	c.unlockRoom(roomID, rt)

	if announce {
		c.broadcastTyping(identityID, roomID, true)
	}
}

// StopTyping clears the indicator early.
func (c *Coordinator) StopTyping(identityID, roomID string) {
	c.clearTyping(identityID, roomID, 0)
}

// MessagePosted clears the author's indicator when their message lands.
func (c *Coordinator) MessagePosted(identityID, roomID string) {
	c.clearTyping(identityID, roomID, 0)
}

func (c *Coordinator) expireTyping(identityID, roomID string, gen uint64) {
	c.clearTyping(identityID, roomID, gen)
}

// clearTyping removes the indicator and broadcasts "typing cleared".
// A non-zero gen only clears the indicator generation it was armed for.
func (c *Coordinator) clearTyping(identityID, roomID string, gen uint64) {
	rt := c.lockRoom(roomID, false)
	if rt == nil {
		return
	}
	ind, ok := rt.indicators[identityID]
	if !ok || (gen != 0 && ind.gen != gen) {
		c.unlockRoom(roomID, rt)
		return
	}
	if ind.timer != nil {
		ind.timer.Stop()
	}
	delete(rt.indicators, identityID)
	c.unlockRoom(roomID, rt)

	c.broadcastTyping(identityID, roomID, false)
}

// Typing returns the identities with a live typing indicator in the room.
func (c *Coordinator) Typing(roomID string) []string {
	rt := c.lockRoom(roomID, false)
	if rt == nil {
		return nil
	}
	defer c.unlockRoom(roomID, rt)
	out := make([]string, 0, len(rt.indicators))
	for id := range rt.indicators {
		out = append(out, id)
	}
	return out
}

// TypingEvent builds the typingIndicatorUpdated event.
func TypingEvent(identityID, roomID string, isTyping bool) models.Event {
	return models.MustEvent(models.EventTypingIndicatorUpdated, models.TypingIndicatorUpdated{
		RoomID:     roomID,
		IdentityID: identityID,
		IsTyping:   isTyping,
	})
}

func (c *Coordinator) broadcastTyping(identityID, roomID string, isTyping bool) {
	if err := c.pub.Publish(roomID, TypingEvent(identityID, roomID, isTyping)); err != nil {
		slog.Debug("typing broadcast failed", "identity_id", identityID, "room_id", roomID, "error", err)
	}
}

// Close stops every pending timer. Nothing is broadcast afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	identities := make([]*identityState, 0, len(c.identities))
	for _, st := range c.identities {
		identities = append(identities, st)
	}
	rooms := make([]*roomTyping, 0, len(c.typing))
	for _, rt := range c.typing {
		rooms = append(rooms, rt)
	}
	clear(c.typing)
	c.mu.Unlock()

	for _, st := range identities {
		st.mu.Lock()
		if st.offlineTimer != nil {
			st.offlineTimer.Stop()
			st.offlineTimer = nil
			st.gen++
		}
		st.mu.Unlock()
	}
	for _, rt := range rooms {
		rt.mu.Lock()
		rt.dead = true
		for id, ind := range rt.indicators {
			if ind.timer != nil {
				ind.timer.Stop()
			}
			delete(rt.indicators, id)
		}
		rt.mu.Unlock()
	}
}
