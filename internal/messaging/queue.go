// Package messaging persists chat messages and read receipts and turns them
// into room broadcasts. Work is serialized per room so that message IDs,
// broadcast order and receipt updates agree.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/backoff"
	"roomsync/internal/content"
	"roomsync/internal/models"
	"roomsync/internal/session"

	"github.com/c-pro/geche"
)

const (
	DefaultDedupeTTL       = 10 * time.Minute
	DefaultPersistAttempts = 3
)

var DefaultPersistBackoff = backoff.Policy{
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Repository is the message store.
type Repository interface {
	CreateMessage(message models.Message) (models.Message, error)
	FindMessage(roomID string, id int64) (models.Message, error)
	GetReadReceipt(roomID, identityID string) (models.ReadReceipt, error)
	UpsertReadReceipt(receipt models.ReadReceipt) error
	IsMember(roomID, identityID string) (bool, error)
}

// Sessions resolves the submitting session and its subscriptions.
type Sessions interface {
	Get(sessionID string) (*session.Session, bool)
	IsSubscribed(sessionID, roomID string) bool
}

type Broadcaster interface {
	Publish(roomID string, ev models.Event) error
	SendTo(sessionID string, ev models.Event) error
}

// TypingTracker is told when an author's message lands so their typing
// indicator can be cleared.
type TypingTracker interface {
	MessagePosted(identityID, roomID string)
}

// Notifier is told about every new message after it was broadcast.
type Notifier interface {
	NotifyMessage(msg models.Message)
}

type Config struct {
	// DedupeTTL is how long a clientLocalId is remembered for replies to
	// retried submits.
	DedupeTTL time.Duration
	// PersistAttempts bounds repository writes per submit.
	PersistAttempts int
	PersistBackoff  backoff.Policy
}

func (c *Config) setDefaults() {
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = DefaultDedupeTTL
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = DefaultPersistAttempts
	}
	if c.PersistBackoff == (backoff.Policy{}) {
		c.PersistBackoff = DefaultPersistBackoff
	}
}

type Queue struct {
	cfg      Config
	repo     Repository
	sessions Sessions
	bc       Broadcaster
	typing   TypingTracker
	notifier Notifier
	now      func() time.Time

	// sent maps identity + clientLocalId to the server message id.
	sent geche.Geche[string, int64]

	roomsMu sync.Mutex
	rooms   map[string]*roomLock
}

// roomLock serializes work on one room. refs counts holders and waiters;
// the lock is dropped when it reaches zero.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewQueue creates the message queue. The dedupe cache lives until ctx is done.
func NewQueue(ctx context.Context, cfg Config, repo Repository, sessions Sessions, bc Broadcaster, typing TypingTracker) *Queue {
	cfg.setDefaults()
	return &Queue{
		cfg:      cfg,
		repo:     repo,
		sessions: sessions,
		bc:       bc,
		typing:   typing,
		now:      time.Now,
		sent:     geche.NewMapTTLCache[string, int64](ctx, cfg.DedupeTTL, time.Minute),
		rooms:    make(map[string]*roomLock),
	}
}

// SetNotifier registers n to hear about every new message.
func (q *Queue) SetNotifier(n Notifier) {
	q.notifier = n
}

func (q *Queue) lockRoom(roomID string) {
	q.roomsMu.Lock()
	rl, ok := q.rooms[roomID]
	if !ok {
		rl = &roomLock{}
		q.rooms[roomID] = rl
	}
	rl.refs++
	q.roomsMu.Unlock()

	rl.mu.Lock()
}

func (q *Queue) unlockRoom(roomID string) {
	q.roomsMu.Lock()
	defer q.roomsMu.Unlock()
	rl := q.rooms[roomID]
	rl.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(q.rooms, roomID)
	}
}

func dedupeKey(identityID, clientLocalID string) string {
	return identityID + "\x00" + clientLocalID
}

// Submit persists a message from a session and broadcasts it to the room.
// The sender is answered with messageSent. A submit repeating a
// clientLocalId already accepted for the identity is answered again with
// the original server id and is not broadcast twice.
//
// Errors are classified: validation, authorization (sender not subscribed)
// or persistence after the retry budget is spent. Nothing is broadcast when
// an error is returned.
func (q *Queue) Submit(ctx context.Context, sessionID, roomID, body, clientLocalID string) (models.Message, error) {
	s, ok := q.sessions.Get(sessionID)
	if !ok {
		return models.Message{}, session.ErrUnknownSession
	}
	if err := content.ValidateID(roomID); err != nil {
		return models.Message{}, models.NewError(models.CodeValidation, "invalid room id", err)
	}
	if err := content.ValidateID(clientLocalID); err != nil {
		return models.Message{}, models.NewError(models.CodeValidation, "invalid client local id", err)
	}
	if err := content.ValidateMessage(body); err != nil {
		return models.Message{}, models.NewError(models.CodeValidation, err.Error(), err)
	}
	if !q.sessions.IsSubscribed(sessionID, roomID) {
		return models.Message{}, models.NewError(models.CodeAuthorization, "not subscribed to this room", nil)
	}

	key := dedupeKey(s.IdentityID, clientLocalID)

	q.lockRoom(roomID)
	if id, err := q.sent.Get(key); err == nil {
		q.unlockRoom(roomID)
		slog.Debug("duplicate submit acknowledged", "identity_id", s.IdentityID, "client_local_id", clientLocalID, "message_id", id)
		q.ack(sessionID, clientLocalID, roomID, id)
		return models.Message{ID: id, RoomID: roomID, AuthorID: s.IdentityID, ClientLocalID: clientLocalID}, nil
	}

	msg := models.Message{
		RoomID:        roomID,
		AuthorID:      s.IdentityID,
		Content:       body,
		ClientLocalID: clientLocalID,
		CreatedAt:     q.now().UnixMilli(),
	}
	html, err := content.Render(body)
	if err != nil {
		slog.Warn("failed to render message", "room_id", roomID, "error", err)
	}
	msg.HTML = html

	saved, err := q.persist(ctx, msg)
	if err != nil {
		q.unlockRoom(roomID)
		slog.Error("failed to persist message", "room_id", roomID, "identity_id", s.IdentityID, "error", err)
		return models.Message{}, err
	}
	q.sent.Set(key, saved.ID)

	if err := q.bc.Publish(roomID, models.MustEvent(models.EventReceiveMessage, models.ReceiveMessageFrom(saved))); err != nil {
		slog.Error("failed to broadcast message", "room_id", roomID, "message_id", saved.ID, "error", err)
	}
	q.unlockRoom(roomID)

	q.ack(sessionID, clientLocalID, roomID, saved.ID)
	if q.typing != nil {
		q.typing.MessagePosted(s.IdentityID, roomID)
	}
	if q.notifier != nil {
		q.notifier.NotifyMessage(saved)
	}
	return saved, nil
}

func (q *Queue) ack(sessionID, clientLocalID, roomID string, id int64) {
	ev := models.MustEvent(models.EventMessageSent, models.MessageSent{
		ClientLocalID: clientLocalID,
		ServerID:      id,
		RoomID:        roomID,
	})
	if err := q.bc.SendTo(sessionID, ev); err != nil {
		slog.Debug("failed to acknowledge message", "session_id", sessionID, "message_id", id, "error", err)
	}
}

func (q *Queue) persist(ctx context.Context, msg models.Message) (models.Message, error) {
	var saved models.Message
	err := backoff.Retry(ctx, q.cfg.PersistBackoff, q.cfg.PersistAttempts, retryableStoreError, func() error {
		var err error
		saved, err = q.repo.CreateMessage(msg)
		return err
	})
	if err == nil {
		return saved, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return models.Message{}, models.NewError(models.CodeValidation, "unknown room", err)
	}
	return models.Message{}, models.NewError(models.CodePersistence, "failed to store message", err)
}

func retryableStoreError(err error) bool {
	return !errors.Is(err, models.ErrNotFound)
}

// RecordRead moves the identity's read watermark in the room forward to
// messageID and broadcasts readReceiptUpdated. A receipt that does not move
// the watermark forward is a no-op and reports false.
func (q *Queue) RecordRead(ctx context.Context, identityID, roomID string, messageID int64) (bool, error) {
	if err := content.ValidateID(roomID); err != nil {
		return false, models.NewError(models.CodeValidation, "invalid room id", err)
	}
	if messageID <= 0 {
		return false, models.NewError(models.CodeValidation, "invalid message id", nil)
	}
	member, err := q.repo.IsMember(roomID, identityID)
	if err != nil {
		return false, models.NewError(models.CodePersistence, "failed to check room access", err)
	}
	if !member {
		return false, models.NewError(models.CodeAuthorization, "not a member of this room", nil)
	}

	q.lockRoom(roomID)
	defer q.unlockRoom(roomID)

	current, err := q.repo.GetReadReceipt(roomID, identityID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return false, models.NewError(models.CodePersistence, "failed to load read receipt", err)
	}
	if messageID <= current.LastReadMessageID {
		return false, nil
	}
	if _, err := q.repo.FindMessage(roomID, messageID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, models.NewError(models.CodeValidation, "unknown message", err)
		}
		return false, models.NewError(models.CodePersistence, "failed to load message", err)
	}

	receipt := models.ReadReceipt{
		RoomID:            roomID,
		IdentityID:        identityID,
		LastReadMessageID: messageID,
		ReadAt:            q.now().UnixMilli(),
	}
	err = backoff.Retry(ctx, q.cfg.PersistBackoff, q.cfg.PersistAttempts, nil, func() error {
		return q.repo.UpsertReadReceipt(receipt)
	})
	if err != nil {
		return false, models.NewError(models.CodePersistence, "failed to store read receipt", err)
	}

	ev := models.MustEvent(models.EventReadReceiptUpdated, models.ReadReceiptUpdated{
		RoomID:     roomID,
		IdentityID: identityID,
		MessageID:  messageID,
		ReadAt:     receipt.ReadAt,
	})
	if err := q.bc.Publish(roomID, ev); err != nil {
		slog.Warn("failed to broadcast read receipt", "room_id", roomID, "identity_id", identityID, "error", err)
	}
	return true, nil
}
