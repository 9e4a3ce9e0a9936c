// Package push sends Web Push notifications for new messages to room
// members that have no live session.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"roomsync/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 8
	DefaultBacklog     = 128
	DefaultTTL         = 60 * 60 // seconds
	previewLength      = 140
)

var ErrNotConfigured = errors.New("push notifications are not configured")

type Store interface {
	Members(roomID string) ([]string, error)
	ListPushSubscriptions(identityID string) ([]models.PushSubscription, error)
	DeletePushSubscription(identityID, endpoint string) error
}

// Presence tells whether an identity currently has a live session.
type Presence interface {
	Online(identityID string) bool
}

type Config struct {
	PublicKey   string
	PrivateKey  string
	Subscriber  string // mailto: or https: contact of the sender
	TTL         int
	Concurrency int
	Backlog     int
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	RoomID    string `json:"roomId"`
	MessageID int64  `json:"messageId"`
	AuthorID  string `json:"authorId"`
	Preview   string `json:"preview"`
}

type Notifier struct {
	cfg      Config
	store    Store
	presence Presence
	send     sendFunc
	queue    chan models.Message
}

func NewNotifier(cfg Config, store Store, presence Presence) *Notifier {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	return &Notifier{
		cfg:      cfg,
		store:    store,
		presence: presence,
		send:     webpush.SendNotificationWithContext,
		queue:    make(chan models.Message, cfg.Backlog),
	}
}

// PublicKey returns the VAPID application server key for browsers.
func (n *Notifier) PublicKey() (string, error) {
	if !n.cfg.Enabled() {
		return "", ErrNotConfigured
	}
	return n.cfg.PublicKey, nil
}

// NotifyMessage schedules notifications for msg. It never blocks; when the
// backlog is full the notification is dropped.
func (n *Notifier) NotifyMessage(msg models.Message) {
	if !n.cfg.Enabled() {
		return
	}
	select {
	case n.queue <- msg:
	default:
		slog.Warn("push backlog full, notification dropped", "room_id", msg.RoomID, "message_id", msg.ID)
	}
}

// Run delivers scheduled notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg models.Message) {
	members, err := n.store.Members(msg.RoomID)
	if err != nil {
		slog.Warn("failed to load room members for push", "room_id", msg.RoomID, "error", err)
		return
	}
	payload, err := json.Marshal(Payload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		Preview:   preview(msg.Content),
	})
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Concurrency)
	for _, identityID := range members {
		if identityID == msg.AuthorID || n.presence.Online(identityID) {
			continue
		}
		subs, err := n.store.ListPushSubscriptions(identityID)
		if err != nil {
			slog.Warn("failed to load push subscriptions", "identity_id", identityID, "error", err)
			continue
		}
		for _, sub := range subs {
			g.Go(func() error {
				n.sendOne(gctx, identityID, sub, payload)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (n *Notifier) sendOne(ctx context.Context, identityID string, sub models.PushSubscription, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := n.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.PublicKey,
		VAPIDPrivateKey: n.cfg.PrivateKey,
		TTL:             n.cfg.TTL,
	})
	if err != nil {
		slog.Warn("push delivery failed", "identity_id", identityID, "error", err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := n.store.DeletePushSubscription(identityID, sub.Endpoint); err != nil {
			slog.Warn("failed to delete expired push subscription", "identity_id", identityID, "error", err)
		}
	case resp.StatusCode >= 300:
		slog.Warn("push service rejected notification", "identity_id", identityID, "status", resp.StatusCode)
	}
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	r := []rune(body)
	return string(r[:previewLength]) + "…"
}

// GenerateKeys creates a new VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
