// Package broadcast fans events out to the sessions subscribed to a room.
//
// Delivery never blocks the publisher. Every session has a bounded outbound
// queue; a session whose queue is full when an event arrives is disconnected
// with a capacity close code instead of being buffered further.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"roomsync/internal/models"
	"roomsync/internal/session"
)

// Subscribers is the membership source of the engine.
type Subscribers interface {
	ForEachSubscriber(roomID string, fn func(*session.Session))
	Get(sessionID string) (*session.Session, bool)
	Kick(sessionID string, code int, reason string) bool
}

type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Evicted   uint64 `json:"evicted"`
}

type Engine struct {
	subs Subscribers

	published atomic.Uint64
	delivered atomic.Uint64
	evicted   atomic.Uint64
}

func NewEngine(subs Subscribers) *Engine {
	return &Engine{subs: subs}
}

// Publish delivers ev to every session subscribed to roomID.
//
// The frame is encoded once and enqueued for all subscribers inside the
// room's critical section, so concurrent publishes to one room reach every
// subscriber in the same order.
func (e *Engine) Publish(roomID string, ev models.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	e.published.Add(1)

	var overflow []*session.Session
	e.subs.ForEachSubscriber(roomID, func(s *session.Session) {
		if s.Enqueue(frame) {
			e.delivered.Add(1)
			return
		}
		overflow = append(overflow, s)
	})

	for _, s := range overflow {
		e.evict(s)
	}
	return nil
}

// SendTo delivers ev to a single session, with the same backpressure policy
// as Publish.
func (e *Engine) SendTo(sessionID string, ev models.Event) error {
	s, ok := e.subs.Get(sessionID)
	if !ok {
		return session.ErrUnknownSession
	}
	return e.Send(s, ev)
}

// Send delivers ev to s.
func (e *Engine) Send(s *session.Session, ev models.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if s.Enqueue(frame) {
		e.delivered.Add(1)
		return nil
	}
	e.evict(s)
	return models.ErrCapacity
}

func (e *Engine) evict(s *session.Session) {
	if e.subs.Kick(s.ID, models.CloseCapacity, "outbound queue full") {
		e.evicted.Add(1)
		slog.Warn("session evicted",
			"session_id", s.ID,
			"identity_id", s.IdentityID,
			"backlog", s.Backlog(),
		)
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Delivered: e.delivered.Load(),
		Evicted:   e.evicted.Load(),
	}
}
