package client

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"roomsync/internal/backoff"
	"roomsync/internal/models"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type ActionKind string

const (
	ActionSend   ActionKind = "send"
	ActionRead   ActionKind = "read"
	ActionTyping ActionKind = "typing"
)

type TicketStatus string

const (
	StatusPending      TicketStatus = "pending"
	StatusSent         TicketStatus = "sent"
	StatusAcknowledged TicketStatus = "acknowledged"
	StatusFailed       TicketStatus = "failed"
)

const (
	DefaultMaxAttempts      = 5
	DefaultTypingStaleAfter = 5 * time.Second
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrNotFailed     = errors.New("action has not failed")
	ErrInFlight      = errors.New("action is awaiting acknowledgement")
)

// Action is a user action waiting for the transport. Send actions are the
// outbound message tickets: they stay queued until the server acknowledges
// them or the user discards them.
type Action struct {
	LocalID   string       `msgpack:"id"`
	Kind      ActionKind   `msgpack:"k"`
	RoomID    string       `msgpack:"r"`
	Content   string       `msgpack:"c,omitempty"`
	MessageID int64        `msgpack:"m,omitempty"`
	IsTyping  bool         `msgpack:"t,omitempty"`
	Status    TicketStatus `msgpack:"s"`
	Attempts  int          `msgpack:"a"`
	CreatedAt time.Time    `msgpack:"ca"`
	// NotBefore delays the next attempt after a failure.
	NotBefore time.Time `msgpack:"nb,omitempty"`
	SentAt    time.Time `msgpack:"sa,omitempty"`
	ServerID  int64     `msgpack:"sid,omitempty"`
	LastError string    `msgpack:"err,omitempty"`
}

// Event returns the wire form of the action.
func (a Action) Event() models.Event {
	switch a.Kind {
	case ActionRead:
		return models.MustEvent(models.EventMessageRead, models.MessageRead{RoomID: a.RoomID, MessageID: a.MessageID})
	case ActionTyping:
		return models.MustEvent(models.EventTyping, models.Typing{RoomID: a.RoomID, IsTyping: a.IsTyping})
	default:
		return models.MustEvent(models.EventSendMessage, models.SendMessage{
			RoomID:        a.RoomID,
			Content:       a.Content,
			ClientLocalID: a.LocalID,
		})
	}
}

type QueueConfig struct {
	// MaxAttempts bounds automatic sends of one message.
	MaxAttempts int
	Backoff     backoff.Policy
	// TypingStaleAfter drops queued typing actions older than this instead
	// of sending them late.
	TypingStaleAfter time.Duration
}

func (c *QueueConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}
	if c.TypingStaleAfter <= 0 {
		c.TypingStaleAfter = DefaultTypingStaleAfter
	}
}

// Queue is the offline action queue. Actions of one room are transmitted in
// submission order with at most one send awaiting acknowledgement per room;
// rooms are independent of each other.
//
// Queue is not safe for concurrent use. It is owned by the manager's event
// loop.
type Queue struct {
	cfg     QueueConfig
	actions []*Action
}

func NewQueue(cfg QueueConfig) *Queue {
	cfg.setDefaults()
	return &Queue{cfg: cfg}
}

func (q *Queue) find(localID string) (int, *Action) {
	for i, a := range q.actions {
		if a.LocalID == localID {
			return i, a
		}
	}
	return -1, nil
}

func (q *Queue) remove(i int) {
	q.actions = slices.Delete(q.actions, i, i+1)
}

// Enqueue appends an action and returns its copy with the assigned local id.
// A typing action supersedes the pending typing action of the same room and
// takes its place at the tail, behind anything queued in between.
func (q *Queue) Enqueue(a Action, now time.Time) Action {
	if a.LocalID == "" {
		a.LocalID = uuid.NewString()
	}
	a.Status = StatusPending
	a.CreatedAt = now

	if a.Kind == ActionTyping {
		q.actions = slices.DeleteFunc(q.actions, func(queued *Action) bool {
			return queued.Kind == ActionTyping && queued.RoomID == a.RoomID && queued.Status == StatusPending
		})
	}
	q.actions = append(q.actions, &a)
	return a
}

// Next returns the actions that may be transmitted now, at most limit of
// them (no limit when limit <= 0). Stale typing actions are dropped.
func (q *Queue) Next(now time.Time, limit int) []Action {
	var ready []Action
	blocked := make(map[string]bool)
	for i := 0; i < len(q.actions); i++ {
		a := q.actions[i]
		if blocked[a.RoomID] {
			continue
		}
		switch a.Status {
		case StatusFailed:
			// Parked until retried or discarded by the user.
			continue
		case StatusSent:
			blocked[a.RoomID] = true
			continue
		}
		if a.Kind == ActionTyping && now.Sub(a.CreatedAt) > q.cfg.TypingStaleAfter {
			q.remove(i)
			i--
			continue
		}
		blocked[a.RoomID] = true
		if a.NotBefore.After(now) {
			continue
		}
		ready = append(ready, *a)
		if limit > 0 && len(ready) >= limit {
			break
		}
	}
	return ready
}

// MarkSent records that the action was handed to the transport. Reads and
// typing need no acknowledgement and leave the queue; the returned action
// reports their final status.
func (q *Queue) MarkSent(localID string, now time.Time) (Action, bool) {
	i, a := q.find(localID)
	if a == nil {
		return Action{}, false
	}
	a.Attempts++
	a.SentAt = now
	if a.Kind != ActionSend {
		a.Status = StatusAcknowledged
		done := *a
		q.remove(i)
		return done, true
	}
	a.Status = StatusSent
	return *a, true
}

// Ack resolves an in-flight send. It returns false for unknown or already
// acknowledged ids, so every ticket is acknowledged at most once.
func (q *Queue) Ack(localID string, serverID int64) (Action, bool) {
	i, a := q.find(localID)
	if a == nil || a.Kind != ActionSend {
		return Action{}, false
	}
	a.Status = StatusAcknowledged
	a.ServerID = serverID
	a.LastError = ""
	done := *a
	q.remove(i)
	return done, true
}

// Reject records a failed attempt of an in-flight send. Retryable failures
// are retried after a backoff until MaxAttempts is reached; anything else
// marks the ticket failed.
func (q *Queue) Reject(localID string, cause error, now time.Time) (Action, bool) {
	_, a := q.find(localID)
	if a == nil || a.Status != StatusSent {
		return Action{}, false
	}
	q.fail(a, cause, now)
	return *a, true
}

func (q *Queue) fail(a *Action, cause error, now time.Time) {
	a.LastError = cause.Error()
	if models.CodeOf(cause).Retryable() && a.Attempts < q.cfg.MaxAttempts {
		a.Status = StatusPending
		a.NotBefore = now.Add(q.cfg.Backoff.Delay(a.Attempts - 1))
		return
	}
	a.Status = StatusFailed
}

// ConnectionLost returns every in-flight send to the queue as a failed
// transport attempt. The server deduplicates resends by local id.
func (q *Queue) ConnectionLost(now time.Time) []Action {
	var changed []Action
	for _, a := range q.actions {
		if a.Status == StatusSent {
			q.fail(a, models.NewError(models.CodeTransport, "connection lost", nil), now)
			changed = append(changed, *a)
		}
	}
	return changed
}

// ExpireAcks fails in-flight sends that were not acknowledged in time.
func (q *Queue) ExpireAcks(now time.Time, timeout time.Duration) []Action {
	var changed []Action
	for _, a := range q.actions {
		if a.Status == StatusSent && now.Sub(a.SentAt) >= timeout {
			q.fail(a, models.NewError(models.CodeTransport, "acknowledgement timed out", nil), now)
			changed = append(changed, *a)
		}
	}
	return changed
}

// NextWake returns when the queue next needs attention after now: the
// earliest retry or acknowledgement deadline. It is zero if nothing is
// scheduled.
func (q *Queue) NextWake(now time.Time, ackTimeout time.Duration) time.Time {
	var wake time.Time
	consider := func(t time.Time) {
		if t.After(now) && (wake.IsZero() || t.Before(wake)) {
			wake = t
		}
	}
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			consider(a.NotBefore)
		case StatusSent:
			consider(a.SentAt.Add(ackTimeout))
		}
	}
	return wake
}

// Retry re-arms a failed ticket with a fresh attempt budget.
func (q *Queue) Retry(localID string) (Action, error) {
	_, a := q.find(localID)
	if a == nil {
		return Action{}, ErrUnknownAction
	}
	if a.Status != StatusFailed {
		return Action{}, ErrNotFailed
	}
	a.Status = StatusPending
	a.Attempts = 0
	a.NotBefore = time.Time{}
	return *a, nil
}

// Discard drops a queued action. In-flight sends cannot be discarded.
func (q *Queue) Discard(localID string) error {
	i, a := q.find(localID)
	if a == nil {
		return ErrUnknownAction
	}
	if a.Status == StatusSent {
		return ErrInFlight
	}
	q.remove(i)
	return nil
}

// Tickets returns the queued message sends in submission order.
func (q *Queue) Tickets() []Action {
	var out []Action
	for _, a := range q.actions {
		if a.Kind == ActionSend {
			out = append(out, *a)
		}
	}
	return out
}

func (q *Queue) Len() int {
	return len(q.actions)
}

// Snapshot serializes the queue.
func (q *Queue) Snapshot() ([]byte, error) {
	data, err := msgpack.Marshal(q.actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue: %w", err)
	}
	return data, nil
}

// Restore replaces the queue content with a snapshot. Sends that were in
// flight when the snapshot was taken are queued again.
func (q *Queue) Restore(data []byte) error {
	var actions []*Action
	if err := msgpack.Unmarshal(data, &actions); err != nil {
		return fmt.Errorf("failed to decode queue: %w", err)
	}
	for _, a := range actions {
		if a.Status == StatusSent {
			a.Status = StatusPending
		}
	}
	q.actions = actions
	return nil
}
