package ws

import (
	"context"
	"log/slog"

	"roomsync/internal/models"
	"roomsync/internal/presence"
	"roomsync/internal/session"
)

type sessionRegistry interface {
	JoinRoom(sessionID, roomID string) error
	LeaveRoom(sessionID, roomID string) error
	Heartbeat(sessionID string) error
	IdentitiesIn(roomID string) []string
}

type eventSender interface {
	Send(s *session.Session, ev models.Event) error
}

type presenceTracker interface {
	Get(identityID string) models.PresenceState
	SetStatus(identityID string, status models.PresenceStatus, customMessage string) error
	StartTyping(identityID, roomID string)
	StopTyping(identityID, roomID string)
	Typing(roomID string) []string
}

type messageQueue interface {
	Submit(ctx context.Context, sessionID, roomID, body, clientLocalID string) (models.Message, error)
	RecordRead(ctx context.Context, identityID, roomID string, messageID int64) (bool, error)
}

// Router applies client events of a session to the server components.
// Rejections are answered to the session only and never close it.
type Router struct {
	registry sessionRegistry
	sender   eventSender
	presence presenceTracker
	messages messageQueue
}

func NewRouter(registry sessionRegistry, sender eventSender, presence presenceTracker, messages messageQueue) *Router {
	return &Router{
		registry: registry,
		sender:   sender,
		presence: presence,
		messages: messages,
	}
}

// Reply sends ev to the session alone.
func (r *Router) Reply(s *session.Session, ev models.Event) {
	if err := r.sender.Send(s, ev); err != nil {
		slog.Debug("reply dropped", "session_id", s.ID, "type", ev.Type, "error", err)
	}
}

func (r *Router) Route(ctx context.Context, s *session.Session, ev models.Event) {
	switch ev.Type {
	case models.EventHeartbeat:
		if err := r.registry.Heartbeat(s.ID); err != nil {
			return
		}
		r.Reply(s, models.MustEvent(models.EventHeartbeatResponse, struct{}{}))

	case models.EventJoinRoom:
		var p models.JoinRoom
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		r.joinRoom(s, p.RoomID)

	case models.EventLeaveRoom:
		var p models.LeaveRoom
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		if err := r.registry.LeaveRoom(s.ID, p.RoomID); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", p.RoomID))
			return
		}
		r.Reply(s, models.MustEvent(models.EventLeftRoom, models.LeftRoom{RoomID: p.RoomID}))

	case models.EventSendMessage:
		var p models.SendMessage
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		if _, err := r.messages.Submit(ctx, s.ID, p.RoomID, p.Content, p.ClientLocalID); err != nil {
			r.Reply(s, models.ErrorEvent(err, p.ClientLocalID, p.RoomID))
		}

	case models.EventTyping:
		var p models.Typing
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		if !s.InRoom(p.RoomID) {
			r.Reply(s, models.ErrorEvent(models.NewError(models.CodeAuthorization, "not subscribed to this room", nil), "", p.RoomID))
			return
		}
		if p.IsTyping {
			r.presence.StartTyping(s.IdentityID, p.RoomID)
		} else {
			r.presence.StopTyping(s.IdentityID, p.RoomID)
		}

	case models.EventMessageRead:
		var p models.MessageRead
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		if _, err := r.messages.RecordRead(ctx, s.IdentityID, p.RoomID, p.MessageID); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", p.RoomID))
		}

	case models.EventSetStatus:
		var p models.SetStatus
		if err := ev.Decode(&p); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
			return
		}
		if err := r.presence.SetStatus(s.IdentityID, p.Status, p.CustomMessage); err != nil {
			r.Reply(s, models.ErrorEvent(err, "", ""))
		}

	default:
		r.Reply(s, models.ErrorEvent(models.NewError(models.CodeValidation, "unknown event type "+string(ev.Type), nil), "", ""))
	}
}

// joinRoom subscribes the session and sends it the current presence and
// typing state of the room.
func (r *Router) joinRoom(s *session.Session, roomID string) {
	if err := r.registry.JoinRoom(s.ID, roomID); err != nil {
		r.Reply(s, models.MustEvent(models.EventJoinedRoom, models.JoinedRoom{RoomID: roomID, Success: false}))
		r.Reply(s, models.ErrorEvent(err, "", roomID))
		return
	}
	r.Reply(s, models.MustEvent(models.EventJoinedRoom, models.JoinedRoom{RoomID: roomID, Success: true}))

	// The snapshot takes at most half of the free outbound queue so a large
	// room cannot evict the joining session. Identities left out show up
	// with their next presence change.
	budget := (s.Capacity() - s.Backlog()) / 2
	skipped := 0
	snapshot := func(ev models.Event) {
		if budget <= 0 {
			skipped++
			return
		}
		budget--
		r.Reply(s, ev)
	}
	for _, identityID := range r.registry.IdentitiesIn(roomID) {
		if identityID != s.IdentityID {
			snapshot(presence.PresenceEvent(r.presence.Get(identityID)))
		}
	}
	for _, identityID := range r.presence.Typing(roomID) {
		if identityID != s.IdentityID {
			snapshot(presence.TypingEvent(identityID, roomID, true))
		}
	}
	if skipped > 0 {
		slog.Debug("room snapshot truncated", "session_id", s.ID, "room_id", roomID, "skipped", skipped)
	}
}
