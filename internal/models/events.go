package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

// Client -> server events.
const (
	EventJoinRoom    EventType = "joinRoom"
	EventLeaveRoom   EventType = "leaveRoom"
	EventSendMessage EventType = "sendMessage"
	EventTyping      EventType = "typing"
	EventMessageRead EventType = "messageRead"
	EventHeartbeat   EventType = "heartbeat"
	EventSetStatus   EventType = "setStatus"
)

// Server -> client events.
const (
	EventJoinedRoom             EventType = "joinedRoom"
	EventLeftRoom               EventType = "leftRoom"
	EventReceiveMessage         EventType = "receiveMessage"
	EventMessageSent            EventType = "messageSent"
	EventTypingIndicatorUpdated EventType = "typingIndicatorUpdated"
	EventPresenceUpdated        EventType = "presenceUpdated"
	EventReadReceiptUpdated     EventType = "readReceiptUpdated"
	EventHeartbeatResponse      EventType = "heartbeatResponse"
	EventError                  EventType = "error"
)

// Event is a single frame of the wire protocol in either direction.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with payload encoded as its data.
func NewEvent(t EventType, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

// MustEvent is NewEvent for payloads that always encode.
func MustEvent(t EventType, payload any) Event {
	ev, err := NewEvent(t, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unpacks the event data into v. Malformed data is reported
// as a validation error.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return NewError(CodeValidation, fmt.Sprintf("%s: missing data", e.Type), nil)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return NewError(CodeValidation, fmt.Sprintf("%s: malformed data", e.Type), err)
	}
	return nil
}

// Encode serializes the whole frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID        string `json:"roomId"`
	Content       string `json:"content"`
	ClientLocalID string `json:"clientLocalId"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID int64  `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type SetStatus struct {
	Status        PresenceStatus `json:"status"`
	CustomMessage string         `json:"customMessage,omitempty"`
}

type JoinedRoom struct {
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
}

type LeftRoom struct {
	RoomID string `json:"roomId"`
}

type ReceiveMessage struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"roomId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type MessageSent struct {
	ClientLocalID string `json:"clientLocalId"`
	ServerID      int64  `json:"serverId"`
	RoomID        string `json:"roomId,omitempty"`
}

type TypingIndicatorUpdated struct {
	RoomID     string `json:"roomId"`
	IdentityID string `json:"identityId"`
	IsTyping   bool   `json:"isTyping"`
}

type PresenceUpdated struct {
	IdentityID    string         `json:"identityId"`
	Status        PresenceStatus `json:"status"`
	CustomMessage string         `json:"customMessage,omitempty"`
	LastSeen      int64          `json:"lastSeen"`
}

type ReadReceiptUpdated struct {
	RoomID     string `json:"roomId"`
	IdentityID string `json:"identityId"`
	MessageID  int64  `json:"messageId"`
	ReadAt     int64  `json:"readAt"`
}

// ErrorPayload is the data of an error event. ClientLocalID and RoomID
// point at the rejected action when there is one.
type ErrorPayload struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	ClientLocalID string    `json:"clientLocalId,omitempty"`
	RoomID        string    `json:"roomId,omitempty"`
}

// ReceiveMessageFrom converts a persisted message to its broadcast payload.
func ReceiveMessageFrom(m Message) ReceiveMessage {
	return ReceiveMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		HTML:      m.HTML,
		CreatedAt: m.CreatedAt,
	}
}

// ErrorEvent converts err into an error event. Unclassified errors are
// reported as persistence failures without leaking their text.
func ErrorEvent(err error, clientLocalID, roomID string) Event {
	p := ErrorPayload{ClientLocalID: clientLocalID, RoomID: roomID}
	var e *Error
	if errors.As(err, &e) {
		p.Code = e.Code
		p.Message = e.Message
	} else {
		p.Code = CodePersistence
		p.Message = "internal error"
	}
	return MustEvent(EventError, p)
}
