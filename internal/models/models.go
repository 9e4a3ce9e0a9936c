package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the known presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Room is a named channel and the unit of broadcast scope.
type Room struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	LastSeq int64    `json:"lastSeq"` // Sequence of the newest message in the room
}

// Message represents a persisted chat message.
// ID is the per-room sequence number assigned by the repository,
// so IDs within one room are strictly increasing.
type Message struct {
	ID            int64  `json:"id"`
	RoomID        string `json:"roomId"`
	AuthorID      string `json:"authorId"`
	Content       string `json:"content"`
	HTML          string `json:"html,omitempty"`
	ClientLocalID string `json:"clientLocalId,omitempty"`
	CreatedAt     int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// ReadReceipt is the read watermark of one identity in one room.
type ReadReceipt struct {
	RoomID            string `json:"roomId"`
	IdentityID        string `json:"identityId"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
	ReadAt            int64  `json:"readAt"` // Unix timestamp (milliseconds)
}

// PresenceState is the aggregate status of an identity across all its sessions.
type PresenceState struct {
	IdentityID    string         `json:"identityId"`
	Status        PresenceStatus `json:"status"`
	LastChangedAt int64          `json:"lastChangedAt"` // Unix timestamp (milliseconds)
	CustomMessage string         `json:"customMessage,omitempty"`
}

// PushSubscription is a browser Web Push endpoint registered by an identity.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
