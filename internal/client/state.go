package client

import "time"

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status is what observers see of the connection.
type Status struct {
	State ConnectionState
	// Attempt counts consecutive failed connection attempts.
	Attempt   int
	LastError error
	// RTT is the round trip of the last acknowledged heartbeat.
	RTT              time.Duration
	MissedHeartbeats int
	ConnectedAt      time.Time
	Reconnects       int
	// Queued is the number of actions waiting in the offline queue.
	Queued int
}
