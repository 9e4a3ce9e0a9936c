package session

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one authenticated live connection.
//
// The outbound queue is the transport handle: the connection writer drains
// Outbound() to the socket until Done() is closed. The queue has a fixed
// depth and Enqueue never blocks.
type Session struct {
	ID         string
	IdentityID string
	StartedAt  time.Time

	lastHeartbeat atomic.Int64
	out           chan []byte
	done          chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	rooms       map[string]struct{}
}

func newSession(id, identityID string, depth int, now time.Time) *Session {
	s := &Session{
		ID:         id,
		IdentityID: identityID,
		StartedAt:  now,
		out:        make(chan []byte, depth),
		done:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
	s.lastHeartbeat.Store(now.UnixNano())
	return s
}

// Enqueue appends a frame to the outbound queue.
// It returns false if the queue is full or the session is closed.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Outbound returns the queue of encoded frames waiting to be written.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Backlog is the number of frames waiting in the outbound queue.
func (s *Session) Backlog() int {
	return len(s.out)
}

// Capacity is the depth of the outbound queue.
func (s *Session) Capacity() int {
	return cap(s.out)
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseStatus returns the close code and reason the session was destroyed
// with. It is only meaningful after Done is closed.
func (s *Session) CloseStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastHeartbeat.Store(now.UnixNano())
}

// Rooms returns the rooms the session is subscribed to.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.rooms))
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// addRoom records the subscription unless the session is already closed.
func (s *Session) addRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// markClosed closes the session once and returns the rooms it was
// subscribed to at that moment. No room can be added afterwards.
func (s *Session) markClosed(code int, reason string) ([]string, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	rooms := slices.Collect(maps.Keys(s.rooms))
	s.mu.Unlock()

	close(s.done)
	return rooms, true
}
