package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"roomsync/internal/backoff"
	"roomsync/internal/broadcast"
	"roomsync/internal/models"
	"roomsync/internal/session"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu       sync.Mutex
	failures int // CreateMessage calls left to fail
	creates  int
	members  map[string][]string
	seq      map[string]int64
	messages map[string]map[int64]models.Message
	receipts map[string]models.ReadReceipt
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		members: map[string][]string{
			"general": {"alice", "bob"},
			"random":  {"alice"},
		},
		seq:      make(map[string]int64),
		messages: make(map[string]map[int64]models.Message),
		receipts: make(map[string]models.ReadReceipt),
	}
}

func (r *memoryRepo) Verify(token string) (string, time.Time, error) {
	return token, time.Now().Add(time.Hour), nil
}

func (r *memoryRepo) IsMember(roomID, identityID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members[roomID] {
		if m == identityID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) CreateMessage(msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return models.Message{}, errors.New("disk full")
	}
	if _, ok := r.members[msg.RoomID]; !ok {
		return models.Message{}, models.ErrNotFound
	}
	r.creates++
	r.seq[msg.RoomID]++
	msg.ID = r.seq[msg.RoomID]
	if r.messages[msg.RoomID] == nil {
		r.messages[msg.RoomID] = make(map[int64]models.Message)
	}
	r.messages[msg.RoomID][msg.ID] = msg
	return msg, nil
}

func (r *memoryRepo) FindMessage(roomID string, id int64) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[roomID][id]
	if !ok {
		return models.Message{}, models.ErrNotFound
	}
	return msg, nil
}

func (r *memoryRepo) GetReadReceipt(roomID, identityID string) (models.ReadReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.receipts[roomID+"/"+identityID]
	if !ok {
		return models.ReadReceipt{}, models.ErrNotFound
	}
	return rr, nil
}

func (r *memoryRepo) UpsertReadReceipt(rr models.ReadReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[rr.RoomID+"/"+rr.IdentityID] = rr
	return nil
}

type typingRecorder struct {
	mu     sync.Mutex
	posted []string
}

func (t *typingRecorder) MessagePosted(identityID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.posted = append(t.posted, identityID+"@"+roomID)
}

type fixture struct {
	q      *Queue
	repo   *memoryRepo
	reg    *session.Registry
	typing *typingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := newMemoryRepo()
	reg := session.NewRegistry(session.Config{}, repo, repo)
	typing := &typingRecorder{}
	q := NewQueue(ctx, Config{
		PersistAttempts: 3,
		PersistBackoff:  backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, repo, reg, broadcast.NewEngine(reg), typing)
	return &fixture{q: q, repo: repo, reg: reg, typing: typing}
}

func (f *fixture) connect(t *testing.T, identity string, rooms ...string) *session.Session {
	t.Helper()
	s, err := f.reg.Connect(identity)
	require.NoError(t, err)
	for _, r := range rooms {
		require.NoError(t, f.reg.JoinRoom(s.ID, r))
	}
	return s
}

func drain(t *testing.T, s *session.Session) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		select {
		case frame := <-s.Outbound():
			var ev models.Event
			require.NoError(t, json.Unmarshal(frame, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(events []models.Event, typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestSubmit_DeliversAndAcknowledges(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")

	msg, err := f.q.Submit(context.Background(), a.ID, "general", "hello", "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.ID)

	bEvents := drain(t, b)
	require.Len(t, bEvents, 1)
	require.Equal(t, models.EventReceiveMessage, bEvents[0].Type)
	var received models.ReceiveMessage
	require.NoError(t, bEvents[0].Decode(&received))
	require.Equal(t, "hello", received.Content)
	require.Equal(t, "alice", received.AuthorID)
	require.Equal(t, "<p>hello</p>\n", received.HTML)

	aEvents := drain(t, a)
	sent := ofType(aEvents, models.EventMessageSent)
	require.Len(t, sent, 1)
	var ack models.MessageSent
	require.NoError(t, sent[0].Decode(&ack))
	require.Equal(t, "c1", ack.ClientLocalID)
	require.Equal(t, msg.ID, ack.ServerID)

	require.Equal(t, []string{"alice@general"}, f.typing.posted)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")
	ctx := context.Background()

	tests := []struct {
		name    string
		room    string
		body    string
		localID string
		want    error
	}{
		{"blank body", "general", "   ", "c1", models.ErrValidation},
		{"bad room", "no such room!", "hi", "c1", models.ErrValidation},
		{"missing local id", "general", "hi", "", models.ErrValidation},
		{"not subscribed", "random", "hi", "c1", models.ErrAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.q.Submit(ctx, a.ID, tt.room, tt.body, tt.localID)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.q.Submit(ctx, "gone", "general", "hi", "c1")
	require.ErrorIs(t, err, session.ErrUnknownSession)
	require.Empty(t, drain(t, b))
	require.Zero(t, f.repo.creates)
}

func TestSubmit_DuplicateIsNotRebroadcast(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")
	ctx := context.Background()

	first, err := f.q.Submit(ctx, a.ID, "general", "hello", "c1")
	require.NoError(t, err)
	second, err := f.q.Submit(ctx, a.ID, "general", "hello", "c1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.Equal(t, 1, f.repo.creates)
	require.Len(t, ofType(drain(t, b), models.EventReceiveMessage), 1)
	require.Len(t, ofType(drain(t, a), models.EventMessageSent), 2)
}

func TestSubmit_PersistenceRetry(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")
	ctx := context.Background()

	f.repo.failures = 1
	msg, err := f.q.Submit(ctx, a.ID, "general", "first try fails", "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.ID)
	require.Len(t, ofType(drain(t, b), models.EventReceiveMessage), 1)

	f.repo.failures = 10
	_, err = f.q.Submit(ctx, a.ID, "general", "never stored", "c2")
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Empty(t, drain(t, b), "failed messages are not broadcast")
	require.Empty(t, ofType(drain(t, a), models.EventReceiveMessage))
}

func TestSubmit_ConcurrentOrdering(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_, err := f.q.Submit(ctx, a.ID, "general", "hi", "c"+string(rune('a'+i)))
			if err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	var last int64
	for _, ev := range ofType(drain(t, b), models.EventReceiveMessage) {
		var m models.ReceiveMessage
		require.NoError(t, ev.Decode(&m))
		require.Greater(t, m.ID, last, "broadcast order follows message ids")
		last = m.ID
	}
	require.Equal(t, int64(20), last)

	f.q.roomsMu.Lock()
	defer f.q.roomsMu.Unlock()
	require.Empty(t, f.q.rooms, "idle room locks are dropped")
}

func TestRecordRead_Monotonic(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "alice", "general")
	b := f.connect(t, "bob", "general")
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := f.q.Submit(ctx, a.ID, "general", "msg", id)
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)

	applied, err := f.q.RecordRead(ctx, "bob", "general", 3)
	require.NoError(t, err)
	require.True(t, applied)
	stored, err := f.repo.GetReadReceipt("general", "bob")
	require.NoError(t, err)

	receipts := ofType(drain(t, a), models.EventReadReceiptUpdated)
	require.Len(t, receipts, 1)
	var upd models.ReadReceiptUpdated
	require.NoError(t, receipts[0].Decode(&upd))
	require.Equal(t, int64(3), upd.MessageID)
	require.Equal(t, "bob", upd.IdentityID)

	for _, older := range []int64{2, 3} {
		applied, err = f.q.RecordRead(ctx, "bob", "general", older)
		require.NoError(t, err)
		require.False(t, applied)
	}
	after, err := f.repo.GetReadReceipt("general", "bob")
	require.NoError(t, err)
	require.Equal(t, stored, after)
	require.Empty(t, drain(t, a))

	_, err = f.q.RecordRead(ctx, "bob", "general", 42)
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.q.RecordRead(ctx, "bob", "general", 0)
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.q.RecordRead(ctx, "bob", "random", 1)
	require.ErrorIs(t, err, models.ErrAuthorization)
}
