package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"roomsync/internal/auth"
	"roomsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketRooms       = []byte("rooms")
	bucketMessages    = []byte("messages")
	bucketReceipts    = []byte("read_receipts")
	bucketTokens      = []byte("tokens")
	bucketPushSubs    = []byte("push_subscriptions")
	bucketOutbox      = []byte("outbox")
	allBuckets        = [][]byte{bucketRooms, bucketMessages, bucketReceipts, bucketTokens, bucketPushSubs, bucketOutbox}
	errMissingRoomID  = errors.New("message missing roomID")
	defaultPageLength = 50
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertRoom saves room metadata and membership. The stored LastSeq is never
// moved backwards.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		dbRoom := DBRoom{
			ID:      room.ID,
			Name:    room.Name,
			Members: dedupe(room.Members),
			LastSeq: room.LastSeq,
		}
		if existing := b.Get(dbRoom.Key()); existing != nil {
			var old DBRoom
			if err := old.UnmarshalBinary(existing); err != nil {
				return fmt.Errorf("failed to unmarshal room: %w", err)
			}
			dbRoom.LastSeq = max(dbRoom.LastSeq, old.LastSeq)
		}
		return putRoom(b, &dbRoom)
	})
}

func (s *BboltStorage) GetRoom(id string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, id)
		if err != nil {
			return err
		}
		room = dbRoom.toModel()
		return nil
	})
	return room, err
}

// ListRooms returns all rooms stored in the database.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom.toModel())
			return nil
		})
	})
	return rooms, err
}

// AddMember grants identityID access to the room.
func (s *BboltStorage) AddMember(roomID, identityID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}
		if slices.Contains(dbRoom.Members, identityID) {
			return nil
		}
		dbRoom.Members = append(dbRoom.Members, identityID)
		return putRoom(tx.Bucket(bucketRooms), &dbRoom)
	})
}

// IsMember reports whether identityID may join the room.
// Unknown rooms have no members.
func (s *BboltStorage) IsMember(roomID, identityID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = slices.Contains(dbRoom.Members, identityID)
		return nil
	})
	return ok, err
}

// Members returns the identities allowed in the room.
func (s *BboltStorage) Members(roomID string) ([]string, error) {
	room, err := s.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

// RoomsOf returns the IDs of all rooms identityID is a member of.
func (s *BboltStorage) RoomsOf(identityID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			if slices.Contains(dbRoom.Members, identityID) {
				ids = append(ids, dbRoom.ID)
			}
			return nil
		})
	})
	return ids, err
}

// CreateMessage assigns the next room sequence number to the message,
// saves it and advances the room LastSeq.
func (s *BboltStorage) CreateMessage(message models.Message) (models.Message, error) {
	if message.RoomID == "" {
		return models.Message{}, errMissingRoomID
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, message.RoomID)
		if err != nil {
			return err
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		seq, err := roomBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		message.ID = int64(seq)

		dbMessage := DBMessage{
			Seq:           message.ID,
			CreatedAt:     message.CreatedAt,
			RoomID:        message.RoomID,
			AuthorID:      message.AuthorID,
			Content:       message.Content,
			HTML:          message.HTML,
			ClientLocalID: message.ClientLocalID,
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		if message.ID > dbRoom.LastSeq {
			dbRoom.LastSeq = message.ID
			return putRoom(tx.Bucket(bucketRooms), &dbRoom)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// FindMessage returns a single message of the room by its ID.
func (s *BboltStorage) FindMessage(roomID string, id int64) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return models.ErrNotFound
		}
		data := roomBucket.Get(seqKey(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit messages of the room with IDs lower than
// before (all messages when before <= 0), oldest first.
func (s *BboltStorage) ListMessages(roomID string, before int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultPageLength
	}
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()
		var k, v []byte
		if before > 0 {
			k, _ = c.Seek(seqKey(before))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			if before > 0 && bytes.Compare(k, seqKey(before)) >= 0 {
				continue
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

func (s *BboltStorage) GetReadReceipt(roomID, identityID string) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReceipts).Get(receiptKey(roomID, identityID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbReceipt DBReadReceipt
		if err := dbReceipt.UnmarshalBinary(data); err != nil {
			return err
		}
		receipt = models.ReadReceipt{
			RoomID:            dbReceipt.RoomID,
			IdentityID:        dbReceipt.IdentityID,
			LastReadMessageID: dbReceipt.LastReadMessageID,
			ReadAt:            dbReceipt.ReadAt,
		}
		return nil
	})
	return receipt, err
}

func (s *BboltStorage) UpsertReadReceipt(receipt models.ReadReceipt) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbReceipt := DBReadReceipt{
			RoomID:            receipt.RoomID,
			IdentityID:        receipt.IdentityID,
			LastReadMessageID: receipt.LastReadMessageID,
			ReadAt:            receipt.ReadAt,
		}
		data, err := dbReceipt.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReceipts).Put(dbReceipt.Key(), data)
	})
}

// UpsertToken stores a token hash so live tokens survive a restart.
func (s *BboltStorage) UpsertToken(token auth.StoredToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{
			Hash:      token.Hash,
			UserID:    token.UserID,
			ExpiresAt: token.ExpiresAt.Unix(),
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) ListTokens() ([]auth.StoredToken, error) {
	var tokens []auth.StoredToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens = append(tokens, auth.StoredToken{
				Hash:      dbToken.Hash,
				UserID:    dbToken.UserID,
				ExpiresAt: time.Unix(dbToken.ExpiresAt, 0),
			})
			return nil
		})
	})
	return tokens, err
}

func (s *BboltStorage) UpsertPushSubscription(identityID string, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSub := &DBPushSubscription{
			IdentityID: identityID,
			Endpoint:   sub.Endpoint,
			Auth:       sub.Keys.Auth,
			P256dh:     sub.Keys.P256dh,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(identityID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	prefix := []byte(identityID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPushSubs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			var sub models.PushSubscription
			sub.Endpoint = dbSub.Endpoint
			sub.Keys.Auth = dbSub.Auth
			sub.Keys.P256dh = dbSub.P256dh
			subs = append(subs, sub)
		}
		return nil
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(identityID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := (&DBPushSubscription{IdentityID: identityID, Endpoint: endpoint}).Key()
		return tx.Bucket(bucketPushSubs).Delete(key)
	})
}

// SaveSnapshot stores an opaque client snapshot under key.
func (s *BboltStorage) SaveSnapshot(key string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put([]byte(key), data)
	})
}

// LoadSnapshot returns the snapshot stored under key or models.ErrNotFound.
func (s *BboltStorage) LoadSnapshot(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketOutbox).Get([]byte(key))
		if v == nil {
			return models.ErrNotFound
		}
		data = bytes.Clone(v)
		return nil
	})
	return data, err
}

func getRoom(tx *bbolt.Tx, id string) (DBRoom, error) {
	var dbRoom DBRoom
	data := tx.Bucket(bucketRooms).Get([]byte(id))
	if data == nil {
		return dbRoom, fmt.Errorf("room %s: %w", id, models.ErrNotFound)
	}
	if err := dbRoom.UnmarshalBinary(data); err != nil {
		return dbRoom, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return dbRoom, nil
}

func putRoom(b *bbolt.Bucket, dbRoom *DBRoom) error {
	data, err := dbRoom.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(dbRoom.Key(), data)
}

func (r DBRoom) toModel() models.Room {
	return models.Room{
		ID:      r.ID,
		Name:    r.Name,
		Members: r.Members,
		LastSeq: r.LastSeq,
	}
}

func (m DBMessage) toModel() models.Message {
	return models.Message{
		ID:            m.Seq,
		RoomID:        m.RoomID,
		AuthorID:      m.AuthorID,
		Content:       m.Content,
		HTML:          m.HTML,
		ClientLocalID: m.ClientLocalID,
		CreatedAt:     m.CreatedAt,
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
