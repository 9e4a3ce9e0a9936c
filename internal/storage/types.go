package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	Hash      string `msgpack:"hash"`
	UserID    string `msgpack:"userId"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Hash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBRoom struct {
	ID      string   `msgpack:"id"`
	Name    string   `msgpack:"name"`
	Members []string `msgpack:"members"`
	LastSeq int64    `msgpack:"lastSeq"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	Seq           int64  `msgpack:"seq"`
	CreatedAt     int64  `msgpack:"createdAt"`
	RoomID        string `msgpack:"roomId"`
	AuthorID      string `msgpack:"authorId"`
	Content       string `msgpack:"content"`
	HTML          string `msgpack:"html"`
	ClientLocalID string `msgpack:"clientLocalId"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBReadReceipt struct {
	RoomID            string `msgpack:"roomId"`
	IdentityID        string `msgpack:"identityId"`
	LastReadMessageID int64  `msgpack:"lastReadMessageId"`
	ReadAt            int64  `msgpack:"readAt"`
}

func (r *DBReadReceipt) Key() []byte {
	return receiptKey(r.RoomID, r.IdentityID)
}

func (r *DBReadReceipt) MarshalBinary() (data []byte, err error) {
	type alias DBReadReceipt
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReadReceipt) UnmarshalBinary(data []byte) error {
	type alias DBReadReceipt
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBPushSubscription struct {
	IdentityID string `msgpack:"identityId"`
	Endpoint   string `msgpack:"endpoint"`
	Auth       string `msgpack:"auth"`
	P256dh     string `msgpack:"p256dh"`
}

func (p *DBPushSubscription) Key() []byte {
	return append([]byte(p.IdentityID+"\x00"), p.Endpoint...)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func receiptKey(roomID, identityID string) []byte {
	return []byte(roomID + "\x00" + identityID)
}
