package store

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

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	ReceiverID     string `msgpack:"receiverId"`
	Content        string `msgpack:"content"`
	Type           string `msgpack:"type"`
	FileURL        string `msgpack:"fileUrl"`
	Read           bool   `msgpack:"read"`
	CreatedAtNanos int64  `msgpack:"createdAt"`
}

// Key orders messages by creation time within a conversation bucket, with
// the id appended so equal timestamps stay unique.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAtNanos))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBCursor struct {
	ConversationID string `msgpack:"conversationId"`
	LastMessageID  string `msgpack:"lastMessageId"`
}

func (c *DBCursor) Key() []byte {
	return []byte(c.ConversationID)
}

func (c *DBCursor) MarshalBinary() (data []byte, err error) {
	type alias DBCursor
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCursor) UnmarshalBinary(data []byte) error {
	type alias DBCursor
	return msgpack.Unmarshal(data, (*alias)(c))
}
