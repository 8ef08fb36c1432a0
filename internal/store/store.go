// Package store is the local read-acceleration cache: message history and
// cursors persisted with bbolt so a conversation switch can paint instantly
// while the fresh history load is in flight. All of it is disposable data;
// the server log stays authoritative.
package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"tutorchat/internal/models"
)

var (
	bucketMessages = []byte("messages")
	bucketCursors  = []byte("cursors")
)

type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCursors); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// PutMessages upserts messages into the conversation's bucket. Existing
// entries with the same timestamp+id key are overwritten in place.
func (s *BboltStore) PutMessages(conversationID string, msgs []models.Message) error {
	if conversationID == "" {
		return fmt.Errorf("missing conversationID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		b, err := root.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		for _, m := range msgs {
			dbMsg := DBMessage{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				ReceiverID:     m.ReceiverID,
				Content:        m.Content,
				Type:           string(m.Type),
				FileURL:        m.FileURL,
				Read:           m.Read,
				CreatedAtNanos: m.CreatedAt.UnixNano(),
			}
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// ListMessages returns up to limit of the newest cached messages for the
// conversation, ascending by creation time. limit <= 0 means all.
func (s *BboltStore) ListMessages(conversationID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		b := root.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:             dbMsg.ID,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				ReceiverID:     dbMsg.ReceiverID,
				Content:        dbMsg.Content,
				Type:           models.MessageType(dbMsg.Type),
				FileURL:        dbMsg.FileURL,
				Read:           dbMsg.Read,
				CreatedAt:      time.Unix(0, dbMsg.CreatedAtNanos),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// LastMessage returns the newest cached message for the conversation.
func (s *BboltStore) LastMessage(conversationID string) (models.Message, error) {
	msgs, err := s.ListMessages(conversationID, 1)
	if err != nil {
		return models.Message{}, err
	}
	if len(msgs) == 0 {
		return models.Message{}, models.ErrNotFound
	}
	return msgs[0], nil
}

func (s *BboltStore) SetCursor(conversationID, lastMessageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCursors)
		dbCursor := DBCursor{
			ConversationID: conversationID,
			LastMessageID:  lastMessageID,
		}
		data, err := dbCursor.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbCursor.Key(), data)
	})
}

func (s *BboltStore) GetCursor(conversationID string) (string, error) {
	var last string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCursors)
		data := b.Get([]byte(conversationID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbCursor DBCursor
		if err := dbCursor.UnmarshalBinary(data); err != nil {
			return err
		}
		last = dbCursor.LastMessageID
		return nil
	})
	return last, err
}

// DeleteConversation drops the cached history and cursor for a conversation.
func (s *BboltStore) DeleteConversation(conversationID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		if root.Bucket([]byte(conversationID)) != nil {
			if err := root.DeleteBucket([]byte(conversationID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketCursors).Delete([]byte(conversationID))
	})
}
