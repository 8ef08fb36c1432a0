package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidMessage = errors.New("invalid message")
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeImage MessageType = "image"
)

type UserRole string

const (
	UserRoleTutor   UserRole = "tutor"
	UserRoleStudent UserRole = "student"
)

// User represents a platform user as seen by the client.
type User struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      UserRole `json:"role"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
}

// Message represents a single conversation message. Identity is ID,
// server-assigned and unique within a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"fileUrl,omitempty"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Conversation is the summary-level record the facade exposes to the UI.
type Conversation struct {
	ID       string `json:"id"`
	PeerID   string `json:"peerId"`
	PeerName string `json:"peerName"`
}

// Validate checks the fields the client relies on. Messages failing
// validation are dropped at the transport boundary instead of being
// carried inward untyped.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: message %s missing conversationId", ErrInvalidMessage, m.ID)
	}
	switch m.Type {
	case MessageTypeText, MessageTypeFile, MessageTypeImage:
	default:
		return fmt.Errorf("%w: message %s has unknown type %q", ErrInvalidMessage, m.ID, m.Type)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s missing createdAt", ErrInvalidMessage, m.ID)
	}
	return nil
}
