// Package session is the thin glue the UI talks to: it composes the
// synchronizer, the presence channel and the local cache per active
// conversation and derives summary lists from them.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/c-pro/geche"

	"tutorchat/internal/files"
	"tutorchat/internal/models"
	"tutorchat/internal/syncer"
)

// summaryTTL bounds how stale a conversation preview may get before it is
// recomputed from the cache.
const summaryTTL = 5 * time.Second

// Presencer is the online-user side of the engine.
type Presencer interface {
	IsUserOnline(userID string) bool
	IsConnected() bool
}

// HistoryCache reads cached conversation history for previews and instant
// paints.
type HistoryCache interface {
	ListMessages(conversationID string, limit int) ([]models.Message, error)
	LastMessage(conversationID string) (models.Message, error)
}

// Summary is a conversation with its last cached message preview.
type Summary struct {
	Conversation models.Conversation
	LastMessage  string
	LastActivity time.Time
	PeerOnline   bool
}

type Session struct {
	syncer    *syncer.Synchronizer
	presence  Presencer
	cache     HistoryCache
	userID    string
	summaries geche.Geche[string, Summary]
}

func New(ctx context.Context, s *syncer.Synchronizer, p Presencer, cache HistoryCache, userID string) *Session {
	return &Session{
		syncer:    s,
		presence:  p,
		cache:     cache,
		userID:    userID,
		summaries: geche.NewMapTTLCache[string, Summary](ctx, summaryTTL, time.Second),
	}
}

// SelectConversation switches the engine to the given conversation; empty id
// disables it.
func (s *Session) SelectConversation(conversationID string) {
	s.syncer.Select(conversationID)
}

func (s *Session) ActiveConversation() string {
	return s.syncer.ActiveConversation()
}

// Messages is the active conversation's current local list.
func (s *Session) Messages() []models.Message {
	return s.syncer.Messages()
}

// CachedMessages paints from disk while the fresh history load runs.
func (s *Session) CachedMessages(conversationID string, limit int) []models.Message {
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.ListMessages(conversationID, limit)
	if err != nil {
		return nil
	}
	return msgs
}

// SendText sends a plain text message to the active conversation.
func (s *Session) SendText(ctx context.Context, text string) (models.Message, error) {
	return s.syncer.Send(ctx, text, models.MessageTypeText, "")
}

// SendFile sends an already-uploaded attachment; the message type comes from
// the attachment's sniffed kind.
func (s *Session) SendFile(ctx context.Context, att files.Attachment, fileURL string) (models.Message, error) {
	if fileURL == "" {
		return models.Message{}, errors.New("attachment has no uploaded URL")
	}
	return s.syncer.Send(ctx, att.Name, att.Kind, fileURL)
}

func (s *Session) IsUserOnline(userID string) bool {
	return s.presence.IsUserOnline(userID)
}

func (s *Session) IsSyncConnected() bool     { return s.syncer.IsConnected() }
func (s *Session) IsPresenceConnected() bool { return s.presence.IsConnected() }

// ActiveNow filters conversations down to the ones whose peer is currently
// online.
func (s *Session) ActiveNow(conversations []models.Conversation) []models.Conversation {
	var active []models.Conversation
	for _, c := range conversations {
		if c.PeerID != s.userID && s.presence.IsUserOnline(c.PeerID) {
			active = append(active, c)
		}
	}
	return active
}

// Summaries derives a preview row per conversation from the cache, memoized
// for a short TTL because the UI asks on every repaint.
func (s *Session) Summaries(conversations []models.Conversation) []Summary {
	out := make([]Summary, 0, len(conversations))
	for _, c := range conversations {
		if cached, err := s.summaries.Get(c.ID); err == nil {
			cached.PeerOnline = s.presence.IsUserOnline(c.PeerID)
			out = append(out, cached)
			continue
		}

		summary := Summary{Conversation: c}
		if s.cache != nil {
			if last, err := s.cache.LastMessage(c.ID); err == nil {
				summary.LastMessage = preview(last)
				summary.LastActivity = last.CreatedAt
			}
		}
		s.summaries.Set(c.ID, summary)
		summary.PeerOnline = s.presence.IsUserOnline(c.PeerID)
		out = append(out, summary)
	}
	return out
}

func preview(m models.Message) string {
	switch m.Type {
	case models.MessageTypeImage:
		return "[image]"
	case models.MessageTypeFile:
		return "[file] " + m.Content
	}
	if len(m.Content) > 80 {
		return m.Content[:80] + "…"
	}
	return m.Content
}
