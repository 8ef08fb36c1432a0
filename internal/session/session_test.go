package session

import (
	"context"
	"testing"
	"time"

	"tutorchat/internal/files"
	"tutorchat/internal/models"
	"tutorchat/internal/syncer"
	"tutorchat/internal/transport"
)

type fakeTransport struct {
	history map[string][]models.Message
	sent    []transport.SendRequest
}

func (f *fakeTransport) History(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error) {
	return f.history[conversationID], nil
}

func (f *fakeTransport) Poll(ctx context.Context, conversationID, lastMessageID string) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeTransport) Send(ctx context.Context, conversationID string, req transport.SendRequest) (models.Message, error) {
	f.sent = append(f.sent, req)
	return models.Message{
		ID:             "echo",
		ConversationID: conversationID,
		SenderID:       "me",
		ReceiverID:     "peer",
		Content:        req.Content,
		Type:           req.Type,
		FileURL:        req.FileURL,
		CreatedAt:      time.Now(),
	}, nil
}

type fakePresence struct {
	online    map[string]bool
	connected bool
}

func (f *fakePresence) IsUserOnline(userID string) bool { return f.online[userID] }
func (f *fakePresence) IsConnected() bool               { return f.connected }

type fakeCache struct {
	last map[string]models.Message
}

func (f *fakeCache) ListMessages(conversationID string, limit int) ([]models.Message, error) {
	if m, ok := f.last[conversationID]; ok {
		return []models.Message{m}, nil
	}
	return nil, nil
}

func (f *fakeCache) LastMessage(conversationID string) (models.Message, error) {
	if m, ok := f.last[conversationID]; ok {
		return m, nil
	}
	return models.Message{}, models.ErrNotFound
}

func newTestSession(t *testing.T, tr *fakeTransport, p *fakePresence, cache *fakeCache) *Session {
	t.Helper()
	s := syncer.New(tr, nil, syncer.Config{
		PollIdleDelay:  10 * time.Millisecond,
		PollErrorDelay: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	var hc HistoryCache
	if cache != nil {
		hc = cache
	}
	return New(context.Background(), s, p, hc, "me")
}

func TestSession_SelectAndSend(t *testing.T) {
	tr := &fakeTransport{history: map[string][]models.Message{}}
	sess := newTestSession(t, tr, &fakePresence{}, nil)

	sess.SelectConversation("c1")
	if got := sess.ActiveConversation(); got != "c1" {
		t.Errorf("expected active conversation c1, got %q", got)
	}

	msg, err := sess.SendText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if msg.Content != "hello" || msg.Type != models.MessageTypeText {
		t.Errorf("unexpected echo: %+v", msg)
	}
	if len(tr.sent) != 1 || tr.sent[0].Type != models.MessageTypeText {
		t.Errorf("send request not issued as text: %+v", tr.sent)
	}
}

func TestSession_SendFileRequiresURL(t *testing.T) {
	tr := &fakeTransport{history: map[string][]models.Message{}}
	sess := newTestSession(t, tr, &fakePresence{}, nil)
	sess.SelectConversation("c1")

	att := files.Attachment{Name: "photo.png", MimeType: "image/png", Kind: models.MessageTypeImage}
	if _, err := sess.SendFile(context.Background(), att, ""); err == nil {
		t.Error("expected error for attachment without uploaded URL")
	}

	msg, err := sess.SendFile(context.Background(), att, "https://cdn.example/photo.png")
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if msg.Type != models.MessageTypeImage {
		t.Errorf("expected image message, got %s", msg.Type)
	}
	if msg.FileURL == "" {
		t.Error("file URL not carried through")
	}
}

func TestSession_ActiveNow(t *testing.T) {
	p := &fakePresence{online: map[string]bool{"tutor1": true, "me": true}}
	sess := newTestSession(t, &fakeTransport{}, p, nil)

	conversations := []models.Conversation{
		{ID: "c1", PeerID: "tutor1", PeerName: "Alice"},
		{ID: "c2", PeerID: "tutor2", PeerName: "Bob"},
		{ID: "c3", PeerID: "me", PeerName: "Self"},
	}

	active := sess.ActiveNow(conversations)
	if len(active) != 1 || active[0].ID != "c1" {
		t.Errorf("expected only c1 active, got %+v", active)
	}
}

func TestSession_Summaries(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	cache := &fakeCache{last: map[string]models.Message{
		"c1": {
			ID: "m1", ConversationID: "c1", Content: "see you at the lesson",
			Type: models.MessageTypeText, CreatedAt: t0,
		},
		"c2": {
			ID: "m2", ConversationID: "c2", Content: "homework.pdf",
			Type: models.MessageTypeFile, CreatedAt: t0,
		},
	}}
	p := &fakePresence{online: map[string]bool{"tutor1": true}}
	sess := newTestSession(t, &fakeTransport{}, p, cache)

	conversations := []models.Conversation{
		{ID: "c1", PeerID: "tutor1"},
		{ID: "c2", PeerID: "tutor2"},
		{ID: "c3", PeerID: "tutor3"},
	}

	summaries := sess.Summaries(conversations)
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	if summaries[0].LastMessage != "see you at the lesson" {
		t.Errorf("unexpected preview: %q", summaries[0].LastMessage)
	}
	if !summaries[0].PeerOnline {
		t.Error("expected tutor1 to show online")
	}
	if summaries[1].LastMessage != "[file] homework.pdf" {
		t.Errorf("unexpected file preview: %q", summaries[1].LastMessage)
	}
	if summaries[2].LastMessage != "" || !summaries[2].LastActivity.IsZero() {
		t.Errorf("empty conversation should have empty preview: %+v", summaries[2])
	}

	// Second call is served from the TTL cache and stays consistent.
	again := sess.Summaries(conversations)
	if again[0].LastMessage != summaries[0].LastMessage {
		t.Error("memoized summary diverged")
	}
}

func TestSession_CachedMessages(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	cache := &fakeCache{last: map[string]models.Message{
		"c1": {ID: "m1", ConversationID: "c1", Content: "hi", Type: models.MessageTypeText, CreatedAt: t0},
	}}
	sess := newTestSession(t, &fakeTransport{}, &fakePresence{}, cache)

	if got := sess.CachedMessages("c1", 10); len(got) != 1 {
		t.Errorf("expected 1 cached message, got %d", len(got))
	}
	if got := sess.CachedMessages("unknown", 10); got != nil {
		t.Errorf("expected nil for uncached conversation, got %+v", got)
	}
}

func TestSession_SendWithoutConversation(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{}, &fakePresence{}, nil)

	if _, err := sess.SendText(context.Background(), "hello"); err == nil {
		t.Error("expected error when no conversation is selected")
	}
}

