package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tutorchat/internal/models"
)

func TestClient_History(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/conversations/c1/messages", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("page"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))

		_, _ = w.Write([]byte(`{"success":true,"data":[
			{"id":"m2","conversationId":"c1","senderId":"u1","receiverId":"u2","content":"second","type":"text","createdAt":"2026-01-02T10:00:01Z"},
			{"id":"m1","conversationId":"c1","senderId":"u2","receiverId":"u1","content":"first","type":"text","createdAt":"2026-01-02T10:00:00Z"},
			{"id":"","conversationId":"c1","content":"malformed","type":"text","createdAt":"2026-01-02T10:00:02Z"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	msgs, err := c.History(context.Background(), "c1", 1, 50)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)

	// The malformed entry is dropped, the valid ones survive.
	require.Len(t, msgs, 2)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, "m1", msgs[1].ID)
}

func TestClient_Poll_CanonicalEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c1", r.URL.Query().Get("conversationId"))
		require.Equal(t, "m5", r.URL.Query().Get("lastMessageId"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"messages":[
			{"id":"m6","conversationId":"c1","senderId":"u1","receiverId":"u2","content":"hi","type":"text","createdAt":"2026-01-02T10:00:00Z"}
		]}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	msgs, err := c.Poll(context.Background(), "c1", "m5")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m6", msgs[0].ID)
}

func TestClient_Poll_LegacyEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"messages":[
			{"id":"m1","conversationId":"c1","senderId":"u1","receiverId":"u2","content":"hi","type":"text","createdAt":"2026-01-02T10:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	msgs, err := c.Poll(context.Background(), "c1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestClient_Poll_UnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":"who knows"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	msgs, err := c.Poll(context.Background(), "c1", "")
	require.Empty(t, msgs)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.False(t, IsTransient(err))
}

func TestClient_AuthFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	t.Run("401 maps to ErrAuthRequired", func(t *testing.T) {
		c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("bad")})
		_, err := c.Poll(context.Background(), "c1", "")
		require.ErrorIs(t, err, ErrAuthRequired)
		require.False(t, IsTransient(err))
	})

	t.Run("missing token fails fast without a request", func(t *testing.T) {
		before := requests.Load()
		c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("")})
		_, err := c.Poll(context.Background(), "c1", "")
		require.ErrorIs(t, err, ErrAuthRequired)
		require.Equal(t, before, requests.Load())

		_, err = c.Send(context.Background(), "c1", SendRequest{Content: "x", Type: models.MessageTypeText})
		require.ErrorIs(t, err, ErrAuthRequired)
		require.Equal(t, before, requests.Load())
	})
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	_, err := c.Poll(context.Background(), "c1", "")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.True(t, IsTransient(err))
}

func TestClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/conversations/c1/messages", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		_, _ = w.Write([]byte(`{"success":true,"data":
			{"id":"m9","conversationId":"c1","senderId":"me","receiverId":"u2","content":"hello","type":"text","createdAt":"2026-01-02T10:00:00Z"}
		}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	msg, err := c.Send(context.Background(), "c1", SendRequest{Content: "hello", Type: models.MessageTypeText})
	require.NoError(t, err)
	require.Equal(t, "m9", msg.ID)
	require.Equal(t, models.MessageTypeText, msg.Type)
}

func TestClient_Cancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Poll(ctx, "c1", "")
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
		require.True(t, IsCanceled(err))
		require.False(t, IsTransient(err))
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return after cancellation")
	}
}
