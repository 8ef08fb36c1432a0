package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tutorchat/internal/models"
)

// TokenSource supplies the current bearer token. An empty string means no
// credentials are available and no request should be issued.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

type Config struct {
	BaseURL string
	Tokens  TokenSource
	// HTTPClient defaults to http.DefaultClient. No timeout is set here;
	// callers bound requests with their context.
	HTTPClient *http.Client
}

// Client is the low-level request primitive over the conversation API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: cfg.BaseURL,
		tokens:  cfg.Tokens,
		http:    httpClient,
	}
}

// SendRequest is the body of a message write.
type SendRequest struct {
	Content string             `json:"content"`
	Type    models.MessageType `json:"type"`
	FileURL string             `json:"fileUrl,omitempty"`
}

// wire is the raw message shape; CreatedAt stays a string until parsed so a
// malformed timestamp drops only that message.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	FileURL        string `json:"fileUrl"`
	Read           bool   `json:"read"`
	CreatedAt      string `json:"createdAt"`
}

func (w wireMessage) toModel() (models.Message, error) {
	m := models.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Content:        w.Content,
		Type:           models.MessageType(w.Type),
		FileURL:        w.FileURL,
		Read:           w.Read,
	}
	if w.CreatedAt != "" {
		t, err := parseTimestamp(w.CreatedAt)
		if err != nil {
			return models.Message{}, fmt.Errorf("message %s: %w", w.ID, err)
		}
		m.CreatedAt = t
	}
	if err := m.Validate(); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// History fetches one page of the conversation's messages, newest first on
// the wire. Envelope: {success, data:[Message]}.
func (c *Client) History(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?page=%d&limit=%d",
		c.baseURL, url.PathEscape(conversationID), page, limit)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ProtocolError{Endpoint: "history", Detail: err.Error()}
	}
	return decodeMessages(envelope.Data, "history"), nil
}

// Poll fetches messages newer than lastMessageID. The canonical envelope is
// {success, data:{messages:[...]}}; the legacy {success, messages:[...]}
// shape is accepted as a deprecated fallback.
func (c *Client) Poll(ctx context.Context, conversationID, lastMessageID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	if lastMessageID != "" {
		q.Set("lastMessageId", lastMessageID)
	}
	endpoint := c.baseURL + "/messages/poll?" + q.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Messages []json.RawMessage `json:"messages"`
		} `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ProtocolError{Endpoint: "poll", Detail: err.Error()}
	}

	raw := envelope.Data.Messages
	if raw == nil {
		raw = envelope.Messages
	}
	if raw == nil {
		if !envelope.Success {
			return nil, &ProtocolError{Endpoint: "poll", Detail: "no recognised message container in response"}
		}
		return nil, nil
	}
	return decodeMessages(raw, "poll"), nil
}

// Send issues a message write and returns the canonical server-assigned
// message. Each call carries a fresh idempotency key so the server can drop
// accidental duplicates.
func (c *Client) Send(ctx context.Context, conversationID string, req SendRequest) (models.Message, error) {
	token := c.tokens.Token()
	if token == "" {
		return models.Message{}, ErrAuthRequired
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to encode send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, url.PathEscape(conversationID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.Message{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Idempotency-Key", uuid.NewString())

	body, err := c.do(httpReq)
	if err != nil {
		return models.Message{}, err
	}

	var envelope struct {
		Success bool        `json:"success"`
		Data    wireMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.Message{}, &ProtocolError{Endpoint: "send", Detail: err.Error()}
	}

	msg, err := envelope.Data.toModel()
	if err != nil {
		return models.Message{}, &ProtocolError{Endpoint: "send", Detail: err.Error()}
	}
	return msg, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	token := c.tokens.Token()
	if token == "" {
		return nil, ErrAuthRequired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation comes back wrapped in a *url.Error.
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthRequired
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	return body, nil
}

// decodeMessages converts raw payload entries, dropping and logging the
// malformed ones instead of failing the whole batch.
func decodeMessages(raw []json.RawMessage, endpoint string) []models.Message {
	messages := make([]models.Message, 0, len(raw))
	for _, r := range raw {
		var w wireMessage
		if err := json.Unmarshal(r, &w); err != nil {
			slog.Warn("dropping undecodable message", "endpoint", endpoint, "error", err)
			continue
		}
		m, err := w.toModel()
		if err != nil {
			slog.Warn("dropping malformed message", "endpoint", endpoint, "error", err)
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad createdAt %q: %w", s, err)
	}
	return t, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
