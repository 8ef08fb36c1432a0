// Package syncer keeps a local, ordered, deduplicated message list in step
// with the server for one active conversation at a time, using repeated
// bounded HTTP requests instead of a persistent stream.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tutorchat/internal/metrics"
	"tutorchat/internal/models"
	"tutorchat/internal/transport"
)

const (
	DefaultPollIdleDelay  = 2 * time.Second
	DefaultPollErrorDelay = 5 * time.Second
	DefaultHistoryLimit   = 50
	// settleDelay sits between the history bootstrap and the first poll so
	// a rapid conversation flip does not start a doomed loop.
	settleDelay = 300 * time.Millisecond
)

// Transport is the request primitive the synchronizer drives.
type Transport interface {
	History(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error)
	Poll(ctx context.Context, conversationID, lastMessageID string) ([]models.Message, error)
	Send(ctx context.Context, conversationID string, req transport.SendRequest) (models.Message, error)
}

// Cache receives successful merge results. Failures are logged, never fatal.
type Cache interface {
	PutMessages(conversationID string, msgs []models.Message) error
	SetCursor(conversationID, lastMessageID string) error
}

type Config struct {
	PollIdleDelay  time.Duration
	PollErrorDelay time.Duration
	HistoryLimit   int
	// OnError receives auth and protocol errors plus history/send failures.
	// Transient poll errors are retried locally and never reach it.
	OnError func(error)
}

func (c *Config) withDefaults() {
	if c.PollIdleDelay <= 0 {
		c.PollIdleDelay = DefaultPollIdleDelay
	}
	if c.PollErrorDelay <= 0 {
		c.PollErrorDelay = DefaultPollErrorDelay
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Synchronizer owns the message list, cursor and poll loop for the active
// conversation. All fields behind mu have exactly one writer path; the
// generation counter invalidates responses that outlive their conversation.
type Synchronizer struct {
	transport Transport
	cache     Cache
	cfg       Config

	history singleflight.Group

	baseCtx context.Context
	close   context.CancelFunc

	mu             sync.RWMutex
	conversationID string
	generation     uint64
	messages       []models.Message
	knownIDs       map[string]struct{}
	cursor         string
	isConnected    bool
	isPolling      bool
	cancel         context.CancelFunc
	convCtx        context.Context
}

func New(tr Transport, cache Cache, cfg Config) *Synchronizer {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		transport: tr,
		cache:     cache,
		cfg:       cfg,
		baseCtx:   ctx,
		close:     cancel,
		knownIDs:  make(map[string]struct{}),
	}
}

// Select switches the engine to the given conversation: the previous
// conversation's in-flight request is cancelled, local state is cleared,
// history is loaded and the poll loop started. An empty id disables the
// engine entirely.
func (s *Synchronizer) Select(conversationID string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	gen := s.generation
	s.conversationID = conversationID
	s.messages = nil
	s.knownIDs = make(map[string]struct{})
	s.cursor = ""
	s.isConnected = false
	s.isPolling = false

	if conversationID == "" {
		s.convCtx = nil
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.convCtx = ctx
	s.mu.Unlock()

	go s.run(ctx, conversationID, gen)
}

// Close disables the engine and invalidates every outstanding request.
func (s *Synchronizer) Close() {
	s.Select("")
	s.close()
}

// Messages returns a snapshot copy of the local list, sorted ascending by
// CreatedAt with unique IDs.
func (s *Synchronizer) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Cursor returns the id of the most recently observed message, or "".
func (s *Synchronizer) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *Synchronizer) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

func (s *Synchronizer) IsPolling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPolling
}

// ActiveConversation returns the currently selected conversation id.
func (s *Synchronizer) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Send issues a message write. There is no automatic retry; the caller
// decides what to do with the unsent content on failure. On success the
// canonical echo is merged with the same duplicate-by-id rule as poll
// merges, covering the race where the poll loop sees the message first.
func (s *Synchronizer) Send(ctx context.Context, content string, msgType models.MessageType, fileURL string) (models.Message, error) {
	s.mu.RLock()
	conversationID := s.conversationID
	gen := s.generation
	s.mu.RUnlock()

	if conversationID == "" {
		return models.Message{}, errors.New("no conversation selected")
	}

	metrics.Sends.Inc()
	msg, err := s.transport.Send(ctx, conversationID, transport.SendRequest{
		Content: content,
		Type:    msgType,
		FileURL: fileURL,
	})
	if err != nil {
		metrics.SendErrors.Inc()
		return models.Message{}, err
	}

	s.apply(gen, []models.Message{msg}, false)
	return msg, nil
}

// Refresh re-runs the history bootstrap for the active conversation,
// replacing the local list. Overlapping calls for the same selection
// collapse into a single server request.
func (s *Synchronizer) Refresh() error {
	s.mu.RLock()
	conversationID := s.conversationID
	gen := s.generation
	ctx := s.convCtx
	s.mu.RUnlock()

	if conversationID == "" || ctx == nil {
		return errors.New("no conversation selected")
	}
	return s.loadHistory(ctx, conversationID, gen)
}

// run is the conversation lifecycle: history bootstrap, settle delay, then
// the poll loop. Exactly one run goroutine exists per selected conversation.
func (s *Synchronizer) run(ctx context.Context, conversationID string, gen uint64) {
	if err := s.loadHistory(ctx, conversationID, gen); err != nil {
		if transport.IsCanceled(err) {
			return
		}
		s.setConnected(gen, false)
		s.reportError(err)
		return
	}

	if !s.sleep(ctx, settleDelay) {
		return
	}
	s.pollLoop(ctx, conversationID, gen)
}

// loadHistory fetches the first page and replaces the local list. Calls for
// the same conversation are collapsed through singleflight, so two
// overlapping loads issue one server request.
func (s *Synchronizer) loadHistory(ctx context.Context, conversationID string, gen uint64) error {
	// Keyed by generation too, so a cancelled load from a previous selection
	// of the same conversation is never shared with the new one.
	key := fmt.Sprintf("%s/%d", conversationID, gen)
	v, err, _ := s.history.Do(key, func() (any, error) {
		return s.transport.History(ctx, conversationID, 1, s.cfg.HistoryLimit)
	})
	if err != nil {
		// Fail-safe empty state: a failed load never leaves stale history
		// behind.
		if !transport.IsCanceled(err) {
			s.mu.Lock()
			if gen == s.generation {
				s.messages = nil
				s.knownIDs = make(map[string]struct{})
				s.cursor = ""
			}
			s.mu.Unlock()
		}
		return err
	}
	msgs := v.([]models.Message)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return context.Canceled
	}
	s.messages = nil
	s.knownIDs = make(map[string]struct{})
	for _, m := range dedupe(msgs) {
		s.messages = append(s.messages, m)
		s.knownIDs[m.ID] = struct{}{}
	}
	sortMessages(s.messages)
	s.cursor = ""
	if len(s.messages) > 0 {
		s.cursor = s.messages[len(s.messages)-1].ID
	}
	s.isConnected = true
	snapshot := append([]models.Message(nil), s.messages...)
	cursor := s.cursor
	s.mu.Unlock()

	s.writeThrough(conversationID, snapshot, cursor)
	return nil
}

func (s *Synchronizer) pollLoop(ctx context.Context, conversationID string, gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.isPolling = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if gen == s.generation {
			s.isPolling = false
		}
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.RLock()
		cursor := s.cursor
		s.mu.RUnlock()

		metrics.Polls.Inc()
		msgs, err := s.transport.Poll(ctx, conversationID, cursor)

		switch {
		case err == nil:
			s.apply(gen, msgs, true)
			s.setConnected(gen, true)
			if !s.sleep(ctx, s.cfg.PollIdleDelay) {
				return
			}

		case transport.IsCanceled(err):
			// Superseded by a conversation switch or disable. A new loop is
			// started only by the next Select.
			return

		case errors.Is(err, transport.ErrAuthRequired):
			s.setConnected(gen, false)
			s.reportError(err)
			return

		case transport.IsTransient(err):
			metrics.PollErrors.Inc()
			s.setConnected(gen, false)
			slog.Warn("poll failed, retrying",
				"conversation_id", conversationID, "error", err)
			if !s.sleep(ctx, s.cfg.PollErrorDelay) {
				return
			}

		default:
			// Protocol errors: treat as an empty result but report the
			// anomaly so the caller can observe it.
			s.reportError(err)
			s.setConnected(gen, true)
			if !s.sleep(ctx, s.cfg.PollIdleDelay) {
				return
			}
		}
	}
}

// apply merges messages into the local list, dropping ids already present.
// Returns without mutating anything if the generation has moved on. When
// advance is set the cursor moves to the last message of the batch even if
// every message was a duplicate.
func (s *Synchronizer) apply(gen uint64, msgs []models.Message, advance bool) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}

	merged := 0
	for _, m := range msgs {
		if _, dup := s.knownIDs[m.ID]; dup {
			continue
		}
		s.messages = append(s.messages, m)
		s.knownIDs[m.ID] = struct{}{}
		merged++
	}
	if merged > 0 {
		sortMessages(s.messages)
	}

	if advance {
		s.cursor = msgs[len(msgs)-1].ID
	} else if merged > 0 && len(s.messages) > 0 {
		// A send echo advances the cursor only if it became the newest entry.
		last := s.messages[len(s.messages)-1]
		if _, fresh := containsID(msgs, last.ID); fresh {
			s.cursor = last.ID
		}
	}

	conversationID := s.conversationID
	snapshot := append([]models.Message(nil), s.messages...)
	cursor := s.cursor
	s.mu.Unlock()

	if merged > 0 {
		metrics.MessagesMerged.Add(float64(merged))
	}
	s.writeThrough(conversationID, snapshot, cursor)
}

func (s *Synchronizer) writeThrough(conversationID string, msgs []models.Message, cursor string) {
	if s.cache == nil || conversationID == "" {
		return
	}
	if err := s.cache.PutMessages(conversationID, msgs); err != nil {
		slog.Warn("message cache write failed", "conversation_id", conversationID, "error", err)
		return
	}
	if err := s.cache.SetCursor(conversationID, cursor); err != nil {
		slog.Warn("cursor cache write failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *Synchronizer) setConnected(gen uint64, connected bool) {
	s.mu.Lock()
	if gen == s.generation {
		s.isConnected = connected
	}
	s.mu.Unlock()
}

func (s *Synchronizer) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// sleep waits for d or until ctx is cancelled; false means cancelled.
func (s *Synchronizer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sortMessages is a stable ascending sort on CreatedAt: merges never reorder
// existing entries relative to each other, only insert new ones in position.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func dedupe(msgs []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func containsID(msgs []models.Message, id string) (models.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}
