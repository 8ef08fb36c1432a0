package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tutorchat/internal/config"
	"tutorchat/internal/content"
	"tutorchat/internal/files"
	"tutorchat/internal/models"
	"tutorchat/internal/presence"
	"tutorchat/internal/session"
	"tutorchat/internal/store"
	"tutorchat/internal/syncer"
	"tutorchat/internal/transport"
)

func run(ctx context.Context, conversationID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogger(cfg)

	cacheStore, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = cacheStore.Close() }()

	tokens := cfg.TokenSource()
	client := transport.New(transport.Config{
		BaseURL: cfg.APIBaseURL,
		Tokens:  tokens,
	})

	sync := syncer.New(client, cacheStore, syncer.Config{
		PollIdleDelay:  cfg.PollIdleDelay,
		PollErrorDelay: cfg.PollErrorDelay,
		HistoryLimit:   cfg.HistoryLimit,
		OnError: func(err error) {
			slog.Error("sync error", "error", err)
		},
	})
	defer sync.Close()

	channel := presence.New(presence.Config{
		URL:         cfg.PresenceURL,
		Tokens:      tokens,
		MaxAttempts: cfg.ReconnectAttempts,
		RetryDelay:  cfg.ReconnectDelay,
	})
	defer channel.Disconnect()

	if err := channel.Connect(ctx); err != nil {
		// Presence is a degraded-mode feature; messages still flow over the
		// polling transport without it.
		slog.Warn("presence unavailable", "error", err)
	}

	sess := session.New(ctx, sync, channel, cacheStore, "")

	if conversationID != "" {
		for _, m := range sess.CachedMessages(conversationID, cfg.HistoryLimit) {
			printMessage(m)
		}
		sess.SelectConversation(conversationID)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Debug endpoint with Prometheus metrics, only when asked for.
	if cfg.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		debugServer := &http.Server{Addr: cfg.DebugAddr, Handler: mux}

		g.Go(func() error {
			err := debugServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return debugServer.Shutdown(shutdownCtx)
		})
	}

	// Repaint loop: print messages that arrived since the last tick.
	g.Go(func() error {
		seen := make(map[string]struct{})
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, m := range sess.Messages() {
					if _, ok := seen[m.ID]; ok {
						continue
					}
					seen[m.ID] = struct{}{}
					printMessage(m)
				}
			case <-gCtx.Done():
				return nil
			}
		}
	})

	// Stdin loop: each line becomes a text message to the active conversation.
	// The blocking read lives in its own goroutine so shutdown does not wait
	// for one more line of input.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gCtx.Done():
				return
			}
		}
	}()
	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if err := handleLine(gCtx, sess, line); err != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		sync.Close()
		channel.Disconnect()
		return nil
	})

	return g.Wait()
}

func handleLine(ctx context.Context, sess *session.Session, line string) error {
	switch {
	case strings.HasPrefix(line, "/open "):
		sess.SelectConversation(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		return nil
	case line == "/close":
		sess.SelectConversation("")
		return nil
	case strings.HasPrefix(line, "/online "):
		userID := strings.TrimSpace(strings.TrimPrefix(line, "/online "))
		fmt.Printf("%s online: %v\n", userID, sess.IsUserOnline(userID))
		return nil
	case strings.HasPrefix(line, "/attach "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/attach "))
		att, err := files.PrepareAttachment(path, 0)
		if err != nil {
			return err
		}
		// Upload endpoints are part of the platform API surface, not this
		// client; the attachment is referenced by a file:// URL for now.
		_, err = sess.SendFile(ctx, att, "file://"+path)
		return err
	default:
		// The send failing leaves the typed line in the caller's hands: it
		// is reprinted so it can be copied and retried.
		if _, err := sess.SendText(ctx, line); err != nil {
			return fmt.Errorf("send failed (unsent: %q): %w", line, err)
		}
		return nil
	}
}

func printMessage(m models.Message) {
	body := content.Sanitize(m.Content)
	if m.FileURL != "" {
		body += " <" + m.FileURL + ">"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.SenderID, body)
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	conversationID := flag.String("conversation", "", "Conversation to open on start")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *conversationID); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
