// Package chat connects to a Discord channel and turns its messages into
// triggers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/loqalabs/owlimatronic/internal/coordinator"
	"github.com/loqalabs/owlimatronic/internal/ingest"
)

// Handler runs a trigger. coordinator.Coordinator satisfies it.
type Handler interface {
	Handle(ctx context.Context, t ingest.Trigger) (coordinator.Outcome, error)
}

type Service struct {
	cfg     config.ChatConfig
	handler Handler
	fetcher *ingest.Fetcher
	logger  *slog.Logger
	session *discordgo.Session
	ready   atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	remove  []func()

	// mu orders wg.Add in Dispatch against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, cfg config.ChatConfig, handler Handler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		handler: handler,
		fetcher: ingest.NewFetcher(time.Duration(cfg.FetchTimeout)*time.Millisecond, cfg.MaxAttachmentBytes),
		logger:  log.With(slog.String("component", "chat")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Token == "" {
		return errors.New("chat token is empty")
	}
	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	s.remove = append(s.remove,
		session.AddHandler(s.onReady),
		session.AddHandler(s.onMessageCreate),
	)
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	s.session = session
	s.logger.Info("chat service started", slog.String("channel_id", s.cfg.ChannelID))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	for _, remove := range s.remove {
		remove()
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.logger.Warn("discord close failed", slogError(err))
		}
	}
	s.wg.Wait()
}

// Healthy reports whether the gateway session finished its handshake. A
// disabled service is always healthy.
func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	s.ready.Store(true)
	name := ""
	if r.User != nil {
		name = r.User.String()
	}
	s.logger.Info("chat client ready", slog.String("user", name))
}

func (s *Service) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	s.Dispatch(toChatMessage(m.Message))
}

// Dispatch normalizes msg and, unless it is filtered out, runs it in the
// background. Failures are logged; nothing is posted back to the channel.
func (s *Service) Dispatch(msg ingest.ChatMessage) {
	trigger, ok, err := ingest.FromChat(msg, s.cfg.ChannelID)
	if !ok {
		return
	}
	logger := s.logger.With(slog.String("message_id", msg.ID), slog.String("author", msg.AuthorName))
	if err != nil {
		logger.Warn("ignoring chat message", slogError(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	logger.Info("chat message accepted", slog.String("trigger", trigger.String()))

	go func() {
		defer s.wg.Done()
		resolved, err := s.fetcher.Resolve(s.ctx, trigger)
		if err != nil {
			logger.Warn("attachment download failed", slog.String("url", trigger.URL), slogError(err))
			return
		}
		out, err := s.handler.Handle(s.ctx, resolved)
		if err != nil {
			logger.Warn("chat request failed", slog.String("request_id", out.RequestID), slog.String("class", coordinator.Classify(err)), slogError(err))
			return
		}
		logger.Info("chat request done", slog.String("request_id", out.RequestID), slog.String("payload", out.Payload))
	}()
}

func toChatMessage(m *discordgo.Message) ingest.ChatMessage {
	msg := ingest.ChatMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.String()
		msg.AuthorIsBot = m.Author.Bot
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, ingest.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}
	return msg
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
