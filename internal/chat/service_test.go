package chat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/loqalabs/owlimatronic/internal/coordinator"
	"github.com/loqalabs/owlimatronic/internal/ingest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingHandler struct {
	mu       sync.Mutex
	triggers []ingest.Trigger
	done     chan struct{}
}

func (h *recordingHandler) Handle(_ context.Context, t ingest.Trigger) (coordinator.Outcome, error) {
	h.mu.Lock()
	h.triggers = append(h.triggers, t)
	h.mu.Unlock()
	h.done <- struct{}{}
	return coordinator.Outcome{RequestID: "r", State: coordinator.StateDone}, nil
}

func newService(t *testing.T, h Handler) *Service {
	t.Helper()
	cfg := config.Default().Chat
	cfg.ChannelID = "owl-channel"
	s := NewService(context.Background(), cfg, h, newLogger())
	t.Cleanup(s.Close)
	return s
}

func TestToChatMessage(t *testing.T) {
	msg := toChatMessage(&discordgo.Message{
		ID:        "m1",
		ChannelID: "owl-channel",
		Content:   "listen to this",
		Author:    &discordgo.User{ID: "u1", Username: "sam", Bot: true},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example/clip.wav", Filename: "clip.wav", ContentType: "audio/wav", Size: 42},
			nil,
		},
	})
	if msg.AuthorID != "u1" || !msg.AuthorIsBot || msg.ChannelID != "owl-channel" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ContentType != "audio/wav" || msg.Attachments[0].Size != 42 {
		t.Fatalf("unexpected attachments %+v", msg.Attachments)
	}
}

func TestDispatchTextPlaysYap(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 1)}
	s := newService(t, h)

	s.Dispatch(ingest.ChatMessage{ID: "m1", ChannelID: "owl-channel", AuthorName: "sam", Content: "hoot"})
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	if h.triggers[0].Kind != ingest.KindPlay || h.triggers[0].Animation != "yap" {
		t.Fatalf("expected play(yap), got %s", h.triggers[0])
	}
}

func TestDispatchFetchesAudioAttachment(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer cdn.Close()

	h := &recordingHandler{done: make(chan struct{}, 1)}
	s := newService(t, h)
	s.Dispatch(ingest.ChatMessage{
		ID:        "m2",
		ChannelID: "owl-channel",
		Attachments: []ingest.Attachment{
			{URL: cdn.URL + "/clip.wav", Filename: "clip.wav", ContentType: "audio/wav"},
		},
	})
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	got := h.triggers[0]
	if got.Kind != ingest.KindUpload || string(got.Data) != "RIFFdata" || got.Filename != "clip.wav" {
		t.Fatalf("unexpected trigger %+v", got)
	}
}

func TestDispatchIgnoresFilteredMessages(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 2)}
	s := newService(t, h)

	s.Dispatch(ingest.ChatMessage{ChannelID: "owl-channel", AuthorIsBot: true})
	s.Dispatch(ingest.ChatMessage{ChannelID: "elsewhere"})
	s.Close()

	if len(h.triggers) != 0 {
		t.Fatalf("expected no triggers, got %d", len(h.triggers))
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	s := newService(t, &recordingHandler{})
	if err := s.Start(); err != nil {
		t.Fatalf("start disabled: %v", err)
	}
	if !s.Healthy() {
		t.Fatalf("expected disabled service to report healthy")
	}
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 1)}
	s := newService(t, h)
	s.Close()

	s.Dispatch(ingest.ChatMessage{ID: "late", ChannelID: "owl-channel", Content: "hoot"})
	select {
	case <-h.done:
		t.Fatalf("handler called after close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchConcurrentWithClose(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{}, 64)}
	s := newService(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispatch(ingest.ChatMessage{ChannelID: "owl-channel", Content: "hoot"})
		}()
	}
	s.Close()
	wg.Wait()

	// Everything accepted before Close has finished; nothing starts after it.
	accepted := len(h.done)
	s.Dispatch(ingest.ChatMessage{ChannelID: "owl-channel", Content: "hoot"})
	time.Sleep(50 * time.Millisecond)
	if len(h.done) != accepted {
		t.Fatalf("dispatch after close reached the handler")
	}
}
