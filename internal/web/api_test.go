package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/loqalabs/owlimatronic/internal/artifact"
	"github.com/loqalabs/owlimatronic/internal/bus"
	"github.com/loqalabs/owlimatronic/internal/coordinator"
	"github.com/loqalabs/owlimatronic/internal/ingest"
	"github.com/loqalabs/owlimatronic/internal/transcode"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubHandler struct {
	err  error
	last ingest.Trigger
	hits int
}

func (s *stubHandler) Handle(_ context.Context, t ingest.Trigger) (coordinator.Outcome, error) {
	s.hits++
	s.last = t
	out := coordinator.Outcome{RequestID: "req-1", Kind: string(t.Kind), State: coordinator.StateDone, Payload: t.Animation}
	if t.Kind == ingest.KindUpload {
		out.Payload = "stream"
		out.Generation = 7
	}
	if s.err != nil {
		out.State = coordinator.StateFailed
		return out, s.err
	}
	return out, nil
}

func newServer(t *testing.T, h Handler, maxUpload int64) *httptest.Server {
	t.Helper()
	status := func(context.Context) Status {
		return Status{Artifact: ArtifactStatus{Generation: 3, Ready: true}, Bus: BusStatus{Mode: "mqtt", Healthy: true}}
	}
	mux := http.NewServeMux()
	New(h, status, maxUpload, newLogger()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadAudio(t *testing.T) {
	h := &stubHandler{}
	srv := newServer(t, h, 1<<20)

	body, contentType := multipartBody(t, "audio", "clip.wav", []byte("RIFF...."))
	resp, err := http.Post(srv.URL+"/api/audio", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out coordinator.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Generation != 7 || out.Payload != "stream" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.last.Kind != ingest.KindUpload || h.last.Filename != "clip.wav" || string(h.last.Data) != "RIFF...." {
		t.Fatalf("unexpected trigger %+v", h.last)
	}
	if h.last.Source != ingest.SourceForm {
		t.Fatalf("expected form source, got %s", h.last.Source)
	}
}

func TestUploadWithoutFileOrEmoteIsRejected(t *testing.T) {
	h := &stubHandler{}
	srv := newServer(t, h, 1<<20)

	body, contentType := multipartBody(t, "audio", "", nil)
	resp, err := http.Post(srv.URL+"/api/audio", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if h.hits != 0 {
		t.Fatalf("handler should not run for invalid submission")
	}
}

func TestUploadTooLarge(t *testing.T) {
	srv := newServer(t, &stubHandler{}, 1024)
	body, contentType := multipartBody(t, "audio", "big.wav", bytes.Repeat([]byte("x"), 4096))
	resp, err := http.Post(srv.URL+"/api/audio", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestUploadErrorStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"conversion", &transcode.ConversionError{Reason: "ffmpeg exited with code 1"}, http.StatusUnprocessableEntity},
		{"storage", &artifact.StorageError{Op: "rename", Err: errors.New("read-only")}, http.StatusInternalServerError},
		{"publish", bus.ErrNotConnected, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &stubHandler{err: tc.err}, 1<<20)
			body, contentType := multipartBody(t, "audio", "clip.wav", []byte("data"))
			resp, err := http.Post(srv.URL+"/api/audio", contentType, body)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			var er errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if er.Class != tc.name || er.Outcome == nil || er.Outcome.State != coordinator.StateFailed {
				t.Fatalf("unexpected error body %+v", er)
			}
		})
	}
}

func TestEmoteForm(t *testing.T) {
	h := &stubHandler{}
	srv := newServer(t, h, 1<<20)

	resp, err := http.PostForm(srv.URL+"/api/emote", url.Values{"emote": {"wave"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if h.last.Kind != ingest.KindPlay || h.last.Animation != "wave" {
		t.Fatalf("unexpected trigger %+v", h.last)
	}
}

func TestEmoteJSON(t *testing.T) {
	h := &stubHandler{}
	srv := newServer(t, h, 1<<20)

	resp, err := http.Post(srv.URL+"/api/emote", "application/json", strings.NewReader(`{"emote":"panic"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.last.Animation != "panic" {
		t.Fatalf("expected panic emote, got %d %+v", resp.StatusCode, h.last)
	}
}

func TestEmptyEmoteRejected(t *testing.T) {
	h := &stubHandler{}
	srv := newServer(t, h, 1<<20)

	resp, err := http.PostForm(srv.URL+"/api/emote", url.Values{"emote": {"  "}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || h.hits != 0 {
		t.Fatalf("expected 400 without handling, got %d (%d hits)", resp.StatusCode, h.hits)
	}
}

func TestStatus(t *testing.T) {
	srv := newServer(t, &stubHandler{}, 1<<20)
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Artifact.Generation != 3 || !st.Artifact.Ready || !st.Bus.Healthy {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWrongMethod(t *testing.T) {
	srv := newServer(t, &stubHandler{}, 1<<20)
	resp, err := http.Get(srv.URL + "/api/emote")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
