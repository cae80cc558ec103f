// Package web exposes the form surface: audio uploads, emotes and a status
// view.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/loqalabs/owlimatronic/internal/coordinator"
	"github.com/loqalabs/owlimatronic/internal/eventstore"
	"github.com/loqalabs/owlimatronic/internal/ingest"
	"github.com/loqalabs/owlimatronic/internal/streamer"
)

// Handler runs a trigger. coordinator.Coordinator satisfies it.
type Handler interface {
	Handle(ctx context.Context, t ingest.Trigger) (coordinator.Outcome, error)
}

type ArtifactStatus struct {
	Generation uint64 `json:"generation"`
	Ready      bool   `json:"ready"`
}

type BusStatus struct {
	Mode    string `json:"mode"`
	Healthy bool   `json:"healthy"`
}

type Status struct {
	Artifact ArtifactStatus              `json:"artifact"`
	Bus      BusStatus                   `json:"bus"`
	Devices  []streamer.DeviceConnection `json:"devices"`
	Recent   []eventstore.Request        `json:"recent,omitempty"`
}

// StatusFunc assembles the current status.
type StatusFunc func(ctx context.Context) Status

type API struct {
	handler   Handler
	status    StatusFunc
	maxUpload int64
	logger    *slog.Logger
}

func New(handler Handler, status StatusFunc, maxUpload int64, log *slog.Logger) *API {
	return &API{
		handler:   handler,
		status:    status,
		maxUpload: maxUpload,
		logger:    log.With(slog.String("component", "web")),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/audio", a.handleAudio)
	mux.HandleFunc("POST /api/emote", a.handleEmote)
	mux.HandleFunc("GET /api/status", a.handleStatus)
}

type errorResponse struct {
	Error   string               `json:"error"`
	Class   string               `json:"class,omitempty"`
	Outcome *coordinator.Outcome `json:"outcome,omitempty"`
}

func (a *API) handleAudio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large", Class: coordinator.ClassValidation})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected multipart form: " + err.Error(), Class: coordinator.ClassValidation})
		return
	}
	defer r.MultipartForm.RemoveAll()

	sub := ingest.FormSubmission{Origin: r.RemoteAddr}
	file, header, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read upload: " + err.Error(), Class: coordinator.ClassValidation})
			return
		}
		sub.HasFile = true
		sub.File = data
		sub.Filename = header.Filename
		sub.ContentType = header.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile):
		// No file: the submission may still carry an emote.
		sub.Emote = r.FormValue("emote")
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Class: coordinator.ClassValidation})
		return
	}
	a.submit(w, r, sub)
}

func (a *API) handleEmote(w http.ResponseWriter, r *http.Request) {
	sub := ingest.FormSubmission{Origin: r.RemoteAddr}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Emote string `json:"emote"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error(), Class: coordinator.ClassValidation})
			return
		}
		sub.Emote = body.Emote
	} else {
		sub.Emote = r.FormValue("emote")
	}
	a.submit(w, r, sub)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, sub ingest.FormSubmission) {
	trigger, err := ingest.FromForm(sub)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Class: coordinator.ClassValidation})
		return
	}
	out, err := a.handler.Handle(r.Context(), trigger)
	if err != nil {
		class := coordinator.Classify(err)
		a.logger.Warn("form request failed", slog.String("request_id", out.RequestID), slog.String("class", class), slog.String("error", err.Error()))
		writeJSON(w, statusFor(class), errorResponse{Error: err.Error(), Class: class, Outcome: &out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.status == nil {
		writeJSON(w, http.StatusOK, Status{})
		return
	}
	writeJSON(w, http.StatusOK, a.status(r.Context()))
}

func statusFor(class string) int {
	switch class {
	case coordinator.ClassValidation:
		return http.StatusBadRequest
	case coordinator.ClassConversion:
		return http.StatusUnprocessableEntity
	case coordinator.ClassPublish, coordinator.ClassShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
