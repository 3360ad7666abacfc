package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/upload"
)

// formField is the multipart field carrying the video.
const formField = "file"

type handler struct {
	svc *upload.Service
}

type indexData struct {
	Extensions string
	Accept     string
	MaxSize    string
}

type resultData struct {
	Success bool
	Message string
	Size    string
	Parts   int
}

// errorResponse is the JSON body of a failed upload.
type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	UploadID string `json:"upload_id,omitempty"`
	Orphaned bool   `json:"orphaned,omitempty"`
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	cfg := h.svc.Config()
	accept := make([]string, len(cfg.AllowedExtensions))
	for i, ext := range cfg.AllowedExtensions {
		accept[i] = "." + ext
	}

	data := indexData{
		Extensions: strings.Join(cfg.AllowedExtensions, ", "),
		Accept:     strings.Join(accept, ","),
		MaxSize:    humanize.Bytes(uint64(cfg.MaxObjectSize)),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "index.html", data); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("failed to render upload form")
	}
}

// upload streams the first file part of a multipart form into the service.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.Ctx(ctx)

	mr, err := r.MultipartReader()
	if err != nil {
		h.badRequest(w, r, "The request must be a multipart/form-data upload.")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			h.badRequest(w, r, fmt.Sprintf("No file was uploaded in the %q field.", formField))
			return
		}
		if err != nil {
			h.badRequest(w, r, "Malformed multipart body.")
			return
		}
		if part.FormName() != formField {
			_ = part.Close()
			continue
		}
		if part.FileName() == "" {
			h.badRequest(w, r, "The uploaded file has no name.")
			return
		}

		filename := part.FileName()
		outcome, err := h.svc.Upload(ctx, filename, part, func(done, total int) {
			log.Debug().Str("file", filename).Msgf("Uploading part %d of %d", done, total)
		})
		_ = part.Close()
		if err != nil {
			h.failed(w, r, err)
			return
		}
		h.succeeded(w, r, outcome)
		return
	}
}

func (h *handler) succeeded(w http.ResponseWriter, r *http.Request, outcome *upload.Outcome) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, outcome)
		return
	}
	h.render(w, r, http.StatusCreated, resultData{
		Success: true,
		Message: outcome.Message,
		Size:    humanize.Bytes(uint64(outcome.Size)),
		Parts:   outcome.Parts,
	})
}

func (h *handler) failed(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := upload.Message(err)

	l := logger.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		l.Error().Err(err).Int("status", status).Msg("upload failed")
	} else {
		l.Info().Err(err).Int("status", status).Msg("upload rejected")
	}

	if wantsJSON(r) {
		resp := errorResponse{Error: msg, Kind: upload.KindOf(err).String()}
		var uerr *upload.Error
		if errors.As(err, &uerr) {
			resp.UploadID = uerr.UploadID
			resp.Orphaned = uerr.Orphaned()
		}
		writeJSON(w, status, resp)
		return
	}
	h.render(w, r, status, resultData{Message: msg})
}

func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: upload.KindValidation.String()})
		return
	}
	h.render(w, r, http.StatusBadRequest, resultData{Message: msg})
}

func (h *handler) render(w http.ResponseWriter, r *http.Request, status int, data resultData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, "result.html", data); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("failed to render result page")
	}
}

// statusFor maps an upload failure to the HTTP status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, upload.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrAuthentication), errors.Is(err, upload.ErrRemoteService):
		// The storage service refused or failed; the client request was fine.
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
