package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/app"
	"github.com/eugener/keygate/internal/auth"
)

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Pipeline.Chat(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Pipeline.Image(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Pipeline.Speech(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio) //nolint:errcheck // client gone
}

type geminiImageReply struct {
	Success bool `json:"success"`
	Image   struct {
		Format     string `json:"format"`
		Data       string `json:"data"`
		Resolution string `json:"resolution"`
	} `json:"image"`
}

func (s *server) handleGeminiImage(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	img, err := s.deps.Pipeline.GeminiImage(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := geminiImageReply{Success: true}
	out.Image.Format, out.Image.Data, out.Image.Resolution = img.Format, img.Data, img.Resolution
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	in, err := readUpload(r, s.deps.MaxUploadBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Pipeline.Transcribe(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body) //nolint:errcheck // client gone
}

// transcriptionFields are the form fields forwarded upstream and covered by
// an HMAC signature. Anything else in the form is ignored.
var transcriptionFields = []string{"model", "language", "prompt", "response_format", "temperature", "stream"}

// readUpload parses a multipart transcription upload. The HMAC body is
// auth.FormBody of the text fields, since the file is not signed.
func readUpload(r *http.Request, limit int64) (app.Inbound, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return app.Inbound{}, fmt.Errorf("%w: request body exceeds %d bytes", gateway.ErrBadRequest, tooLarge.Limit)
		}
		return app.Inbound{}, fmt.Errorf("%w: multipart/form-data expected: %v", gateway.ErrBadRequest, err)
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp files only

	fields := make(map[string]string, len(transcriptionFields))
	for _, name := range transcriptionFields {
		if vs := r.MultipartForm.Value[name]; len(vs) > 0 {
			fields[name] = vs[0]
		}
	}

	up := &gateway.TranscriptionRequest{
		Model:          fields["model"],
		Language:       fields["language"],
		Prompt:         fields["prompt"],
		ResponseFormat: fields["response_format"],
		Stream:         fields["stream"] == "true",
	}
	if t := fields["temperature"]; t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return app.Inbound{}, fmt.Errorf("%w: temperature must be a number", gateway.ErrBadRequest)
		}
		up.Temperature = &v
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return app.Inbound{}, fmt.Errorf("%w: file is required", gateway.ErrBadRequest)
	}
	defer f.Close()
	if up.File, err = io.ReadAll(f); err != nil {
		return app.Inbound{}, fmt.Errorf("%w: read file: %v", gateway.ErrBadRequest, err)
	}
	up.Filename = hdr.Filename

	return app.Inbound{
		Product: chi.URLParam(r, "product"),
		Credentials: gateway.Credentials{
			Header: r.Header,
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   auth.FormBody(fields),
		},
		Upload: up,
	}, nil
}

// readInbound buffers the body (HMAC signs it) and captures the credentials.
func readInbound(r *http.Request) (app.Inbound, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return app.Inbound{}, fmt.Errorf("%w: request body exceeds %d bytes", gateway.ErrBadRequest, tooLarge.Limit)
		}
		return app.Inbound{}, fmt.Errorf("%w: read request body: %v", gateway.ErrBadRequest, err)
	}
	return app.Inbound{
		Product: chi.URLParam(r, "product"),
		Credentials: gateway.Credentials{
			Header: r.Header,
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   body,
		},
	}, nil
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string, kind gateway.ErrorKind) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = kind.String()
	return e
}

// writeError renders err through gateway.Classify. 429 responses carry
// Retry-After in whole seconds, rounded up.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	c := gateway.Classify(err)
	if c.Status == gateway.StatusClientClosedRequest {
		// Nobody is listening; the status only reaches the request log.
		w.WriteHeader(c.Status)
		return
	}
	if c.Kind == gateway.ErrorInternal {
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	}
	if c.Status == http.StatusTooManyRequests && c.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(c.RetryAfter.Seconds())))
	}
	writeJSON(w, c.Status, errorResponse(c.Message, c.Kind))
}

func retryAfterSeconds(s float64) int {
	return int(math.Max(1, math.Ceil(s)))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
