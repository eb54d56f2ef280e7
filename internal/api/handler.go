// Package api implements the SSPI custom scoring REST API.
// It is a thin adapter over pipeline.Service and the saved-configuration
// registry, with server-sent events for job progress.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/internal/registry"
)

// maxBodyBytes bounds request bodies after decompression.
const maxBodyBytes = 8 << 20

// Handler is the top-level API handler.
type Handler struct {
	svc     *pipeline.Service
	configs registry.Store
	lines   *LineCache
}

// NewHandler creates a new API handler. configs may be nil, which disables
// the saved-configuration routes.
func NewHandler(svc *pipeline.Service, configs registry.Store, lines *LineCache) *Handler {
	if lines == nil {
		lines = NewLineCacheFromEnv()
	}
	return &Handler{svc: svc, configs: configs, lines: lines}
}

// Routes returns the API router. apiKey protects the write endpoints when
// non-empty.
func (h *Handler) Routes(apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Read endpoints
		r.Post("/configs/validate", h.handleValidate)
		r.Get("/jobs/{jobID}", h.handleJobStatus)
		r.Get("/jobs/{jobID}/events", h.handleJobEvents)
		r.Get("/scores/{hash}", h.handleFlatScores)
		r.Get("/lines/{hash}", h.handleLineData)

		// Write endpoints (auth-protected)
		r.Group(func(r chi.Router) {
			r.Use(APIKeyAuth(apiKey))
			r.Post("/configs/score", h.handleScore)
			r.Post("/jobs/{jobID}/cancel", h.handleCancelJob)
			r.Delete("/cache/{hash}", h.handleClearCache)
		})

		if h.configs != nil {
			r.Get("/saved", h.handleListSaved)
			r.Get("/saved/{id}", h.handleGetSaved)
			r.Group(func(r chi.Router) {
				r.Use(APIKeyAuth(apiKey))
				r.Post("/saved", h.handleSave)
				r.Post("/saved/{id}/score", h.handleScoreSaved)
				r.Delete("/saved/{id}", h.handleDeleteSaved)
			})
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body, accepting gzip-compressed bodies.
func decodeBody(r *http.Request, v any) error {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeValidation writes a 422 for validation failures and reports whether
// err was one.
func writeValidation(w http.ResponseWriter, err error) bool {
	var ve *pipeline.ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	writeJSON(w, http.StatusUnprocessableEntity, pipeline.ValidationResult{Errors: ve.Errors})
	return true
}
