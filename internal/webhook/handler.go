package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

// Refresher rescores the default configuration. *pipeline.Service
// implements it.
type Refresher interface {
	RefreshDefault(ctx context.Context) (jobID, hash string, err error)
}

// Handler processes incoming change notifications.
type Handler struct {
	secret     []byte
	refresher  Refresher
	invalidate func(hash string)
}

// NewHandler creates a new webhook Handler. invalidate, when non-nil, is
// called with the refreshed hash so in-process caches of its results can be
// dropped.
func NewHandler(secret []byte, refresher Refresher, invalidate func(hash string)) *Handler {
	return &Handler{secret: secret, refresher: refresher, invalidate: invalidate}
}

type response struct {
	Status     string `json:"status"`
	JobID      string `json:"job_id,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
}

// ServeHTTP handles incoming webhook requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-SSPI-Signature-256")
	if err := VerifySignature(body, signature, h.secret); err != nil {
		log.Printf("webhook signature verification failed: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-SSPI-Event")
	if eventType == "" {
		http.Error(w, "missing X-SSPI-Event header", http.StatusBadRequest)
		return
	}

	event, err := ParseEvent(eventType, body)
	if err != nil {
		log.Printf("webhook parse error for %s: %v", eventType, err)
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *DatasetsUpdatedEvent:
		log.Printf("datasets updated: %s", strings.Join(e.DatasetCodes, ", "))
	case *MetadataUpdatedEvent:
		log.Printf("default metadata updated (key %q)", e.Key)
	}

	jobID, hash, err := h.refresher.RefreshDefault(r.Context())
	if err != nil {
		log.Printf("refresh default config: %v", err)
		http.Error(w, "refresh failed", http.StatusServiceUnavailable)
		return
	}
	if h.invalidate != nil {
		h.invalidate(hash)
	}
	log.Printf("default config %s: refresh job %s", hash, jobID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(response{Status: "accepted", JobID: jobID, ConfigHash: hash})
}
