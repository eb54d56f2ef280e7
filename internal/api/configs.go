package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sspi-data/sspi/internal/registry"
	"github.com/sspi-data/sspi/pkg/tree"
)

type scoreResponse struct {
	JobID      string `json:"job_id"`
	ConfigHash string `json:"config_hash"`
}

// saveRequest is the JSON body for POST /api/v1/saved.
type saveRequest struct {
	Owner     string          `json:"owner"`
	Name      string          `json:"name"`
	Metadata  []tree.Document `json:"metadata"`
	ActionLog json.RawMessage `json:"action_log,omitempty"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var sub tree.Submission
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.ValidateConfig(r.Context(), &sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "validate config: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var sub tree.Submission
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, hash, err := h.svc.ScoreConfig(r.Context(), &sub)
	if writeValidation(w, err) {
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, scoreResponse{JobID: jobID, ConfigHash: hash})
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Owner == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "owner and name are required")
		return
	}
	cfg, err := h.svc.Build(r.Context(), &tree.Submission{Metadata: req.Metadata, ActionLog: req.ActionLog})
	if writeValidation(w, err) {
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err := h.configs.Save(r.Context(), req.Owner, req.Name, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save configuration: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleListSaved(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	entries, err := h.configs.List(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGetSaved(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.savedEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleScoreSaved rebuilds a saved configuration and enqueues a scoring
// job for it.
func (h *Handler) handleScoreSaved(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.savedEntry(w, r)
	if !ok {
		return
	}
	opts, err := h.svc.TreeOptions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg, err := entry.Config(opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	jobID, hash, err := h.svc.Submit(cfg)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, scoreResponse{JobID: jobID, ConfigHash: hash})
}

// deleteResponse reports how many saved configurations still reference the
// deleted entry's hash. The score cache is only safe to clear at zero.
type deleteResponse struct {
	Status     string `json:"status"`
	ConfigHash string `json:"config_hash"`
	References int    `json:"references"`
}

func (h *Handler) handleDeleteSaved(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.savedEntry(w, r)
	if !ok {
		return
	}
	err := h.configs.Delete(r.Context(), entry.ID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "configuration not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete configuration: "+err.Error())
		return
	}
	refs, err := h.configs.CountByHash(r.Context(), entry.ConfigHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count references: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "deleted", ConfigHash: entry.ConfigHash, References: refs})
}

// savedEntry loads the entry named by the id URL parameter, writing the
// error response when it cannot.
func (h *Handler) savedEntry(w http.ResponseWriter, r *http.Request) (*registry.Entry, bool) {
	entry, err := h.configs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "configuration not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return entry, true
}
