package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/pkg/scoring"
)

// listParam collects a repeatable, comma-separated query parameter.
func listParam(q url.Values, name string) []string {
	var out []string
	for _, v := range q[name] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func yearParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (h *Handler) handleFlatScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := yearParam(q, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from year")
		return
	}
	to, err := yearParam(q, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to year")
		return
	}
	f := cachestore.Filter{
		ItemCodes:    listParam(q, "item"),
		ItemTypes:    listParam(q, "type"),
		CountryCodes: listParam(q, "country"),
		FromYear:     from,
		ToYear:       to,
	}
	docs, err := h.svc.GetFlatScores(r.Context(), chi.URLParam(r, "hash"), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []scoring.ScoreDoc{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) handleLineData(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	q := r.URL.Query()
	item := q.Get("item")
	countries := listParam(q, "country")

	key := lineKey(hash, item, countries)
	if lines, ok := h.lines.Get(key); ok {
		writeJSON(w, http.StatusOK, lines)
		return
	}
	lines, err := h.svc.GetLineData(r.Context(), hash, item, countries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(lines) == 0 {
		writeJSON(w, http.StatusOK, []scoring.LineDoc{})
		return
	}
	h.lines.Put(key, lines)
	writeJSON(w, http.StatusOK, lines)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	n, err := h.svc.ClearCache(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.lines.Invalidate(hash)
	writeJSON(w, http.StatusOK, map[string]any{"config_hash": hash, "deleted": n})
}
