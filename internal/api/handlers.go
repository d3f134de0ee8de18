package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

type handlers struct {
	deps Deps
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "healthy"}
	status := http.StatusOK

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := h.deps.Checks[name](r.Context()); err != nil {
			health[name] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		health[name] = "healthy"
	}

	JSON(w, status, health)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, NewBadRequestError("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

func (h *handlers) listArticles(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	total, err := h.deps.Store.Count(r.Context())
	if err != nil {
		HandleError(w, r, err)
		return
	}
	articles, err := h.deps.Store.Peek(r.Context(), limit)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	JSONList(w, articles, total, limit)
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchResult struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

func (h *handlers) searchArticles(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, r, NewBadRequestError("invalid JSON body"))
		return
	}
	if req.Query == "" {
		HandleError(w, r, NewBadRequestError("query is required"))
		return
	}
	if req.K <= 0 {
		req.K = 1
	}
	req.K = min(req.K, maxLimit)

	matches, err := h.deps.Store.Query(r.Context(), req.Query, req.K)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	results := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, searchResult{
			ID:         m.ID,
			Text:       m.Text,
			Distance:   m.Distance,
			Similarity: m.Similarity(),
		})
	}
	JSON(w, http.StatusOK, results)
}

func (h *handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Profile == nil {
		HandleError(w, r, ErrNotConfigured)
		return
	}
	text, err := h.deps.Profile.Load(r.Context())
	if err != nil {
		HandleError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"profile": text})
}

func (h *handlers) listTranscript(w http.ResponseWriter, r *http.Request) {
	if h.deps.Transcript == nil {
		HandleError(w, r, ErrNotConfigured)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	entries, err := h.deps.Transcript.Recent(r.Context(), limit)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, entries)
}
