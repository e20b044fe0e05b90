package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuatroka/code-session-search/internal/search"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	q := r.URL.Query()
	opts := search.Options{
		Source: strings.TrimSpace(q.Get("source")),
		Limit:  parseLimit(q.Get("limit")),
		Fuzzy:  parseBool(q.Get("fuzzy"), true),
		Strict: parseBool(q.Get("strict"), false),
	}

	resp, err := s.searcher.Search(r.Context(), q.Get("q"), opts)
	if errors.Is(err, search.ErrIndexPartial) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "index_partial",
			"coverage": resp.Coverage,
		})
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.searcher.Coverage())
}

// parseLimit tolerates garbage: anything unparseable falls back to the
// service default.
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}
