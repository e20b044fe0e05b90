package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kuatroka/code-session-search/internal/search"
)

var (
	coverageEventsPollInterval      = 2 * time.Second
	coverageEventsHeartbeatInterval = 15 * time.Second
)

// handleCoverageEvents streams coverage snapshots over SSE. Clients get
// the current snapshot immediately, a new event whenever the snapshot
// changes and keepalive comments so proxies don't drop the idle stream.
func (s *Server) handleCoverageEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	cov := s.searcher.Coverage()
	lastFingerprint := coverageFingerprint(cov)
	if err := writeSSEEvent(w, flusher, "coverage", cov); err != nil {
		return
	}

	pollTicker := time.NewTicker(coverageEventsPollInterval)
	defer pollTicker.Stop()

	heartbeatTicker := time.NewTicker(coverageEventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-pollTicker.C:
			next := s.searcher.Coverage()
			fp := coverageFingerprint(next)
			if fp == lastFingerprint {
				continue
			}
			if err := writeSSEEvent(w, flusher, "coverage", next); err != nil {
				return
			}
			lastFingerprint = fp
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// coverageFingerprint hashes the change-relevant fields so the stream
// doesn't re-emit on every poll just because the snapshot timestamp moved.
func coverageFingerprint(cov search.Coverage) string {
	payload := struct {
		TotalExpected int                              `json:"totalExpected"`
		TotalIndexed  int                              `json:"totalIndexed"`
		Partial       bool                             `json:"partial"`
		BySource      map[string]search.SourceCoverage `json:"bySource"`
	}{
		TotalExpected: cov.TotalExpected,
		TotalIndexed:  cov.TotalIndexed,
		Partial:       cov.Partial,
		BySource:      cov.BySource,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
