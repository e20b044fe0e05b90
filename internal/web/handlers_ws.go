package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kuatroka/code-session-search/internal/search"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsSearchRequest is one query frame from a live-search client.
type wsSearchRequest struct {
	Query  string `json:"query"`
	Source string `json:"source"`
	Fuzzy  *bool  `json:"fuzzy"`
	Limit  int    `json:"limit"`
}

// handleSearchWS serves interactive search over a WebSocket: one request
// frame in, one response frame out. Each frame runs a fresh pipeline;
// nothing is shared between frames or connections.
func (s *Server) handleSearchWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		webLog.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		var req wsSearchRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		opts := search.Options{
			Source: req.Source,
			Limit:  req.Limit,
			Fuzzy:  true,
		}
		if req.Fuzzy != nil {
			opts.Fuzzy = *req.Fuzzy
		}

		resp, err := s.searcher.Search(ctx, req.Query, opts)
		if err != nil {
			// Strict mode is not available over the socket; any error here
			// is internal and ends the session.
			webLog.Warn("websocket_search_failed", slog.String("error", err.Error()))
			return
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}
