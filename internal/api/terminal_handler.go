package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"sandboxd/internal/hub"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
)

// TerminalHandler upgrades /ws/terminal requests and hands the connection
// to the multiplexer. gorilla/websocket stays because stdlib has no
// websocket server and x/net/websocket is effectively frozen.
type TerminalHandler struct {
	Hub            *hub.Hub
	Resolver       identity.Resolver
	AllowedOrigins []string
	Logger         *logging.Logger
}

func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil || h.Resolver == nil {
		http.Error(w, "terminal service unavailable", http.StatusInternalServerError)
		return
	}

	id, err := h.Resolver.Resolve(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tabID := 0
	if raw := r.URL.Query().Get("tab"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid tab id", http.StatusBadRequest)
			return
		}
		tabID = parsed
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", map[string]string{
				"user_id": id.UserID,
				"error":   err.Error(),
			})
		}
		return
	}

	h.Hub.Serve(r.Context(), conn, id, tabID)
}
