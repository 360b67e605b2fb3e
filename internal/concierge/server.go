package concierge

import (
	"encoding/json"
	"net/http"
	"time"
)

// Routes is implemented by handlers that mount extra paths, such as the fs server.
type Routes interface {
	Register(mux *http.ServeMux)
}

// NewMux builds the concierge HTTP surface: the websocket endpoint, a health
// probe and any extra routes.
func NewMux(hub *Hub, extra ...Routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Status     string `json:"status"`
			ServerTime int64  `json:"serverTime"`
			Clients    int    `json:"clients"`
			Groups     int    `json:"groups"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Clients:    len(hub.Clients()),
			Groups:     len(hub.Groups()),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			hub.logger.Error("Failed to write health payload", "error", err)
		}
	})

	for _, r := range extra {
		r.Register(mux)
	}
	return mux
}
