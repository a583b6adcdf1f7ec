// Package health serves the liveness endpoint for the delivery engine.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/formwarden/formwarden/internal/channel"
)

// Pinger is the durable-store liveness probe. The in-memory store passes a
// nil Pinger; the postgres store passes its pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool     `json:"ok"`
	Message  string   `json:"message,omitempty"`
	Database bool     `json:"database,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service: store reachability plus the registered delivery channels.
func HTTPHandler(store Pinger, registry *channel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "store ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		if registry != nil {
			for _, ch := range registry.Channels() {
				st.Channels = append(st.Channels, string(ch))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
