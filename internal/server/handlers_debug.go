package server

import (
	"context"
	"net/http"
)

type debugRedisResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HandleDebugRedis returns a closure bound to a ping func so the Redis
// client stays out of the Handlers struct; the route is only ever
// registered (see New) when the dev/debug gate in spec §6 is satisfied.
func (h *Handlers) HandleDebugRedis(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping == nil {
			writeFlatJSON(w, http.StatusOK, debugRedisResponse{OK: false, Error: "no redis client configured"})
			return
		}
		if err := ping(r.Context()); err != nil {
			writeFlatJSON(w, http.StatusOK, debugRedisResponse{OK: false, Error: err.Error()})
			return
		}
		writeFlatJSON(w, http.StatusOK, debugRedisResponse{OK: true})
	}
}
