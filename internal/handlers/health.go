package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// Pinger はストアの疎通確認を行います
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Health はサーバーとストアの状態を返します
func Health(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		now := time.Now().UTC().Format(time.RFC3339)
		if err := store.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("module", "handlers").Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, healthResponse{Success: false, Message: "Store unavailable", Timestamp: now})
			return
		}
		respondJSON(w, http.StatusOK, healthResponse{Success: true, Message: "SHARAEIN Server is running", Timestamp: now})
	}
}
