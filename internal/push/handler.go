package push

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/audial/callrelay/internal/httpserver"
	"github.com/audial/callrelay/internal/metrics"
)

const maxRegistrationBodyBytes = 16 << 10

type saveTokenRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type saveTokenResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg,omitempty"`
}

// SaveTokenHandler serves POST /save-token, binding a device token to a
// username.
func SaveTokenHandler(tokens *TokenStore, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "push")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			httpserver.WriteJSON(w, http.StatusMethodNotAllowed, saveTokenResponse{Msg: "method not allowed"})
			return
		}

		var req saveTokenRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBodyBytes))
		if err := dec.Decode(&req); err != nil {
			httpserver.WriteJSON(w, http.StatusBadRequest, saveTokenResponse{Msg: "invalid JSON body"})
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		req.Token = strings.TrimSpace(req.Token)
		if req.Username == "" || req.Token == "" {
			httpserver.WriteJSON(w, http.StatusBadRequest, saveTokenResponse{Msg: "username and token are required"})
			return
		}

		tokens.Set(req.Username, req.Token)
		m.Inc(metrics.TokenRegistered)
		logger.Info("push token saved", "username", req.Username)
		httpserver.WriteJSON(w, http.StatusOK, saveTokenResponse{Success: true})
	})
}
