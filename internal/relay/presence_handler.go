package relay

import (
	"encoding/json"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

// PresenceHandler serves GET /v1/presence/{userId}. Outside AUTH_MODE=none
// the caller must present the same credentials the signaling endpoint
// accepts.
func (s *Server) PresenceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeHTTP(r) {
			s.metrics.Inc(metrics.EventAuthFailed)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID := r.PathValue("userId")
		if err := auth.ValidateUserID(userID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry, err := s.hub.Lookup(r.Context(), userID)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(entry)
	})
}

func (s *Server) authorizeHTTP(r *http.Request) bool {
	if s.cfg.AuthMode == config.AuthModeNone {
		return true
	}
	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	if err != nil {
		return false
	}
	_, err = s.verifier.Verify(cred)
	return err == nil
}
