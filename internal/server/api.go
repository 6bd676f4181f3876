package server

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/auth"
	"github.com/wolfeidau/tunnelgate/internal/handshake"
	"github.com/wolfeidau/tunnelgate/internal/login"
	"github.com/wolfeidau/tunnelgate/internal/models"
	"github.com/wolfeidau/tunnelgate/internal/policy"
	"github.com/wolfeidau/tunnelgate/internal/store"
	"github.com/wolfeidau/tunnelgate/internal/tracker"
)

// API serves the client-facing endpoints: handshake initiation and polling,
// token refresh, token verification, and the operator info endpoint.
type API struct {
	sessions *store.SessionStore
	creds    *auth.CredentialService
	registry *handshake.Registry
	policies *policy.Store
	tracker  *tracker.Tracker
	oauth    *login.Discord
	log      zerolog.Logger
}

// NewAPI wires the client-facing API over the given services.
func NewAPI(sessions *store.SessionStore, creds *auth.CredentialService, registry *handshake.Registry, policies *policy.Store, tr *tracker.Tracker, oauth *login.Discord, log zerolog.Logger) *API {
	return &API{
		sessions: sessions,
		creds:    creds,
		registry: registry,
		policies: policies,
		tracker:  tr,
		oauth:    oauth,
		log:      log.With().Str("component", "api").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// InitHandler starts a handshake: registers a pending entry and hands the
// client a temp token plus the browser authorization URL.
func (a *API) InitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	state := rand.Text()
	authURL := a.oauth.AuthCodeURL(state)
	h := a.registry.Create(state, authURL, req.Fingerprint)

	writeJSON(w, http.StatusOK, map[string]any{
		"tempToken": h.TempToken,
		"authUrl":   h.AuthURL,
		"expiresIn": int(handshake.HandshakeTTL.Seconds()),
	})
}

// PollHandler lets the headless client discover whether the browser login
// finished. A completed entry is deleted once its result has been collected.
func (a *API) PollHandler(w http.ResponseWriter, r *http.Request) {
	tempToken := r.URL.Query().Get("tempToken")
	if tempToken == "" {
		writeError(w, http.StatusBadRequest, "tempToken is required")
		return
	}

	h, ok := a.registry.GetByTempToken(tempToken)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown temp token")
		return
	}

	resp := map[string]any{"status": string(h.Status)}
	if h.Status == models.HandshakeCompleted && h.Result != nil {
		resp["jwt"] = h.Result.JWT
		resp["refreshToken"] = h.Result.RefreshToken
		resp["expiresAt"] = h.Result.ExpiresAt
		if h.Result.User != nil {
			resp["discordUser"] = h.Result.User
		}
		a.registry.Delete(tempToken)
	}

	writeJSON(w, http.StatusOK, resp)
}

// CallbackHandler completes the browser side of the handshake: validates
// the CSRF state, exchanges the code, creates the session, issues the
// credential pair, and parks the result for the polling client.
func (a *API) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	state := r.FormValue("state")
	code := r.FormValue("code")
	if state == "" || code == "" {
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	h, ok := a.registry.GetByState(state)
	if !ok || h.Status != models.HandshakePending {
		a.log.Warn().Msg("callback with unknown or stale state")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	token, err := a.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to exchange OAuth code")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	user, err := a.oauth.GetUser(r.Context(), token)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to fetch user profile")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	sess, err := a.sessions.Create(user.ID, h.Fingerprint)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to create session")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	creds, err := a.creds.IssueCredentials(sess.SessionID, h.Fingerprint)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to issue credentials")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	completed := a.registry.Complete(h.TempToken, &models.HandshakeResult{
		JWT:              creds.AccessToken,
		RefreshToken:     creds.RefreshToken,
		ExpiresAt:        creds.ExpiresAt,
		RefreshExpiresAt: creds.RefreshExpiresAt,
		User:             user,
	})
	if !completed {
		// Lost the race with expiry or a double callback; the session is
		// orphaned and will age out via the expiry sweep.
		a.log.Warn().Str("identity", user.ID).Msg("handshake no longer pending at completion")
		http.Error(w, "Login expired, please retry", http.StatusBadRequest)
		return
	}

	a.log.Info().Str("identity", user.ID).Str("username", user.Username).
		Msg("handshake completed")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Logged in</h1><p>You can close this tab and return to your terminal.</p></body></html>")
}

// RefreshHandler rotates a refresh token. All failures map to 401; the
// breach-containment side effect happens inside the credential service.
func (a *API) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
		Fingerprint  string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "refreshToken and fingerprint are required")
		return
	}

	result, err := a.creds.Refresh(req.RefreshToken, req.Fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "refresh token expired")
		case errors.Is(err, auth.ErrFingerprintMismatch):
			writeError(w, http.StatusUnauthorized, "fingerprint mismatch")
		case errors.Is(err, auth.ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			writeError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":      result.AccessToken,
		"refreshToken":     result.RefreshToken,
		"expiresAt":        result.ExpiresAt,
		"refreshExpiresAt": result.RefreshExpiresAt,
	})
}

// VerifyHandler checks a bearer token for an external consumer (e.g. the
// process lifecycle manager). Credentials come from the body, or from the
// Authorization / X-Fingerprint headers as a fallback.
func (a *API) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JWT         string `json:"jwt"`
		Fingerprint string `json:"fingerprint"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.JWT == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			req.JWT = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if req.Fingerprint == "" {
		req.Fingerprint = r.Header.Get("X-Fingerprint")
	}
	if req.JWT == "" || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "jwt and fingerprint are required")
		return
	}

	result := a.creds.Verify(req.JWT, req.Fingerprint)

	resp := map[string]any{"valid": result.Valid}
	if result.Valid {
		resp["sessionId"] = result.SessionID
		resp["identity"] = result.Identity
	} else {
		resp["reason"] = result.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// UserInfoHandler reports an identity's policy and live sessions for the
// dashboard and CLI frontends.
func (a *API) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	allowedChannels := []int{}
	maxSessions := 0
	if pol, ok := a.policies.Lookup(identity); ok {
		allowedChannels = pol.AllowedChannels
		maxSessions = pol.MaxSessions
	}

	active := a.tracker.SessionsFor(identity)
	sessions := make([]map[string]any, 0, len(active))
	for _, s := range active {
		sessions = append(sessions, map[string]any{
			"sessionId":         s.SessionID,
			"channel":           s.Channel,
			"connectedAt":       s.ConnectedAt.Format(time.RFC3339),
			"fingerprintPrefix": s.FingerprintPrefix,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": map[string]any{
			"allowedChannels": allowedChannels,
			"maxSessions":     maxSessions,
		},
		"activeSessions": map[string]any{
			"total":    len(sessions),
			"sessions": sessions,
		},
	})
}

// HealthHandler reports liveness.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
