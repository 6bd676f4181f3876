package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tunnelgate/internal/handshake"
	"github.com/wolfeidau/tunnelgate/internal/login"
	"github.com/wolfeidau/tunnelgate/internal/models"
)

func newTestHandler(t *testing.T, env *testEnv) (http.Handler, *handshake.Registry) {
	t.Helper()

	oauth, err := login.NewDiscord("client-id", "client-secret", "https://gateway.example.com/auth/callback")
	require.NoError(t, err)

	registry := handshake.NewRegistry(zerolog.Nop())
	api := NewAPI(env.sessions, env.creds, registry, env.policies, env.tracker, oauth, zerolog.Nop())

	return New(api, env.authorizer, []string{"*"}, zerolog.Nop()).Handler(), registry
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestInitAndPollPending(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	rec, resp := doJSON(t, handler, http.MethodPost, "/auth/init", `{"fingerprint":"fp-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, resp["tempToken"])
	require.Contains(t, resp["authUrl"], "discord.com")
	require.Equal(t, float64(600), resp["expiresIn"])

	tempToken := resp["tempToken"].(string)
	rec, resp = doJSON(t, handler, http.MethodGet, "/auth/poll?tempToken="+tempToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", resp["status"])
}

func TestInitRequiresFingerprint(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	rec, _ := doJSON(t, handler, http.MethodPost, "/auth/init", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollCompletedDeliversOnce(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, registry := newTestHandler(t, env)

	_, resp := doJSON(t, handler, http.MethodPost, "/auth/init", `{"fingerprint":"fp-a"}`)
	tempToken := resp["tempToken"].(string)

	// Complete the handshake as the callback would.
	require.True(t, registry.Complete(tempToken, &models.HandshakeResult{
		JWT:          "jwt-value",
		RefreshToken: "refresh-value",
		User:         &models.DiscordUser{ID: "u1", Username: "tester"},
	}))

	rec, resp := doJSON(t, handler, http.MethodGet, "/auth/poll?tempToken="+tempToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "completed", resp["status"])
	require.Equal(t, "jwt-value", resp["jwt"])
	require.Equal(t, "refresh-value", resp["refreshToken"])

	// Collected results are deleted; a second poll finds nothing.
	rec, _ = doJSON(t, handler, http.MethodGet, "/auth/poll?tempToken="+tempToken, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollUnknownToken(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	rec, _ := doJSON(t, handler, http.MethodGet, "/auth/poll?tempToken=nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	sess, err := env.sessions.Create("u1", "fp-a")
	require.NoError(t, err)
	initial, err := env.creds.IssueCredentials(sess.SessionID, "fp-a")
	require.NoError(t, err)

	rec, resp := doJSON(t, handler, http.MethodPost, "/auth/refresh",
		`{"refreshToken":"`+initial.RefreshToken+`","fingerprint":"fp-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, resp["accessToken"])
	require.NotEqual(t, initial.RefreshToken, resp["refreshToken"])

	// The rotated-away token is rejected.
	rec, _ = doJSON(t, handler, http.MethodPost, "/auth/refresh",
		`{"refreshToken":"`+initial.RefreshToken+`","fingerprint":"fp-a"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	token := env.login(t, "u1", "fp-a")

	rec, resp := doJSON(t, handler, http.MethodPost, "/verify-jwt",
		`{"jwt":"`+token+`","fingerprint":"fp-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["valid"])
	require.Equal(t, "u1", resp["identity"])

	rec, resp = doJSON(t, handler, http.MethodPost, "/verify-jwt",
		`{"jwt":"`+token+`","fingerprint":"fp-wrong"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, resp["valid"])
	require.Equal(t, "fingerprint-mismatch", resp["reason"])
}

func TestVerifyEndpointHeaders(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	token := env.login(t, "u1", "fp-a")

	req := httptest.NewRequest(http.MethodPost, "/verify-jwt", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Fingerprint", "fp-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["valid"])
}

func TestUserInfoEndpoint(t *testing.T) {
	env := newTestEnv(t, `{"users":[{"identity":"u1","allowed_channels":[25565],"max_sessions":1}]}`)
	handler, _ := newTestHandler(t, env)

	token := env.login(t, "u1", "fp-abcdef-long")
	require.False(t, env.authorizer.Authorize(openChannel(token, "fp-abcdef-long", 25565)).Reject)

	rec, resp := doJSON(t, handler, http.MethodGet, "/internal/user/u1/info", "")
	require.Equal(t, http.StatusOK, rec.Code)

	permissions := resp["permissions"].(map[string]any)
	require.Equal(t, float64(1), permissions["maxSessions"])

	active := resp["activeSessions"].(map[string]any)
	require.Equal(t, float64(1), active["total"])

	sessions := active["sessions"].([]any)
	first := sessions[0].(map[string]any)
	require.Equal(t, float64(25565), first["channel"])
	require.Equal(t, "fp-abcde", first["fingerprintPrefix"])
}

func TestWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t, `{"users":[{"identity":"u1","allowed_channels":[25565],"max_sessions":1}]}`)
	handler, _ := newTestHandler(t, env)

	token := env.login(t, "u1", "fp-a")

	body := `{"op":"OpenChannel","content":{"user":{"metas":{"token":"` + token + `","fingerprint":"fp-a"}},"channel":25565}}`
	rec, resp := doJSON(t, handler, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, resp["reject"])
	require.Equal(t, true, resp["unchange"])

	rec, resp = doJSON(t, handler, http.MethodPost, "/webhook", `{"op":"Nope","content":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["reject"])
	require.Equal(t, "unknown operation", resp["reject_reason"])

	// Malformed bodies reject rather than error; the broker needs a verdict.
	rec, resp = doJSON(t, handler, http.MethodPost, "/webhook", `{{{`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["reject"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, `{"users":[]}`)
	handler, _ := newTestHandler(t, env)

	rec, resp := doJSON(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", resp["status"])
}
