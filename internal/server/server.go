package server

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/logger"
)

// Server assembles the webhook authorizer and client API onto one mux.
type Server struct {
	api         *API
	authorizer  *Authorizer
	corsOrigins []string
	log         zerolog.Logger
}

// New returns a server over the given API and authorizer.
func New(api *API, authorizer *Authorizer, corsOrigins []string, log zerolog.Logger) *Server {
	return &Server{
		api:         api,
		authorizer:  authorizer,
		corsOrigins: corsOrigins,
		log:         log,
	}
}

// Handler builds the full request handler: routes, request logging, and
// CORS for the browser-facing auth endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Broker-facing webhook. The broker needs a synchronous verdict, so
	// nothing here may block on background work.
	mux.HandleFunc("POST /webhook", s.authorizer.WebhookHandler)

	// Client-facing handshake and credential API.
	mux.HandleFunc("POST /auth/init", s.api.InitHandler)
	mux.HandleFunc("GET /auth/poll", s.api.PollHandler)
	mux.HandleFunc("GET /auth/callback", s.api.CallbackHandler)
	mux.HandleFunc("POST /auth/refresh", s.api.RefreshHandler)
	mux.HandleFunc("POST /verify-jwt", s.api.VerifyHandler)

	// Internal endpoints for the dashboard/CLI collaborators.
	mux.HandleFunc("GET /internal/user/{identity}/info", s.api.UserInfoHandler)

	mux.HandleFunc("GET /health", s.api.HealthHandler)

	handler := withCORS(s.corsOrigins, mux)
	return logger.Requests(s.log)(handler)
}

// withCORS adds CORS support for the browser-facing routes.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Fingerprint"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
