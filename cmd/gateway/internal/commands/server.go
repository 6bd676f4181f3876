package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wolfeidau/tunnelgate/internal/auth"
	"github.com/wolfeidau/tunnelgate/internal/broker"
	"github.com/wolfeidau/tunnelgate/internal/handshake"
	"github.com/wolfeidau/tunnelgate/internal/logger"
	"github.com/wolfeidau/tunnelgate/internal/login"
	"github.com/wolfeidau/tunnelgate/internal/policy"
	"github.com/wolfeidau/tunnelgate/internal/server"
	"github.com/wolfeidau/tunnelgate/internal/store"
	"github.com/wolfeidau/tunnelgate/internal/tracker"
)

type ServerCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TUNNELGATE_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for the client API" default:"*" env:"TUNNELGATE_CORS_ORIGINS"`

	// Credential configuration
	SecretKey  string        `help:"signing secret for bearer tokens (min 32 bytes)" env:"TUNNELGATE_SECRET_KEY" required:""`
	SessionTTL time.Duration `help:"bearer token / session TTL" default:"12h" env:"TUNNELGATE_SESSION_TTL"`
	RefreshTTL time.Duration `help:"refresh token TTL" default:"720h" env:"TUNNELGATE_REFRESH_TTL"`

	// Discord OAuth configuration
	ClientID     string `help:"Discord client ID" env:"TUNNELGATE_DISCORD_CLIENT_ID" required:""`
	ClientSecret string `help:"Discord client secret" env:"TUNNELGATE_DISCORD_CLIENT_SECRET" required:""`
	CallbackURL  string `help:"Discord callback URL" env:"TUNNELGATE_DISCORD_CALLBACK_URL" required:""`

	// Broker configuration
	BrokerDashboardURL string        `help:"tunnel broker dashboard base URL" env:"TUNNELGATE_BROKER_DASHBOARD_URL" required:""`
	BrokerUser         string        `help:"broker dashboard user" default:"" env:"TUNNELGATE_BROKER_USER"`
	BrokerPassword     string        `help:"broker dashboard password" default:"" env:"TUNNELGATE_BROKER_PASSWORD"`
	ReconcileInterval  time.Duration `help:"tracker reconciliation interval" default:"5m" env:"TUNNELGATE_RECONCILE_INTERVAL"`

	// Persistence configuration
	DataDir       string        `help:"directory for persisted state files" default:"data" env:"TUNNELGATE_DATA_DIR"`
	FlushDebounce time.Duration `help:"quiescence window before state snapshots are written" default:"5s" env:"TUNNELGATE_FLUSH_DEBOUNCE"`
}

func (c *ServerCmd) Validate() error {
	if len(c.SecretKey) < 32 {
		return errors.New("secret key must be at least 32 bytes (--secret-key or TUNNELGATE_SECRET_KEY)")
	}
	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting gateway")

	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	sessions, err := store.NewSessionStore(
		filepath.Join(c.DataDir, "sessions.json"), c.SessionTTL, c.FlushDebounce, log)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Error().Err(err).Msg("failed to flush session store")
		}
	}()
	sessions.StartSweep(ctx, time.Hour)

	policies, err := policy.NewStore(filepath.Join(c.DataDir, "users.json"), log)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	if err := policies.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch policy file: %w", err)
	}
	defer policies.Close()

	brokerClient := broker.NewClient(c.BrokerDashboardURL, c.BrokerUser, c.BrokerPassword)

	tr, err := tracker.New(
		filepath.Join(c.DataDir, "active_sessions.json"), brokerClient, c.FlushDebounce, log)
	if err != nil {
		return fmt.Errorf("failed to open session tracker: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("failed to flush session tracker")
		}
	}()
	tr.Start(ctx, c.ReconcileInterval)

	creds, err := auth.NewCredentialService([]byte(c.SecretKey), c.SessionTTL, c.RefreshTTL, sessions, log)
	if err != nil {
		return err
	}

	oauth, err := login.NewDiscord(c.ClientID, c.ClientSecret, c.CallbackURL)
	if err != nil {
		return fmt.Errorf("failed to initialize Discord OAuth: %w", err)
	}

	registry := handshake.NewRegistry(log)
	registry.StartSweep(ctx)

	api := server.NewAPI(sessions, creds, registry, policies, tr, oauth, log)
	authorizer := server.NewAuthorizer(creds, policies, tr, log)

	srv := configureHTTPServer(c.Listen, server.New(api, authorizer, c.CORSOrigins, log).Handler())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
