package login

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/wolfeidau/tunnelgate/internal/models"
)

const defaultAPIBase = "https://discord.com/api"

// Discord drives the browser side of the OAuth handshake: authorization URL
// construction, code exchange, and the user-profile fetch that yields the
// identity.
type Discord struct {
	config  *oauth2.Config
	apiBase string
}

// NewDiscord validates the OAuth client configuration and returns the
// collaborator used by the handshake flow.
func NewDiscord(clientID, clientSecret, callbackURL string) (*Discord, error) {
	if clientID == "" || clientSecret == "" || callbackURL == "" {
		return nil, fmt.Errorf("client ID, client secret, and callback URL are required")
	}

	return &Discord{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
		apiBase: defaultAPIBase,
	}, nil
}

// AuthCodeURL returns the browser authorization URL carrying the CSRF state.
func (d *Discord) AuthCodeURL(state string) string {
	return d.config.AuthCodeURL(state)
}

// ExchangeCode exchanges the callback authorization code for a token.
func (d *Discord) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return d.config.Exchange(ctx, code)
}

// GetUser fetches the authenticated user's profile.
func (d *Discord) GetUser(ctx context.Context, token *oauth2.Token) (*models.DiscordUser, error) {
	// Bounded so a slow upstream cannot hang the callback handler.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := d.config.Client(ctx, token)
	resp, err := client.Get(d.apiBase + "/users/@me")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord API returned HTTP %d", resp.StatusCode)
	}

	var user models.DiscordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if user.ID == "" {
		return nil, fmt.Errorf("discord user info missing id")
	}

	return &user, nil
}
